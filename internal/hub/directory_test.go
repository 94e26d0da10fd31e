package hub

import (
	"sort"
	"testing"
)

func TestDirectorySubscribe(t *testing.T) {
	d := NewDirectory()

	if !d.Subscribe("signals", "s1") {
		t.Fatal("first subscribe should report a new entry")
	}
	if d.Subscribe("signals", "s1") {
		t.Fatal("duplicate subscribe should report false")
	}
	d.Subscribe("signals", "s2")
	d.Subscribe("alerts", "s1")

	got := d.Subscribers("signals")
	sort.Strings(got)
	if len(got) != 2 || got[0] != "s1" || got[1] != "s2" {
		t.Fatalf("Subscribers(signals) = %v, want [s1 s2]", got)
	}
}

func TestDirectoryUnsubscribeDeletesEmptyChannel(t *testing.T) {
	d := NewDirectory()
	d.Subscribe("signals", "s1")
	d.Subscribe("signals", "s2")

	if !d.Unsubscribe("signals", "s1") {
		t.Fatal("unsubscribe of existing member should report true")
	}
	if !d.Has("signals") {
		t.Fatal("channel should persist while it still has subscribers")
	}

	d.Unsubscribe("signals", "s2")
	if d.Has("signals") {
		t.Fatal("channel entry should be deleted once the last subscriber leaves")
	}
	if len(d.Channels()) != 0 {
		t.Fatalf("Channels() = %v, want empty", d.Channels())
	}

	if d.Unsubscribe("signals", "s2") {
		t.Fatal("unsubscribe of a missing member should report false")
	}
}
