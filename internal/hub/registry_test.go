package hub

import (
	"testing"
	"time"
)

func testSession(id, userID string) *Session {
	return newSession(id, userID, userID+"@example.com", nil, time.Second)
}

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()

	r.Add(testSession("s1", "alice"))
	r.Add(testSession("s2", "alice"))
	r.Add(testSession("s3", "bob"))

	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
	if got := r.CountForUser("alice"); got != 2 {
		t.Fatalf("CountForUser(alice) = %d, want 2", got)
	}
	if got := len(r.ByUser("bob")); got != 1 {
		t.Fatalf("ByUser(bob) returned %d sessions, want 1", got)
	}

	if _, ok := r.Get("s2"); !ok {
		t.Fatal("Get(s2) should find the session")
	}

	if !r.Remove("s2") {
		t.Fatal("Remove of registered session should report true")
	}
	if r.Remove("s2") {
		t.Fatal("second Remove should report false")
	}
	if got := r.CountForUser("alice"); got != 1 {
		t.Fatalf("CountForUser(alice) = %d after removal, want 1", got)
	}

	r.Remove("s1")
	if got := r.CountForUser("alice"); got != 0 {
		t.Fatalf("CountForUser(alice) = %d after removing all, want 0", got)
	}
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()
	r.Add(testSession("s1", "alice"))
	r.Add(testSession("s2", "bob"))

	snapshot := r.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("Snapshot() returned %d sessions, want 2", len(snapshot))
	}

	// Mutating the registry must not affect a taken snapshot.
	r.Remove("s1")
	if len(snapshot) != 2 {
		t.Fatal("snapshot should be a copy")
	}
}
