package hub

import "sync"

// Directory maps channel names to the set of subscribed session ids.
// A channel entry exists only while its subscriber set is non-empty.
type Directory struct {
	mu       sync.RWMutex
	channels map[string]map[string]struct{}
}

func NewDirectory() *Directory {
	return &Directory{channels: make(map[string]map[string]struct{})}
}

// Subscribe adds the session to the channel's subscriber set, creating
// the entry on first subscribe. It reports whether the session was
// newly added (false on duplicate subscribes).
func (d *Directory) Subscribe(channel, sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	subscribers, ok := d.channels[channel]
	if !ok {
		subscribers = make(map[string]struct{})
		d.channels[channel] = subscribers
	}
	if _, exists := subscribers[sessionID]; exists {
		return false
	}
	subscribers[sessionID] = struct{}{}
	return true
}

// Unsubscribe removes the session from the channel, deleting the
// channel entry once its subscriber set is empty.
func (d *Directory) Unsubscribe(channel, sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	subscribers, ok := d.channels[channel]
	if !ok {
		return false
	}
	if _, exists := subscribers[sessionID]; !exists {
		return false
	}
	delete(subscribers, sessionID)
	if len(subscribers) == 0 {
		delete(d.channels, channel)
	}
	return true
}

// Subscribers returns the session ids subscribed to a channel.
func (d *Directory) Subscribers(channel string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	subscribers := d.channels[channel]
	out := make([]string, 0, len(subscribers))
	for id := range subscribers {
		out = append(out, id)
	}
	return out
}

// Has reports whether a channel entry currently exists.
func (d *Directory) Has(channel string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.channels[channel]
	return ok
}

// Channels returns the names of every channel with subscribers.
func (d *Directory) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.channels))
	for name := range d.channels {
		out = append(out, name)
	}
	return out
}
