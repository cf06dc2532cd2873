package models

import "time"

// Cursor tracks everything the poller has already observed: a high-water
// receivedAt timestamp plus a bounded window of recently seen message ids.
// The window keeps ids at or above the watermark so that messages sharing
// the boundary timestamp are never re-emitted.
type Cursor struct {
	Watermark time.Time
	Seen      map[string]time.Time
}

// NewCursor returns an empty cursor with an initialized dedup window
func NewCursor() Cursor {
	return Cursor{Seen: make(map[string]time.Time)}
}

// IsZero reports whether the cursor has never been seeded
func (c Cursor) IsZero() bool {
	return c.Watermark.IsZero() && len(c.Seen) == 0
}

// Contains reports whether the given message id is in the dedup window
func (c Cursor) Contains(id string) bool {
	_, ok := c.Seen[id]
	return ok
}

// Advance merges the ids of the given batch into the dedup window and moves
// the watermark to the maximum receivedAt observed. The watermark never
// regresses. Ids older than the new watermark are discarded from the window
// since a receivedAt-filtered query can never return them again.
func (c *Cursor) Advance(batch []Message) {
	if c.Seen == nil {
		c.Seen = make(map[string]time.Time)
	}
	for _, m := range batch {
		c.Seen[m.ID] = m.ReceivedAt
		if m.ReceivedAt.After(c.Watermark) {
			c.Watermark = m.ReceivedAt
		}
	}
	for id, at := range c.Seen {
		if at.Before(c.Watermark) {
			delete(c.Seen, id)
		}
	}
}

// Clone returns an independent copy of the cursor
func (c Cursor) Clone() Cursor {
	out := Cursor{Watermark: c.Watermark, Seen: make(map[string]time.Time, len(c.Seen))}
	for id, at := range c.Seen {
		out.Seen[id] = at
	}
	return out
}

// Equal reports whether two cursors describe the same observed state
func (c Cursor) Equal(other Cursor) bool {
	if !c.Watermark.Equal(other.Watermark) || len(c.Seen) != len(other.Seen) {
		return false
	}
	for id, at := range c.Seen {
		otherAt, ok := other.Seen[id]
		if !ok || !at.Equal(otherAt) {
			return false
		}
	}
	return true
}
