package session

import "encoding/json"

// Entry is one dispatched event as the client saw (or will see) it.
type Entry struct {
	Seq     int64
	Name    string
	Payload json.RawMessage
}

// ResumeBuffer is a fixed-capacity ring of the most recent entries. Sequence
// numbers are assigned by Append, so retained entries are always contiguous.
// Not safe for concurrent use; Session guards it.
type ResumeBuffer struct {
	ring  []Entry
	start int
	size  int
	last  int64
}

func NewResumeBuffer(capacity int) *ResumeBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ResumeBuffer{ring: make([]Entry, capacity)}
}

// Append assigns the next sequence number, evicting the oldest entry when full.
func (b *ResumeBuffer) Append(name string, payload json.RawMessage) Entry {
	b.last++
	e := Entry{Seq: b.last, Name: name, Payload: payload}
	if b.size < len(b.ring) {
		b.ring[(b.start+b.size)%len(b.ring)] = e
		b.size++
		return e
	}
	b.ring[b.start] = e
	b.start = (b.start + 1) % len(b.ring)
	return e
}

// Last is the highest sequence ever assigned, 0 before the first append.
func (b *ResumeBuffer) Last() int64 { return b.last }

// Oldest is the lowest retained sequence, or Last()+1 when empty.
func (b *ResumeBuffer) Oldest() int64 {
	if b.size == 0 {
		return b.last + 1
	}
	return b.ring[b.start].Seq
}

func (b *ResumeBuffer) Len() int { return b.size }

func (b *ResumeBuffer) Cap() int { return len(b.ring) }

// Since returns every entry with Seq > after, oldest first. ok is false when
// after is ahead of Last or when entries after it have already been evicted,
// i.e. when an exact replay is impossible.
func (b *ResumeBuffer) Since(after int64) (entries []Entry, ok bool) {
	if after < 0 || after > b.last || after < b.Oldest()-1 {
		return nil, false
	}
	n := int(b.last - after)
	entries = make([]Entry, 0, n)
	for i := b.size - n; i < b.size; i++ {
		entries = append(entries, b.ring[(b.start+i)%len(b.ring)])
	}
	return entries, true
}

// Reset drops every entry. The sequence counter is kept.
func (b *ResumeBuffer) Reset() {
	clear(b.ring)
	b.start, b.size = 0, 0
}
