package livetail

const DefaultMaxEntries = 100

// Buffer - Bounded, newest-first window of live entries
//
// Buffer is not safe for concurrent use; a Tail only touches it with its
// lock held.
type Buffer struct {
	entries    []LiveEntry
	maxEntries int
}

func NewBuffer(maxEntries int) *Buffer {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Buffer{
		entries:    make([]LiveEntry, 0, maxEntries),
		maxEntries: maxEntries,
	}
}

// Insert prepends entry, evicting the oldest one if the buffer is full.
func (buffer *Buffer) Insert(entry LiveEntry) {
	if len(buffer.entries) < buffer.maxEntries {
		buffer.entries = append(buffer.entries, LiveEntry{})
	}
	copy(buffer.entries[1:], buffer.entries[:len(buffer.entries)-1])
	buffer.entries[0] = entry
}

func (buffer *Buffer) Clear() {
	buffer.entries = make([]LiveEntry, 0, buffer.maxEntries)
}

// Entries returns a copy of the window, newest first.
func (buffer *Buffer) Entries() []LiveEntry {
	entries := make([]LiveEntry, len(buffer.entries))
	copy(entries, buffer.entries)
	return entries
}

func (buffer *Buffer) Len() int {
	return len(buffer.entries)
}

func (buffer *Buffer) Cap() int {
	return buffer.maxEntries
}
