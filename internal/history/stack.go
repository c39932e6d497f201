package history

// stack is a bounded LIFO of history entries. Pushing past the limit
// evicts the oldest entry, so the undo horizon slides forward instead of
// blocking new edits.
type stack struct {
	entries []Entry
	max     int
}

func newStack(max int) *stack {
	if max <= 0 {
		max = defaultMaxStackSize
	}
	return &stack{entries: []Entry{}, max: max}
}

func (s *stack) push(e Entry) {
	if len(s.entries) >= s.max {
		evict := len(s.entries) - s.max + 1
		s.entries = append([]Entry{}, s.entries[evict:]...)
	}
	s.entries = append(s.entries, e)
}

func (s *stack) pop() (Entry, bool) {
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	e := s.entries[len(s.entries)-1]
	s.entries = s.entries[:len(s.entries)-1]
	return e, true
}

func (s *stack) len() int {
	return len(s.entries)
}

func (s *stack) clear() {
	s.entries = s.entries[:0]
}

func (s *stack) snapshot() []Entry {
	return append([]Entry{}, s.entries...)
}

func (s *stack) replace(entries []Entry) {
	s.entries = append([]Entry{}, entries...)
	if len(s.entries) > s.max {
		s.entries = append([]Entry{}, s.entries[len(s.entries)-s.max:]...)
	}
}
