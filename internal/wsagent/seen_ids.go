package wsagent

// seenIDs is a fixed-capacity set of message ids. Once full, adding a new
// id evicts the oldest one. It is not safe for concurrent use.
type seenIDs struct {
	buf     []string
	size    int
	head    int // next write position, also the oldest entry when full
	full    bool
	members map[string]struct{}
}

func newSeenIDs(size int) *seenIDs {
	if size <= 0 {
		size = seenIDCapacity
	}
	return &seenIDs{
		buf:     make([]string, size),
		size:    size,
		members: make(map[string]struct{}, size),
	}
}

// Add records id and reports whether it was new.
func (s *seenIDs) Add(id string) bool {
	if _, ok := s.members[id]; ok {
		return false
	}
	if s.full {
		delete(s.members, s.buf[s.head])
	}
	s.buf[s.head] = id
	s.members[id] = struct{}{}
	s.head = (s.head + 1) % s.size
	if s.head == 0 {
		s.full = true
	}
	return true
}

func (s *seenIDs) Contains(id string) bool {
	_, ok := s.members[id]
	return ok
}

func (s *seenIDs) Len() int {
	return len(s.members)
}
