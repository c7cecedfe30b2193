package transport

// SeenSet remembers recently handled wire message ids with FIFO eviction.
// It is what lets a transport guarantee the inbound handler fires once per
// distinct wire message. Not safe for concurrent use; callers hold their
// own lock.
type SeenSet struct {
	ids   map[string]struct{}
	order []string
	max   int
}

func NewSeenSet(max int) *SeenSet {
	if max <= 0 {
		max = 4096
	}
	return &SeenSet{ids: make(map[string]struct{}), max: max}
}

// Add returns true when the id was not seen before.
func (s *SeenSet) Add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.max {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	return true
}
