package pumped

// registry maps a key to the bindings interested in it at one context.
// It is node-local: walking the subtree is the mutator's job.
type registry map[string]map[*Binding]struct{}

func (r registry) subscribe(key string, b *Binding) {
	set, ok := r[key]
	if !ok {
		set = make(map[*Binding]struct{})
		r[key] = set
	}
	set[b] = struct{}{}
}

func (r registry) unsubscribe(key string, b *Binding) {
	set, ok := r[key]
	if !ok {
		return
	}
	delete(set, b)
	if len(set) == 0 {
		delete(r, key)
	}
}

// find returns a snapshot of the bindings registered for key
func (r registry) find(key string) []*Binding {
	set := r[key]
	if len(set) == 0 {
		return nil
	}
	result := make([]*Binding, 0, len(set))
	for b := range set {
		result = append(result, b)
	}
	return result
}

// change is one binding that must re-resolve one key
type change struct {
	binding *Binding
	key     string
}

// changeSet collects the notifications produced by a mutation, without
// duplicates, in discovery order.
type changeSet struct {
	items []change
	seen  map[change]struct{}
}

func (s *changeSet) add(b *Binding, key string) {
	ch := change{binding: b, key: key}
	if s.seen == nil {
		s.seen = make(map[change]struct{})
	}
	if _, ok := s.seen[ch]; ok {
		return
	}
	s.seen[ch] = struct{}{}
	s.items = append(s.items, ch)
}

func (s *changeSet) merge(other changeSet) {
	for _, ch := range other.items {
		s.add(ch.binding, ch.key)
	}
}

func (s *changeSet) len() int {
	return len(s.items)
}
