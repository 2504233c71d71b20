package model

// Entries maps fingerprints to assignments and iterates in insertion order.
// Replacing an existing fingerprint keeps its original position.
type Entries struct {
	keys  []string
	index map[string]int
	items []Assignment
}

// NewEntries returns an empty Entries.
func NewEntries() *Entries {
	return &Entries{index: make(map[string]int)}
}

// Put inserts a or replaces the assignment already stored for a.Fingerprint.
// It reports whether an earlier entry was replaced.
func (e *Entries) Put(a Assignment) bool {
	if i, ok := e.index[a.Fingerprint]; ok {
		e.items[i] = a
		return true
	}
	e.index[a.Fingerprint] = len(e.keys)
	e.keys = append(e.keys, a.Fingerprint)
	e.items = append(e.items, a)
	return false
}

// Get returns the assignment for fingerprint.
func (e *Entries) Get(fingerprint string) (Assignment, bool) {
	i, ok := e.index[fingerprint]
	if !ok {
		return Assignment{}, false
	}
	return e.items[i], true
}

// Len returns the number of distinct fingerprints.
func (e *Entries) Len() int {
	if e == nil {
		return 0
	}
	return len(e.keys)
}

// Fingerprints returns the keys in insertion order.
func (e *Entries) Fingerprints() []string {
	if e == nil {
		return nil
	}
	return append([]string(nil), e.keys...)
}

// All returns the assignments in insertion order.
func (e *Entries) All() []Assignment {
	if e == nil {
		return nil
	}
	return append([]Assignment(nil), e.items...)
}
