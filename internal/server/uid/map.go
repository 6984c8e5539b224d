// Package uid maintains the sequence number to UID mapping of the mailbox a
// session has selected.
package uid

import "sort"

// Map is the bijection between 1-based sequence numbers and UIDs. It is
// only ever rebuilt as a whole; lookups are O(1) in both directions.
type Map struct {
	uids  []uint32          // index 0 is sequence number 1
	index map[uint32]uint32 // uid -> sequence number
}

func NewMap() *Map {
	return &Map{index: map[uint32]uint32{}}
}

// Rebuild replaces the mapping with the given UIDs. The input is sorted
// and deduplicated on a copy, and the new state is swapped in at once.
func (m *Map) Rebuild(uids []uint32) {
	sorted := append([]uint32(nil), uids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := 0
	for i, u := range sorted {
		if u == 0 || (i > 0 && u == sorted[i-1]) {
			continue
		}
		sorted[n] = u
		n++
	}
	sorted = sorted[:n]

	index := make(map[uint32]uint32, len(sorted))
	for i, u := range sorted {
		index[u] = uint32(i + 1)
	}

	m.uids = sorted
	m.index = index
}

// Reset empties the mapping.
func (m *Map) Reset() {
	m.uids = nil
	m.index = map[uint32]uint32{}
}

// Len returns the number of messages, which is also the highest sequence
// number.
func (m *Map) Len() int {
	return len(m.uids)
}

// UID returns the UID at sequence number seq.
func (m *Map) UID(seq uint32) (uint32, bool) {
	if seq == 0 || int(seq) > len(m.uids) {
		return 0, false
	}
	return m.uids[seq-1], true
}

// Seq returns the sequence number of uid.
func (m *Map) Seq(uid uint32) (uint32, bool) {
	seq, ok := m.index[uid]
	return seq, ok
}

// MaxUID returns the highest mapped UID, or 0 when empty.
func (m *Map) MaxUID() uint32 {
	if len(m.uids) == 0 {
		return 0
	}
	return m.uids[len(m.uids)-1]
}

// UIDs returns a copy of the mapped UIDs in sequence order.
func (m *Map) UIDs() []uint32 {
	return append([]uint32(nil), m.uids...)
}

// CountUIDsIn returns how many mapped UIDs lie in [lo, hi].
func (m *Map) CountUIDsIn(lo, hi uint32) int {
	if lo > hi {
		return 0
	}
	start := sort.Search(len(m.uids), func(i int) bool { return m.uids[i] >= lo })
	end := sort.Search(len(m.uids), func(i int) bool { return m.uids[i] > hi })
	return end - start
}
