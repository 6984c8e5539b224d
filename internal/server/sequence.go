package server

import (
	"sort"
	"strconv"
	"strings"

	"imapgate/internal/server/parser"
	"imapgate/internal/server/uid"
	"imapgate/internal/store"
)

// resolveSet turns a sequence set into UID ranges against the current map
// and counts the mapped messages it addresses. "*" becomes the highest live
// sequence number or UID. Sequence ranges beyond the mailbox are clamped
// or dropped.
func resolveSet(m *uid.Map, set parser.SequenceSet) ([]store.UIDRange, int) {
	var ranges []store.UIDRange
	count := 0

	for _, r := range set.Ranges {
		lo, hi := r.Start, r.End
		if hi == 0 {
			hi = lo
		}

		if set.Kind == parser.KindUID {
			max := m.MaxUID()
			if lo == parser.Star {
				lo = max
			}
			if hi == parser.Star {
				hi = max
			}
			if lo > hi {
				lo, hi = hi, lo
			}
			if hi == 0 {
				continue
			}
			ranges = append(ranges, store.UIDRange{Start: lo, End: hi})
			count += m.CountUIDsIn(lo, hi)
			continue
		}

		n := uint32(m.Len())
		if lo == parser.Star {
			lo = n
		}
		if hi == parser.Star {
			hi = n
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		if lo == 0 || lo > n {
			continue
		}
		if hi > n {
			hi = n
		}
		start, _ := m.UID(lo)
		end, _ := m.UID(hi)
		ranges = append(ranges, store.UIDRange{Start: start, End: end})
		count += int(hi - lo + 1)
	}

	return ranges, count
}

// mappedUIDs returns the mapped UIDs falling in any of the ranges, in
// ascending order and without duplicates.
func mappedUIDs(m *uid.Map, ranges []store.UIDRange) []uint32 {
	var out []uint32
	for _, u := range m.UIDs() {
		for _, r := range ranges {
			if r.Contains(u) {
				out = append(out, u)
				break
			}
		}
	}
	return out
}

// formatUIDSet renders UIDs in the given order, joining consecutive
// ascending runs into ranges.
func formatUIDSet(uids []uint32) string {
	var parts []string
	for i := 0; i < len(uids); {
		j := i
		for j+1 < len(uids) && uids[j+1] == uids[j]+1 {
			j++
		}
		if j == i {
			parts = append(parts, strconv.FormatUint(uint64(uids[i]), 10))
		} else {
			parts = append(parts, strconv.FormatUint(uint64(uids[i]), 10)+":"+strconv.FormatUint(uint64(uids[j]), 10))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}

func sortUIDs(uids []uint32) {
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
}
