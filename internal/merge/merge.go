// Package merge reconciles two versions of an entity collection.
//
// Merge is pure: it performs no I/O and never mutates its inputs. Entities are
// matched by identifier. When both sides hold an entity the most recently
// modified version wins; equal timestamps fall back to comparing content
// hashes so the outcome is independent of which side is called "local".
package merge

import (
	"errors"
	"fmt"
	"sort"

	"github.com/njoerd114/bookingsync/internal/model"
)

// ErrMergeInvariant is returned when an input collection violates the merge
// preconditions, such as holding the same identifier twice.
var ErrMergeInvariant = errors.New("merge invariant violated")

// Stats summarises a merge.
type Stats struct {
	LocalOnly  int
	RemoteOnly int
	// Both counts identifiers present on both sides.
	Both int
	// Conflicts counts identifiers present on both sides with differing
	// content.
	Conflicts int
	// LocalWins and RemoteWins split Conflicts by the side that prevailed.
	LocalWins  int
	RemoteWins int
}

// Total is the number of entities in the merged output.
func (s Stats) Total() int { return s.LocalOnly + s.RemoteOnly + s.Both }

// Merge returns the union of local and remote keyed by identifier, resolving
// entities present on both sides with [Resolve]. The result is sorted by
// identifier.
func Merge[T model.Entity](local, remote []T) ([]T, Stats, error) {
	var st Stats

	li, err := index(local, "local")
	if err != nil {
		return nil, st, err
	}
	ri, err := index(remote, "remote")
	if err != nil {
		return nil, st, err
	}

	out := make([]T, 0, len(li)+len(ri))
	for id, l := range li {
		r, ok := ri[id]
		if !ok {
			st.LocalOnly++
			out = append(out, l)
			continue
		}
		st.Both++
		if l.ContentHash() == r.ContentHash() {
			out = append(out, Resolve(l, r))
			continue
		}
		st.Conflicts++
		w := Resolve(l, r)
		if sameVersion(w, l) {
			st.LocalWins++
		} else {
			st.RemoteWins++
		}
		out = append(out, w)
	}
	for id, r := range ri {
		if _, ok := li[id]; !ok {
			st.RemoteOnly++
			out = append(out, r)
		}
	}

	sortByID(out)
	return out, st, nil
}

// Resolve picks the surviving version of one entity. The later LastModified
// wins; on a tie the greater content hash wins. Resolve(a, b) and
// Resolve(b, a) always return equal content.
func Resolve[T model.Entity](a, b T) T {
	at, bt := a.LastModified(), b.LastModified()
	switch {
	case at.After(bt):
		return a
	case bt.After(at):
		return b
	}
	if b.ContentHash() > a.ContentHash() {
		return b
	}
	return a
}

// ApplyTombstones removes entities deleted at or after their last
// modification and returns the survivors together with the suppressed
// identifiers. An entity modified after its tombstone was written survives:
// the later edit is treated as a re-creation.
//
// Tombstones only exist on the device that deleted. Another device that
// still holds the entity pushes it back as local-only on its next pass, and
// the deleting device removes it again on its own next pass. This repeats
// for as long as the other device keeps its copy.
func ApplyTombstones[T model.Entity](entities []T, tombstones []model.Tombstone) ([]T, []string) {
	if len(tombstones) == 0 {
		return entities, nil
	}
	deleted := make(map[string]model.Tombstone, len(tombstones))
	for _, t := range tombstones {
		deleted[t.ID] = t
	}

	kept := make([]T, 0, len(entities))
	var dropped []string
	for _, e := range entities {
		t, ok := deleted[e.EntityID()]
		if ok && !t.DeletedAt.Before(e.LastModified()) {
			dropped = append(dropped, e.EntityID())
			continue
		}
		kept = append(kept, e)
	}
	return kept, dropped
}

// Changed returns the entities in merged whose content or modification time
// differs from the version in base, plus those absent from base. It selects
// what has to be written to one side after a merge.
func Changed[T model.Entity](merged, base []T) []T {
	known := make(map[string]T, len(base))
	for _, b := range base {
		known[b.EntityID()] = b
	}
	var out []T
	for _, m := range merged {
		b, ok := known[m.EntityID()]
		if !ok || b.ContentHash() != m.ContentHash() || !b.LastModified().Equal(m.LastModified()) {
			out = append(out, m)
		}
	}
	return out
}

func index[T model.Entity](vs []T, side string) (map[string]T, error) {
	m := make(map[string]T, len(vs))
	for _, v := range vs {
		id := v.EntityID()
		if _, dup := m[id]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q in %s collection", ErrMergeInvariant, id, side)
		}
		m[id] = v
	}
	return m, nil
}

func sameVersion[T model.Entity](a, b T) bool {
	return a.ContentHash() == b.ContentHash() && a.LastModified().Equal(b.LastModified())
}

func sortByID[T model.Entity](vs []T) {
	sort.Slice(vs, func(i, j int) bool { return vs[i].EntityID() < vs[j].EntityID() })
}
