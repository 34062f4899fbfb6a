package lifecycle

import (
	"sort"
	"strings"
)

// Resolve returns the page ids that must be notified about ev: the page, its
// parent and descendants, plus both parents of a move and every page of a
// restore batch. The result has no empty or duplicate ids and is sorted.
func Resolve(ev Event) []string {
	h := ev.Head()
	set := map[string]struct{}{}
	add := func(ids ...string) {
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id != "" {
				set[id] = struct{}{}
			}
		}
	}
	add(h.PageID, h.ParentID)
	add(h.DescendantIDs...)

	switch e := ev.(type) {
	case MovedInternally:
		add(e.NewParentID, e.OldParentID)
	case Restored:
		add(e.DeletedPageIDs...)
	case Duplicated, Deleted, SubPage, PassThrough:
	}

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
