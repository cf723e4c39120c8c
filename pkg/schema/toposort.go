package schema

import "sort"

// SortByDependencies orders tables so that every table referenced by
// another table's FOREIGN KEY clause comes first, using Kahn's algorithm
// with the ready set sorted alphabetically at each step for a deterministic
// result. Self-references and references to tables outside the set are
// ignored; any residual cycle is appended in alphabetical order rather than
// blocking the sort — the remote does not enforce foreign keys, so a
// best-effort order is acceptable.
func SortByDependencies(tables []*TableInfo) []*TableInfo {
	byName := make(map[string]*TableInfo, len(tables))
	known := make(map[string]bool, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
		known[t.Name] = true
	}

	deps := make(map[string]map[string]bool, len(tables))
	for _, t := range tables {
		refs := referencedTables(t.CreateSQL, t.Name, known)
		set := make(map[string]bool, len(refs))
		for _, r := range refs {
			set[r] = true
		}
		deps[t.Name] = set
	}

	var sorted []*TableInfo
	placed := make(map[string]bool, len(tables))

	var ready []string
	for name, d := range deps {
		if len(d) == 0 {
			ready = append(ready, name)
		}
	}

	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]

		if !placed[name] {
			sorted = append(sorted, byName[name])
			placed[name] = true
		}

		for other, d := range deps {
			if d[name] {
				delete(d, name)
				if len(d) == 0 {
					ready = append(ready, other)
					delete(deps, other)
				}
			}
		}
	}

	if len(deps) > 0 {
		var residue []string
		for name := range deps {
			if !placed[name] {
				residue = append(residue, name)
			}
		}
		sort.Strings(residue)
		for _, name := range residue {
			sorted = append(sorted, byName[name])
		}
	}

	return sorted
}
