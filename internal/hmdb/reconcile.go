package hmdb

// Reconcile walks a response tree depth-first and extracts the
// requested fields, matching each by exact key first and then by alias
// at any nesting depth. A field found under several nested occurrences
// is merged into one list rather than overwritten. Per-field
// normalizers from the catalog are applied to the merged result.
func (c *Catalog) Reconcile(root Value, requested []string) map[string]any {
	out := make(map[string]any)
	for _, field := range requested {
		keys := append([]string{field}, c.aliases[field]...)
		var matches []Value
		collectMatches(root, keys, &matches)
		if len(matches) == 0 {
			continue
		}
		out[field] = c.normalize(field, merge(matches))
	}
	return out
}

// collectMatches gathers every value stored under any of the candidate
// keys, anywhere in the tree. The first key in keys is the canonical
// name; within one object the canonical key shadows its aliases.
func collectMatches(v Value, keys []string, matches *[]Value) {
	switch v.Kind {
	case KindObject:
		matchedKey := ""
		for _, k := range keys {
			if child, ok := v.Object[k]; ok {
				*matches = append(*matches, child)
				matchedKey = k
				break
			}
		}
		// Descend into the other children: occurrences repeated at
		// deeper levels merge into the same result.
		for k, child := range v.Object {
			if k == matchedKey {
				continue
			}
			collectMatches(child, keys, matches)
		}
	case KindList:
		for _, child := range v.List {
			collectMatches(child, keys, matches)
		}
	}
}

// merge flattens multiple matches into one value: a single scalar stays
// scalar, several matches (or list-valued matches) become one list.
func merge(matches []Value) any {
	if len(matches) == 1 && matches[0].Kind != KindList {
		return matches[0].Interface()
	}
	var out []any
	for _, m := range matches {
		if m.Kind == KindList {
			for _, item := range m.List {
				out = append(out, item.Interface())
			}
			continue
		}
		out = append(out, m.Interface())
	}
	return out
}

// normalize applies the configured shape fixups for known fields.
func (c *Catalog) normalize(field string, value any) any {
	switch c.normalizers[field] {
	case "names":
		return collapseNames(value)
	case "unwrap_single":
		return unwrapSingle(value)
	default:
		return value
	}
}

// collapseNames reduces a list of records carrying a "name" key to the
// list of names; anything else passes through untouched.
func collapseNames(value any) any {
	list, ok := value.([]any)
	if !ok {
		return value
	}
	names := make([]any, 0, len(list))
	for _, item := range list {
		rec, ok := item.(map[string]any)
		if !ok {
			return value
		}
		name, ok := rec["name"]
		if !ok {
			return value
		}
		names = append(names, name)
	}
	return names
}

// unwrapSingle collapses a one-element list to its element.
func unwrapSingle(value any) any {
	if list, ok := value.([]any); ok && len(list) == 1 {
		return list[0]
	}
	return value
}
