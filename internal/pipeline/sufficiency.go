package pipeline

import (
	"strings"
	"unicode"
)

// spliceAddition inserts a sufficiency-requested fragment into an
// existing query. When the query contains exactly one RETURN clause the
// fragment goes immediately before it, so added MATCH/WHERE clauses
// stay inside the read part of the query. Zero or multiple RETURNs make
// the insertion point ambiguous and the fragment is appended instead.
func spliceAddition(query, addition string) string {
	addition = strings.TrimSpace(addition)
	if addition == "" {
		return query
	}
	positions := returnPositions(query)
	if len(positions) != 1 {
		return strings.TrimRight(query, " \t\n") + "\n" + addition
	}
	at := positions[0]
	return query[:at] + addition + "\n" + query[at:]
}

// returnPositions finds the byte offsets of RETURN keywords occurring
// outside string literals, matched case-insensitively on word
// boundaries so identifiers like returned_value don't count.
func returnPositions(query string) []int {
	var positions []int
	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
			continue
		}
		if len(query)-i < 6 {
			break
		}
		if !strings.EqualFold(query[i:i+6], "RETURN") {
			continue
		}
		if i > 0 && isWordByte(query[i-1]) {
			continue
		}
		if i+6 < len(query) && isWordByte(query[i+6]) {
			continue
		}
		positions = append(positions, i)
		i += 5
	}
	return positions
}

func isWordByte(c byte) bool {
	return c == '_' || unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c))
}
