package domain

import "strings"

// NormalizeContact reduces a platform contact identifier to a canonical form
// so "+1 (555) 010-0100", "15550100100" and "15550100100@c.us" compare equal.
// Non-phone identifiers (page-scoped ids, handles) are only trimmed and lowercased.
func NormalizeContact(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.IndexByte(id, '@'); i > 0 {
		switch strings.ToLower(id[i+1:]) {
		case "c.us", "s.whatsapp.net", "g.us":
			id = id[:i]
		}
	}
	if !looksLikePhone(id) {
		return strings.ToLower(id)
	}
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func looksLikePhone(id string) bool {
	digits := 0
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits > 0
}
