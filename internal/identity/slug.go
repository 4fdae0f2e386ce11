package identity

import "strings"

// maxSlugLen bounds stable ids to a length assistant platforms accept.
const maxSlugLen = 48

// slugify lowers an entity key to a stable-id-safe form: lowercase
// alphanumerics and underscores, runs collapsed, trimmed, truncated.
func slugify(entityKey string) string {
	var b strings.Builder
	b.Grow(len(entityKey))
	prevUnderscore := false
	for _, c := range strings.ToLower(entityKey) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
			prevUnderscore = false
		default:
			if !prevUnderscore {
				b.WriteByte('_')
				prevUnderscore = true
			}
		}
	}
	slug := strings.Trim(b.String(), "_")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "_")
	}
	if slug == "" {
		slug = "device"
	}
	return slug
}
