package websub

import "strings"

// Allowlist holds the URL prefixes topics must start with. An empty list
// means a public hub that admits every topic.
type Allowlist struct {
	prefixes []string
}

func NewAllowlist(prefixes ...string) Allowlist {
	cleaned := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		cleaned = append(cleaned, p)
	}
	return Allowlist{prefixes: cleaned}
}

// ParseAllowlist reads a comma separated list of origin prefixes.
func ParseAllowlist(csv string) Allowlist {
	return NewAllowlist(strings.Split(csv, ",")...)
}

func (a Allowlist) IsPublic() bool {
	return len(a.prefixes) == 0
}

func (a Allowlist) Prefixes() []string {
	return append([]string(nil), a.prefixes...)
}

func (a Allowlist) Allows(topic string) bool {
	if a.IsPublic() {
		return true
	}
	for _, p := range a.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}
