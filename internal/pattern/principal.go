// Package pattern implements the principal and action pattern matcher of
// §4.2: compilation of principal patterns to anchored regular expressions,
// plain-string matching for action patterns, and a bounded LRU cache of
// compiled principal matchers.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// PrincipalMatcher is a compiled principal pattern.
type PrincipalMatcher struct {
	re      *regexp.Regexp
	literal string
	isGroup bool
}

// Matches reports whether the principal id matches this compiled pattern.
// group:<literal> patterns are matched against each of the principal's
// roles rather than its id.
func (m *PrincipalMatcher) Matches(principalID string, roles []string) bool {
	if m.isGroup {
		for _, r := range roles {
			if r == m.literal {
				return true
			}
		}
		return false
	}
	return m.re.MatchString(principalID)
}

// CompilePrincipal compiles a principal pattern per §4.2: `*` (any),
// `prefix-*`, `*-suffix`, `prefix-*-suffix`, `*@domain`, `group:<literal>`,
// or a literal id. Consecutive `*` collapse to one, regex metacharacters in
// literal segments are escaped, and the result is fully anchored.
func CompilePrincipal(p string) (*PrincipalMatcher, error) {
	if p == "" {
		return nil, fmt.Errorf("empty principal pattern")
	}
	if strings.HasPrefix(p, "group:") {
		literal := strings.TrimPrefix(p, "group:")
		if literal == "" {
			return nil, fmt.Errorf("group pattern %q missing literal", p)
		}
		return &PrincipalMatcher{isGroup: true, literal: literal}, nil
	}

	collapsed := collapseStars(p)
	segments := strings.Split(collapsed, "*")
	var b strings.Builder
	b.WriteString("^")
	for i, seg := range segments {
		if i > 0 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(seg))
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("compiling principal pattern %q: %w", p, err)
	}
	return &PrincipalMatcher{re: re}, nil
}

func collapseStars(p string) string {
	for strings.Contains(p, "**") {
		p = strings.ReplaceAll(p, "**", "*")
	}
	return p
}
