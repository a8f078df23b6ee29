package pattern

// MatchAction implements §4.2's deliberately simpler action pattern
// matcher: `*` matches any action, everything else is an exact string
// match. No inner wildcards, unlike principal patterns (§9 design note).
func MatchAction(pattern, action string) bool {
	return pattern == "*" || pattern == action
}
