package ledger

// Eligible reports whether an account with these counters may consume one
// more unit.
func Eligible(usage, quota int) bool {
	return usage < quota
}

// ShouldInvite reports whether the usage count just reached a multiple of
// every, the point where users are nudged to share. every <= 0 disables it.
func ShouldInvite(usage, every int) bool {
	return every > 0 && usage > 0 && usage%every == 0
}
