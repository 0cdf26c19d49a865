package governance

// IsAuthorized reports whether actor may change the membership or admin
// structure of g. Only the recorded owner may.
func IsAuthorized(g *Group, actor string) bool {
	if g == nil || g.Owner == "" {
		return false
	}
	return actor == g.Owner
}

// IsBotEligibleToAct reports whether the bot holds admin rights in g.
// Destructive flows must not run without them.
func IsBotEligibleToAct(g *Group, botID string) bool {
	if g == nil || botID == "" {
		return false
	}
	return g.IsAdmin(botID)
}
