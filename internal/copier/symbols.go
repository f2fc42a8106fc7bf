package copier

import "strings"

// MapSymbol resolves the follower-side symbol for a leader symbol. The
// resolution order is fixed: strip the leader's suffix, apply the follower
// blacklist, then the whitelist, then aliases, and finally append the
// follower's own suffix. An empty result means the symbol must not be
// copied.
func MapSymbol(raw, leaderSuffix string, f *FollowerConfig) string {
	base := raw
	if leaderSuffix != "" && strings.HasSuffix(raw, leaderSuffix) {
		base = strings.TrimSuffix(raw, leaderSuffix)
	}

	if containsSymbol(f.SymbolBlacklist, base) || containsSymbol(f.SymbolBlacklist, raw) {
		return ""
	}
	if len(f.SymbolWhitelist) > 0 &&
		!containsSymbol(f.SymbolWhitelist, base) && !containsSymbol(f.SymbolWhitelist, raw) {
		return ""
	}
	for _, alias := range f.SymbolAliases {
		if alias.MasterSymbol == base || alias.MasterSymbol == raw {
			return alias.SlaveSymbol
		}
	}
	return base + f.SymbolSuffix
}

// AllowMagic applies the magic-number filter: whitelist first when present,
// then blacklist. Empty lists allow everything.
func AllowMagic(magic int, f *FollowerConfig) bool {
	if len(f.MagicWhitelist) > 0 && !containsInt(f.MagicWhitelist, magic) {
		return false
	}
	if containsInt(f.MagicBlacklist, magic) {
		return false
	}
	return true
}

func containsSymbol(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
