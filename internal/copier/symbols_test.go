package copier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapSymbol(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		leaderSuffix string
		follower     FollowerConfig
		want         string
	}{
		{
			name: "passthrough",
			raw:  "EURUSD",
			want: "EURUSD",
		},
		{
			name:         "strips leader suffix",
			raw:          "EURUSD.pro",
			leaderSuffix: ".pro",
			want:         "EURUSD",
		},
		{
			name:     "appends follower suffix",
			raw:      "EURUSD",
			follower: FollowerConfig{SymbolSuffix: ".m"},
			want:     "EURUSD.m",
		},
		{
			name:         "suffix swap",
			raw:          "XAUUSD.pro",
			leaderSuffix: ".pro",
			follower:     FollowerConfig{SymbolSuffix: ".raw"},
			want:         "XAUUSD.raw",
		},
		{
			name:     "blacklist rejects base",
			raw:      "GBPJPY",
			follower: FollowerConfig{SymbolBlacklist: []string{"gbpjpy"}},
			want:     "",
		},
		{
			name:         "blacklist rejects raw form",
			raw:          "GBPJPY.pro",
			leaderSuffix: ".pro",
			follower:     FollowerConfig{SymbolBlacklist: []string{"GBPJPY.pro"}},
			want:         "",
		},
		{
			name:     "whitelist rejects absent symbol",
			raw:      "EURUSD",
			follower: FollowerConfig{SymbolWhitelist: []string{"XAUUSD"}},
			want:     "",
		},
		{
			name:     "whitelist passes listed symbol",
			raw:      "EURUSD",
			follower: FollowerConfig{SymbolWhitelist: []string{"EURUSD"}},
			want:     "EURUSD",
		},
		{
			name:         "alias wins over suffix",
			raw:          "US30.pro",
			leaderSuffix: ".pro",
			follower: FollowerConfig{
				SymbolSuffix:  ".m",
				SymbolAliases: []SymbolAlias{{MasterSymbol: "US30", SlaveSymbol: "DJ30"}},
			},
			want: "DJ30",
		},
		{
			name: "blacklist wins over alias",
			raw:  "US30",
			follower: FollowerConfig{
				SymbolBlacklist: []string{"US30"},
				SymbolAliases:   []SymbolAlias{{MasterSymbol: "US30", SlaveSymbol: "DJ30"}},
			},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapSymbol(tt.raw, tt.leaderSuffix, &tt.follower)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllowMagic(t *testing.T) {
	empty := &FollowerConfig{}
	assert.True(t, AllowMagic(0, empty))
	assert.True(t, AllowMagic(999, empty))

	whitelisted := &FollowerConfig{MagicWhitelist: []int{7, 8}}
	assert.True(t, AllowMagic(7, whitelisted))
	assert.False(t, AllowMagic(9, whitelisted))

	blacklisted := &FollowerConfig{MagicBlacklist: []int{CopyMagic}}
	assert.False(t, AllowMagic(CopyMagic, blacklisted))
	assert.True(t, AllowMagic(0, blacklisted))

	// Whitelist runs first; a magic on both lists is still rejected by the
	// blacklist pass.
	both := &FollowerConfig{MagicWhitelist: []int{7}, MagicBlacklist: []int{7}}
	assert.False(t, AllowMagic(7, both))
}
