package queryapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFilterIgnoresLocation(t *testing.T) {
	f := parseFilter(map[string][]string{
		"status":   {"online"},
		"location": {"US,CA,SF"},
		"ids":      {"n1,n2"},
	})
	require.Equal(t, "online", string(f.Status))
	require.Equal(t, []string{"n1", "n2"}, f.IDs)
}

func TestParseFilterLivedSecs(t *testing.T) {
	f := parseFilter(map[string][]string{"lived_secs": {"30"}})
	require.Equal(t, int64(30), f.LivedSecs)
}

func TestParseFilterUnknownKeysIgnored(t *testing.T) {
	f := parseFilter(map[string][]string{"bogus": {"x"}})
	require.Empty(t, f.Status)
}
