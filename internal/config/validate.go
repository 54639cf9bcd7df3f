package config

import (
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/blufio/blufio/internal/blufioerr"
)

// validTopLevelKeys is the closed set of sections a configuration file
// may contain.
var validTopLevelKeys = []string{
	"agent", "anthropic", "storage", "cost", "context", "memory",
	"routing", "heartbeat", "vault", "delegation", "agents", "channels",
}

// checkUnknownKeys decodes the document loosely and rejects unknown
// top-level sections with a nearest-match suggestion, so a typo like
// "memroy" fails with a usable diagnostic instead of a bare strict-
// decode error.
func checkUnknownKeys(document string) error {
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(document), &doc); err != nil {
		// Leave malformed YAML to the strict decoder's own error.
		return nil
	}

	var unknown []string
	for key := range doc {
		if !contains(validTopLevelKeys, key) {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)

	key := unknown[0]
	return &blufioerr.ConfigError{
		Key:        key,
		Reason:     "unknown configuration section",
		DidYouMean: nearestKey(key, validTopLevelKeys),
		ValidKeys:  validTopLevelKeys,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// nearestKey returns the valid key with the smallest edit distance to
// key, or "" if nothing is within a plausible typo distance.
func nearestKey(key string, valid []string) string {
	best, bestDist := "", 4
	for _, v := range valid {
		if d := editDistance(key, v); d < bestDist {
			best, bestDist = v, d
		}
	}
	return best
}

func editDistance(a, b string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
