package config

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the largest edit distance that still produces a
// "did you mean" suggestion.
const maxLevenshteinDistance = 3

// knownKeys are the valid top-level keys and tables in the config file.
var knownKeys = map[string]bool{
	// Export settings
	"output_dir": true, "workers": true, "poll_interval": true, "fail_on_error": true,
	"max_attempts": true, "base_backoff": true, "max_backoff": true,
	"bandwidth_limit": true, "relist_on_resume": true,
	// Source settings
	"services": true, "include_shared": true, "credentials_file": true,
	// Logging and events
	"log_level": true, "events_addr": true,
	// Tables
	"rate_limits": true, "formats": true,
}

var knownRateKeys = []string{"burst", "rate"}

// sortedKeys is knownKeys sorted, so equal-distance suggestions are
// deterministic.
var sortedKeys = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// checkUnknownKeys reports every undecoded key with a suggestion when a
// known key is close enough.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	// An unknown table yields the table and each of its keys; report it once.
	seen := make(map[string]bool)

	for _, key := range md.Undecoded() {
		if len(key) > 0 && !knownKeys[key[0]] {
			if seen[key[0]] {
				continue
			}

			seen[key[0]] = true
		}

		if err := unknownKeyError(key); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func unknownKeyError(key toml.Key) error {
	if len(key) == 0 {
		return nil
	}

	// rate_limits.<service>.<field>: the service table itself decodes, so an
	// undecoded key here is a bad field name.
	if key[0] == "rate_limits" && len(key) == 3 {
		field := key[2]
		if slices.Contains(knownRateKeys, field) {
			return nil
		}

		return suggest(fmt.Sprintf("unknown key %q in [rate_limits.%s]", field, key[1]), field, knownRateKeys)
	}

	if knownKeys[key[0]] {
		return nil
	}

	return suggest(fmt.Sprintf("unknown config key %q", key[0]), key[0], sortedKeys)
}

func suggest(msg, name string, candidates []string) error {
	if s := closestMatch(name, candidates); s != "" {
		return fmt.Errorf("%s, did you mean %q?", msg, s)
	}

	return errors.New(msg)
}

// closestMatch finds the closest candidate by Levenshtein distance, or ""
// when none is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		if d := levenshtein(strings.ToLower(unknown), k); d < bestDist {
			bestDist = d
			best = k
		}
	}

	return best
}

// levenshtein computes the edit distance between two strings using two
// rolling rows.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
