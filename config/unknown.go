package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys maps each config section to its valid keys.
var knownKeys = map[string]map[string]bool{
	"remote": {
		"base_url": true, "token_url": true, "client_id": true,
		"client_secret": true, "scopes": true, "request_timeout": true,
	},
	"store": {"path": true},
	"sync": {
		"scope": true, "interactive_timeout": true,
		"subscription_id": true, "notifications": true,
	},
	"retry": {
		"max_attempts": true, "initial_backoff": true, "max_backoff": true,
		"multiplier": true, "jitter": true,
	},
	"filestore": {
		"root": true, "zone": true, "record_types": true,
		"watch": true, "debounce": true, "allow_metered": true,
	},
	"logging": {"level": true, "format": true},
}

// knownSectionsList is the sorted section-name slice for Levenshtein
// matching. Sorted for deterministic suggestions when two candidates have
// the same edit distance.
var knownSectionsList = func() []string {
	sections := make([]string, 0, len(knownKeys))
	for s := range knownKeys {
		sections = append(sections, s)
	}

	sort.Strings(sections)

	return sections
}()

// knownKeysList holds the sorted key slice per section, again for
// deterministic matching.
var knownKeysList = func() map[string][]string {
	lists := make(map[string][]string, len(knownKeys))

	for section, keys := range knownKeys {
		list := make([]string, 0, len(keys))
		for k := range keys {
			list = append(list, k)
		}

		sort.Strings(list)
		lists[section] = list
	}

	return lists
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key. An
// unknown section surfaces once, not once per key inside it.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	reported := make(map[string]bool)

	for _, key := range undecoded {
		parts := strings.SplitN(key.String(), ".", 2)

		section := parts[0]
		if _, ok := knownKeys[section]; !ok {
			if !reported[section] {
				reported[section] = true

				errs = append(errs, buildSectionError(section))
			}

			continue
		}

		if len(parts) > 1 {
			errs = append(errs, buildKeyError(section, parts[1]))
		}
	}

	return errors.Join(errs...)
}

// buildSectionError creates a descriptive error for an unknown section or
// bare top-level key, optionally suggesting the closest known section.
func buildSectionError(name string) error {
	suggestion := closestMatch(name, knownSectionsList)
	if suggestion != "" {
		return fmt.Errorf("unknown config key %q (did you mean %q?)", name, suggestion)
	}

	return fmt.Errorf("unknown config key %q", name)
}

// buildKeyError creates a descriptive error for an unknown key inside a
// known section.
func buildKeyError(section, key string) error {
	suggestion := closestMatch(key, knownKeysList[section])
	if suggestion != "" {
		return fmt.Errorf("unknown config key %q (did you mean %q?)",
			section+"."+key, section+"."+suggestion)
	}

	return fmt.Errorf("unknown config key %q", section+"."+key)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Use single-row optimization to avoid allocating a full matrix.
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

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
