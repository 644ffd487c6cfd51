package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Keys the strict parser accepts, as dotted paths. Keeping these
// lists in sync with the struct tags is what makes typo detection
// work.
var clientKeys = map[string]bool{
	"server_url":           true,
	"sync_dir":             true,
	"sync":                 true,
	"sync.watch_debounce":  true,
	"sync.sync_delay":      true,
	"sync.workers":         true,
	"sync.request_timeout": true,
	"logging":              true,
	"logging.log_level":    true,
}

var serverKeys = map[string]bool{
	"listen_addr":               true,
	"database_path":             true,
	"blob_root":                 true,
	"retention":                 true,
	"retention.trash_days":      true,
	"retention.change_log_days": true,
	"retention.purge_hour":      true,
	"logging":                   true,
	"logging.log_level":         true,
}

const maxSuggestDistance = 3

// checkUnknownKeys rejects TOML keys the decoder did not map to a
// struct field, suggesting the closest known key when one is within
// edit distance.
func checkUnknownKeys(md toml.MetaData, known map[string]bool) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var msgs []string
	for _, key := range undecoded {
		name := key.String()
		if suggestion := closestKey(name, known); suggestion != "" {
			msgs = append(msgs, fmt.Sprintf("unknown key %q (did you mean %q?)", name, suggestion))
		} else {
			msgs = append(msgs, fmt.Sprintf("unknown key %q", name))
		}
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// closestKey returns the known key nearest to name by edit distance,
// or "" if none is close enough to be a plausible typo.
func closestKey(name string, known map[string]bool) string {
	best := ""
	bestDist := maxSuggestDistance + 1
	for key := range known {
		d := levenshtein(name, key)
		if d < bestDist {
			best, bestDist = key, d
		}
	}
	return best
}

// levenshtein computes edit distance with a single-row table.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	row := make([]int, len(b)+1)
	for j := range row {
		row[j] = j
	}
	for i := 1; i <= len(a); i++ {
		prev := row[0]
		row[0] = i
		for j := 1; j <= len(b); j++ {
			cur := row[j]
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			row[j] = min(row[j]+1, row[j-1]+1, prev+cost)
			prev = cur
		}
	}
	return row[len(b)]
}
