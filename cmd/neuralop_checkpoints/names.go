package main

import (
	"path/filepath"
	"strings"
)

// checkpointNames returns short names for the checkpoint directories, used as column headers: the path
// components shared by all of them at the start and at the end are removed. A single checkpoint is named by
// its base directory.
func checkpointNames(paths ...string) []string {
	names := make([]string, len(paths))
	if len(paths) == 0 {
		return names
	}
	parts := make([][]string, len(paths))
	shortest := -1
	for ii, p := range paths {
		parts[ii] = strings.Split(filepath.Clean(p), string(filepath.Separator))
		if shortest < 0 || len(parts[ii]) < shortest {
			shortest = len(parts[ii])
		}
	}
	if len(paths) == 1 {
		names[0] = parts[0][len(parts[0])-1]
		return names
	}

	sameAt := func(get func(p []string) string) bool {
		first := get(parts[0])
		for _, p := range parts[1:] {
			if get(p) != first {
				return false
			}
		}
		return true
	}
	var prefix, suffix int
	for prefix < shortest-1 && sameAt(func(p []string) string { return p[prefix] }) {
		prefix++
	}
	for suffix < shortest-prefix-1 && sameAt(func(p []string) string { return p[len(p)-1-suffix] }) {
		suffix++
	}
	for ii, p := range parts {
		names[ii] = strings.Join(p[prefix:len(p)-suffix], string(filepath.Separator))
	}
	return names
}
