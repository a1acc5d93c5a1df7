// Package diffnorm canonicalizes a unified diff so that file reordering or
// changes to index/---/+++/@@ lines do not change the resulting content
// hash, while any change to added, removed, or context lines does
// (spec.md §4.3).
package diffnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

type hunk struct {
	path string
	body string
}

// Normalise canonicalizes raw, a unified diff as produced by GitHub's
// diff media type: it splits the diff on "diff --git " boundaries, takes
// each file's destination path, keeps that file's remaining lines (the
// "a/... b/..." header line and the content lines) while dropping
// index/---/+++/@@ lines and blank lines, sorts hunks by path, and joins
// them back together. Two diffs that differ only in file order or in
// those dropped lines normalise to the same string.
func Normalise(raw string) string {
	hunks := splitHunks(raw)
	sort.Slice(hunks, func(i, j int) bool { return hunks[i].path < hunks[j].path })

	var b strings.Builder
	for _, h := range hunks {
		b.WriteString(h.path)
		b.WriteByte('\n')
		b.WriteString(h.body)
		b.WriteByte('\n')
	}
	return b.String()
}

func splitHunks(raw string) []hunk {
	parts := strings.Split(raw, "diff --git ")
	hunks := make([]hunk, 0, len(parts))

	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		path := destinationPath(part)
		body := hunkBody(part)
		hunks = append(hunks, hunk{path: path, body: body})
	}
	return hunks
}

// destinationPath extracts the "b/..." path from a diff --git header line,
// falling back to the first "+++" line if the header is malformed.
func destinationPath(part string) string {
	firstLine := part
	if idx := strings.IndexByte(part, '\n'); idx >= 0 {
		firstLine = part[:idx]
	}
	if idx := strings.Index(firstLine, " b/"); idx >= 0 {
		return strings.TrimSpace(firstLine[idx+len(" b/"):])
	}

	for _, line := range strings.Split(part, "\n") {
		if strings.HasPrefix(line, "+++ b/") {
			return strings.TrimPrefix(line, "+++ b/")
		}
	}
	return ""
}

func hunkBody(part string) string {
	var b strings.Builder
	for _, line := range strings.Split(part, "\n") {
		switch {
		case strings.HasPrefix(line, "index "):
			continue
		case strings.HasPrefix(line, "--- "):
			continue
		case strings.HasPrefix(line, "+++ "):
			continue
		case strings.HasPrefix(line, "@@"):
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// Hash returns the stable change-identity digest for raw: the full hex
// encoding of SHA-256(Normalise(raw)). Callers that need a shorter
// identifier (e.g. the detect pipeline's per-scan current_hash) truncate
// their own copy rather than relying on a truncated digest here.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(Normalise(raw)))
	return hex.EncodeToString(sum[:])
}
