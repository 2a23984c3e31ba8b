package pipeline

import (
	"path/filepath"
	"strings"
)

const processedSuffix = "_processed.bmp"

// ProcessedPath derives the output path for input: the extension is replaced
// by "_processed.bmp", or the suffix is appended when there is none. Dots in
// directory names are not treated as extensions.
func ProcessedPath(input string) string {
	return strings.TrimSuffix(input, filepath.Ext(input)) + processedSuffix
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
