// Package sourcefile normalises repository paths and classifies source files
// by toolchain.
package sourcefile

import (
	"fmt"
	"path"
	"strings"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

// MaxPathLength bounds stored paths to the width of the path columns.
const MaxPathLength = 512

var extLanguages = map[string]types.Language{
	".tolk": types.LanguageTolk,
	".fc":   types.LanguageFunC,
	".func": types.LanguageFunC,
	".tact": types.LanguageTact,
	".fif":  types.LanguageFift,
}

// Normalize returns the canonical slash-separated form of p. Absolute paths,
// parent references and empty names are rejected.
func Normalize(p string) (string, error) {
	raw := strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if raw == "" {
		return "", fmt.Errorf("%w: empty path", types.ErrInvalidInput)
	}
	if strings.HasPrefix(raw, "/") || (len(raw) > 1 && raw[1] == ':') {
		return "", fmt.Errorf("%w: absolute path %q", types.ErrInvalidInput, p)
	}
	for _, seg := range strings.Split(raw, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: path %q escapes the project root", types.ErrInvalidInput, p)
		}
	}
	clean := path.Clean(raw)
	if clean == "." || strings.HasSuffix(raw, "/") {
		return "", fmt.Errorf("%w: path %q does not name a file", types.ErrInvalidInput, p)
	}
	if len(clean) > MaxPathLength {
		return "", fmt.Errorf("%w: path longer than %d bytes", types.ErrInvalidInput, MaxPathLength)
	}
	return clean, nil
}

// DetectLanguage maps a path to its language by extension.
func DetectLanguage(p string) types.Language {
	if lang, ok := extLanguages[strings.ToLower(path.Ext(p))]; ok {
		return lang
	}
	return types.LanguageOther
}

// IsTestFile reports whether p looks like a test or spec file.
func IsTestFile(p string) bool {
	lower := strings.ToLower(p)
	if strings.HasPrefix(lower, "tests/") || strings.HasPrefix(lower, "test/") ||
		strings.Contains(lower, "/tests/") || strings.Contains(lower, "/test/") {
		return true
	}
	base := path.Base(lower)
	return strings.Contains(base, "_test.") || strings.Contains(base, ".spec.") || strings.Contains(base, ".test.")
}
