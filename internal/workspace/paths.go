package workspace

import (
	"regexp"
	"strings"

	derrors "git.home.luguber.info/inful/specbench/internal/foundation/errors"
)

// DefaultFragmentPath is used when a path normalizes to the empty string.
const DefaultFragmentPath = "assembly.cue"

var allowedPathRe = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

// NormalizePath canonicalizes a client-supplied fragment path. The result
// always uses forward slashes, has no leading slash, contains no ".."
// segment, and stays within the conservative charset. An empty input (after
// normalization) coerces to DefaultFragmentPath.
func NormalizePath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", derrors.BadPathError("path contains a NUL byte").Build()
	}

	p = strings.ReplaceAll(p, "\\", "/")
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	p = strings.TrimPrefix(p, "/")

	if p == "" || p == "." {
		return DefaultFragmentPath, nil
	}

	if !allowedPathRe.MatchString(p) {
		return "", derrors.BadPathError("path contains characters outside [A-Za-z0-9._/-]").
			WithContext("path", p).Build()
	}

	segments := strings.Split(p, "/")
	cleaned := segments[:0]
	for _, seg := range segments {
		if seg == "" || seg == "." {
			continue
		}
		if strings.HasPrefix(seg, "..") {
			return "", derrors.BadPathError("path segment must not start with \"..\"").
				WithContext("path", p).Build()
		}
		cleaned = append(cleaned, seg)
	}
	if len(cleaned) == 0 {
		return DefaultFragmentPath, nil
	}
	return strings.Join(cleaned, "/"), nil
}
