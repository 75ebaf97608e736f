package workspace

import (
	"testing"

	derrors "git.home.luguber.info/inful/specbench/internal/foundation/errors"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"services.cue", "services.cue"},
		{"./services.cue", "services.cue"},
		{"././services.cue", "services.cue"},
		{"/services.cue", "services.cue"},
		{"dir/sub/file.cue", "dir/sub/file.cue"},
		{"dir//file.cue", "dir/file.cue"},
		{"dir/./file.cue", "dir/file.cue"},
		{`dir\file.cue`, "dir/file.cue"},
		{"", DefaultFragmentPath},
		{".", DefaultFragmentPath},
		{"./", DefaultFragmentPath},
		{"//", DefaultFragmentPath},
	}

	for _, test := range tests {
		result, err := NormalizePath(test.input)
		if err != nil {
			t.Errorf("NormalizePath(%q) returned error %v", test.input, err)
			continue
		}
		if result != test.expected {
			t.Errorf("NormalizePath(%q) = %q, want %q", test.input, result, test.expected)
		}
	}
}

func TestNormalizePathRejections(t *testing.T) {
	inputs := []string{
		"../escape.cue",
		"dir/../../escape.cue",
		"..hidden/file.cue",
		"a/..b/c.cue",
		"file\x00name.cue",
		"spaced name.cue",
		"emojié.cue",
	}

	for _, input := range inputs {
		_, err := NormalizePath(input)
		if err == nil {
			t.Errorf("NormalizePath(%q) accepted, want rejection", input)
			continue
		}
		if !derrors.HasCategory(err, derrors.CategoryBadPath) {
			t.Errorf("NormalizePath(%q) error category = %v, want bad_path", input, err)
		}
	}
}
