package extension

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Developer Tools", "developer_tools"},
		{"git", "git"},
		{"  Spaced Out  ", "spacedout"},
		{"déjà-vu", "d_j_-vu"},
		{"MiXeD_Case-123", "mixed_case-123"},
		{"日本語", "___"},
		{"already_normal", "already_normal"},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []string{"Developer Tools", "git", "déjà-vu", "日本語", ""}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestConfigPrefix(t *testing.T) {
	c := Config{Key: "My Extension"}
	if got, want := c.Prefix(), "my_extension__"; got != want {
		t.Errorf("Prefix() = %q, want %q", got, want)
	}
}
