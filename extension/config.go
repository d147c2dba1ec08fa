package extension

import (
	"regexp"
	"strings"
	"time"
)

// Kind discriminates the ExtensionConfig tagged union.
type Kind int

const (
	KindStdio Kind = iota
	KindSSE
	KindStreamableHTTP
	KindBuiltin
	KindFrontend
	KindPlugin
)

// Config is one extension's configuration. Only the fields relevant to
// Kind are populated; Key identifies the extension before normalization.
type Config struct {
	Key  string
	Kind Kind

	// KindStdio
	Command string
	Args    []string
	Env     map[string]string

	// KindSSE / KindStreamableHTTP
	URI     string
	Headers map[string]string
	Timeout time.Duration

	// KindBuiltin: handlers are supplied directly by the caller that
	// registers this extension (see Manager.AddBuiltinExtension), not
	// carried on Config itself.
}

var normalizeInvalid = regexp.MustCompile(`[^a-z0-9_-]`)

// Normalize derives an extension's tool-name prefix from its key:
// lowercase, strip whitespace, map every other non-alphanumeric/'_'/'-'
// rune to '_'. Stable and idempotent, including for Unicode inputs, where
// non-ASCII letters fall into the map-to-underscore branch once
// lowercased.
func Normalize(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			continue
		default:
			b.WriteRune(r)
		}
	}
	lowered := strings.ToLower(b.String())
	return normalizeInvalid.ReplaceAllString(lowered, "_")
}

// Prefix returns the tool-name prefix this extension's (normalized) key
// produces: "<key>__".
func (c Config) Prefix() string {
	return Normalize(c.Key) + "__"
}
