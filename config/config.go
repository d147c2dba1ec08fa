// Package config provides the parameter and secret lookup collaborators
// the agent loop consumes. The default implementation is backed by koanf:
// a file/yaml layer overridden by environment variables, with
// ${VAR} / ${VAR:-default} expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Recognised global parameters.
const (
	ParamGooseMode                   = "GOOSE_MODE"
	ParamGooseMaxTurns               = "GOOSE_MAX_TURNS"
	ParamRouterToolSelectionStrategy = "GOOSE_ROUTER_TOOL_SELECTION_STRATEGY"
	ParamAlphaFeatures               = "ALPHA_FEATURES"
	ParamGooseProvider               = "GOOSE_PROVIDER"
	ParamGooseEmbeddingModel         = "GOOSE_EMBEDDING_MODEL"
)

// DefaultMaxTurns is used when GOOSE_MAX_TURNS is unset.
const DefaultMaxTurns = 1000

// ErrNotFound is returned by GetParam/GetSecret when a key is absent.
var ErrNotFound = fmt.Errorf("config: key not found")

// Config is the external collaborator the agent loop and extension
// manager consult for parameters and secrets.
type Config interface {
	GetParam(key string) (string, error)
	GetSecret(key string) (string, error)
}

// KoanfConfig is the default Config implementation: a koanf instance
// seeded from an optional YAML file, then overlaid with process
// environment variables of the same key.
type KoanfConfig struct {
	mu sync.RWMutex
	k  *koanf.Koanf
}

// NewKoanfConfig loads path (if non-empty) as YAML, then overlays the
// recognised environment variables on top.
func NewKoanfConfig(path string) (*KoanfConfig, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	overlay := map[string]any{}
	for _, key := range []string{
		ParamGooseMode, ParamGooseMaxTurns, ParamRouterToolSelectionStrategy,
		ParamAlphaFeatures, ParamGooseProvider, ParamGooseEmbeddingModel,
	} {
		if v, ok := os.LookupEnv(key); ok {
			overlay[key] = v
		}
	}
	if len(overlay) > 0 {
		if err := k.Load(confmap.Provider(overlay, "."), nil); err != nil {
			return nil, fmt.Errorf("config: apply environment overlay: %w", err)
		}
	}

	return &KoanfConfig{k: k}, nil
}

func (c *KoanfConfig) GetParam(key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.k.Exists(key) {
		return "", ErrNotFound
	}
	return expandEnvVars(c.k.String(key)), nil
}

// GetSecret reads from the process environment directly; this module
// does not own a secret store.
func (c *KoanfConfig) GetSecret(key string) (string, error) {
	if v, ok := os.LookupEnv(key); ok {
		return v, nil
	}
	return "", ErrNotFound
}

// MaxTurns resolves GOOSE_MAX_TURNS, defaulting to DefaultMaxTurns.
func MaxTurns(c Config) int {
	raw, err := c.GetParam(ParamGooseMaxTurns)
	if err != nil {
		return DefaultMaxTurns
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return DefaultMaxTurns
	}
	return n
}

// AlphaFeaturesEnabled resolves ALPHA_FEATURES as a bool, default false.
func AlphaFeaturesEnabled(c Config) bool {
	raw, err := c.GetParam(ParamAlphaFeatures)
	if err != nil {
		return false
	}
	enabled, _ := strconv.ParseBool(raw)
	return enabled
}

var (
	envWithDefault = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`)
	envBraced      = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)
	envSimple      = regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`)
)

// expandEnvVars resolves ${VAR}, ${VAR:-default}, and $VAR references.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	s = envWithDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envWithDefault.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})
	s = envBraced.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envBraced.FindStringSubmatch(match)[1])
	})
	s = envSimple.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envSimple.FindStringSubmatch(match)[1])
	})
	return s
}
