package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxTurnsDefaultsAndParses(t *testing.T) {
	cfg, err := NewKoanfConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxTurns, MaxTurns(cfg))

	t.Setenv(ParamGooseMaxTurns, "25")
	cfg, err = NewKoanfConfig("")
	require.NoError(t, err)
	assert.Equal(t, 25, MaxTurns(cfg))

	t.Setenv(ParamGooseMaxTurns, "not-a-number")
	cfg, err = NewKoanfConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxTurns, MaxTurns(cfg))
}

func TestAlphaFeaturesEnabled(t *testing.T) {
	cfg, err := NewKoanfConfig("")
	require.NoError(t, err)
	assert.False(t, AlphaFeaturesEnabled(cfg))

	t.Setenv(ParamAlphaFeatures, "true")
	cfg, err = NewKoanfConfig("")
	require.NoError(t, err)
	assert.True(t, AlphaFeaturesEnabled(cfg))
}

func TestYAMLFileLayerWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte("GOOSE_MODE: approve\n"), 0o644))

	cfg, err := NewKoanfConfig(path)
	require.NoError(t, err)
	v, err := cfg.GetParam(ParamGooseMode)
	require.NoError(t, err)
	assert.Equal(t, "approve", v)

	t.Setenv(ParamGooseMode, "chat")
	cfg, err = NewKoanfConfig(path)
	require.NoError(t, err)
	v, err = cfg.GetParam(ParamGooseMode)
	require.NoError(t, err)
	assert.Equal(t, "chat", v, "environment should override the file layer")
}

func TestGetParamMissingKey(t *testing.T) {
	cfg, err := NewKoanfConfig("")
	require.NoError(t, err)
	_, err = cfg.GetParam("NO_SUCH_KEY")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("AGENTLOOP_TEST_VAR", "hello")

	cases := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"${AGENTLOOP_TEST_VAR}", "hello"},
		{"$AGENTLOOP_TEST_VAR", "hello"},
		{"${AGENTLOOP_TEST_VAR:-fallback}", "hello"},
		{"${AGENTLOOP_UNSET_VAR:-fallback}", "fallback"},
		{"prefix-${AGENTLOOP_TEST_VAR}-suffix", "prefix-hello-suffix"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, expandEnvVars(c.in), "input %q", c.in)
	}
}
