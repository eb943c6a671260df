package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv_Config(t *testing.T) {
	t.Setenv("ADDRLINE_LOG_LEVEL", "debug")
	t.Setenv("ADDRLINE_LOG_PRETTY", "false")
	t.Setenv("ADDRLINE_DEMANGLE", "true")
	t.Setenv("ADDRLINE_CACHE_SIZE", "128")
	t.Setenv("ADDRLINE_SYMBOL_INDEX_THRESHOLD", "-1")
	t.Setenv("ADDRLINE_MAX_SECTION_SIZE", "64 MiB")
	t.Setenv("ADDRLINE_DEBUG_DIRS", "/usr/lib/debug: /opt/debug")

	cfg := DefaultConfig()
	require.NoError(t, LoadFromEnv(cfg))

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Log.Pretty)
	assert.True(t, cfg.Symbolizer.Demangle)
	assert.False(t, cfg.Symbolizer.Inlines, "unset variables keep defaults")
	assert.Equal(t, 128, cfg.Symbolizer.CacheSize)
	assert.Equal(t, -1, cfg.Symbolizer.SymbolIndexThreshold)
	assert.Equal(t, ByteSize(64<<20), cfg.Symbolizer.MaxSectionSize)
	assert.Equal(t, []string{"/usr/lib/debug", "/opt/debug"}, cfg.Symbolizer.DebugDirs)
}

func TestLoadFromEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"bad bool", "ADDRLINE_DEMANGLE", "maybe"},
		{"bad int", "ADDRLINE_CACHE_SIZE", "lots"},
		{"bad size", "ADDRLINE_MAX_SECTION_SIZE", "huge"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			err := LoadFromEnv(DefaultConfig())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.env)
		})
	}
}

func TestLoadFromEnv_NilAndNonStruct(t *testing.T) {
	var cfg *Config
	assert.NoError(t, LoadFromEnv(cfg))
	n := 3
	assert.NoError(t, LoadFromEnv(&n))
}

func TestSetFieldValue_Kinds(t *testing.T) {
	type sample struct {
		Timeout time.Duration `env:"TEST_TIMEOUT"`
		Count   uint32        `env:"TEST_COUNT"`
		Ratio   float64       `env:"TEST_RATIO"`
		Nums    []int         `env:"TEST_NUMS"`
	}

	t.Setenv("TEST_TIMEOUT", "1500ms")
	t.Setenv("TEST_COUNT", "7")
	s := &sample{}
	require.NoError(t, LoadFromEnv(s))
	assert.Equal(t, 1500*time.Millisecond, s.Timeout)
	assert.Equal(t, uint32(7), s.Count)

	t.Setenv("TEST_RATIO", "0.5")
	assert.ErrorContains(t, LoadFromEnv(&sample{}), "unsupported type float64")

	t.Setenv("TEST_RATIO", "")
	t.Setenv("TEST_NUMS", "1,2")
	assert.ErrorContains(t, LoadFromEnv(&sample{}), "unsupported slice type")
}
