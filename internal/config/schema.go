package config

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// SchemaVersion is the current config file format version.
const SchemaVersion = "1"

// Config is the addrline configuration (~/.addrline/config.yaml).
type Config struct {
	Version    string           `yaml:"version"`
	Log        LogConfig        `yaml:"log"`
	Symbolizer SymbolizerConfig `yaml:"symbolizer"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level" env:"ADDRLINE_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"ADDRLINE_LOG_PRETTY"`
}

// SymbolizerConfig contains address resolution settings.
type SymbolizerConfig struct {
	// Demangle shows C++ and Rust names in source form.
	Demangle bool `yaml:"demangle" env:"ADDRLINE_DEMANGLE"`

	// Inlines unwinds inlined calls into separate frames.
	Inlines bool `yaml:"inlines" env:"ADDRLINE_INLINES"`

	// CacheSize is the number of resolved addresses kept per binary.
	CacheSize int `yaml:"cache_size" env:"ADDRLINE_CACHE_SIZE"`

	// SymbolIndexThreshold is the number of symbol lookups after which
	// a name index is built. Negative disables the index.
	SymbolIndexThreshold int `yaml:"symbol_index_threshold" env:"ADDRLINE_SYMBOL_INDEX_THRESHOLD"`

	// MaxSectionSize rejects debug sections larger than this, e.g. "1 GiB".
	MaxSectionSize ByteSize `yaml:"max_section_size" env:"ADDRLINE_MAX_SECTION_SIZE"`

	// DebugDirs are searched for separate debug files.
	DebugDirs []string `yaml:"debug_dirs" env:"ADDRLINE_DEBUG_DIRS"`
}

// ByteSize is a size in bytes written in human-readable form, such as
// "512 MiB" or "1GB".
type ByteSize uint64

// String formats the size with IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// UnmarshalText parses a size such as "64 MiB". A bare number is a count
// of bytes.
func (b *ByteSize) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalText formats the size for the config file.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalYAML accepts both numbers and human-readable strings.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	return b.UnmarshalText([]byte(node.Value))
}

// MarshalYAML writes the human-readable form.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}
