package config

import (
	"github.com/coral-mesh/addrline/internal/constants"
)

// DefaultConfig returns the configuration used when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Version: SchemaVersion,
		Log: LogConfig{
			Level:  constants.DefaultLogLevel,
			Pretty: true,
		},
		Symbolizer: SymbolizerConfig{
			Demangle:             false,
			Inlines:              false,
			CacheSize:            constants.DefaultCacheSize,
			SymbolIndexThreshold: constants.DefaultSymbolIndexThreshold,
			MaxSectionSize:       ByteSize(constants.DefaultMaxSectionSize),
			DebugDirs:            []string{constants.DefaultDebugDir},
		},
	}
}
