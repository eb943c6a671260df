// Package constants defines shared configuration constants.
package constants

var (
	ConfigFile = "config.yaml"

	DefaultDir = ".addrline"

	// ConfigDirEnv overrides the base directory holding DefaultDir.
	ConfigDirEnv = "ADDRLINE_CONFIG"

	// FallbackConfigDir is used when no home directory exists, as in
	// minimal containers.
	FallbackConfigDir = "/tmp/addrline-fallback"

	DefaultLogLevel = "warn"

	// DefaultDebugDir is the conventional root of separate debug files.
	DefaultDebugDir = "/usr/lib/debug"

	DefaultCacheSize = 4096

	DefaultSymbolIndexThreshold = 100

	// DefaultMaxSectionSize caps the size of a single debug section (1 GiB).
	DefaultMaxSectionSize uint64 = 1 << 30
)
