// Package symbolizer resolves code addresses of a binary or a running
// process to source frames, unwinding inlined calls and caching results.
package symbolizer

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ianlancetaylor/demangle"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/addrline/pkg/dwarfline"
	"github.com/coral-mesh/addrline/pkg/objfile"
)

// DefaultCacheSize is the number of resolved addresses kept when
// Options.CacheSize is zero.
const DefaultCacheSize = 4096

// ErrSymbolNotFound is returned by ResolveSymbol for names absent from the
// symbol table.
var ErrSymbolNotFound = errors.New("symbol not found")

// ErrClosed is returned by every lookup made after Close.
var ErrClosed = errors.New("symbolizer is closed")

// Frame is one source position of an address. An address inside inlined
// code resolves to several frames, innermost first.
type Frame struct {
	Address       uint64
	Function      string
	File          string
	Line          uint64
	Column        uint64
	Discriminator uint64
	// Inlined is set when the frame's function was inlined into the next
	// frame.
	Inlined bool
	Found   dwarfline.Found
}

// Options configures a Symbolizer.
type Options struct {
	// PID selects a running process whose runtime addresses are mapped
	// back to link-time addresses. Zero means addresses are already
	// link-time addresses.
	PID int

	Demangle bool
	Inlines  bool

	CacheSize int

	SymbolIndexThreshold int
	MaxSectionSize       uint64
	DebugDirs            []string
}

// Symbolizer resolves addresses of one binary. It is safe for concurrent
// use.
type Symbolizer struct {
	mu     sync.Mutex
	bin    objfile.Binary
	owned  bool
	stash  *dwarfline.Stash
	cache  *lru.Cache[uint64, []Frame]
	opts   Options
	logger zerolog.Logger

	closed bool

	symbols         []objfile.Symbol
	symbolsLoaded   bool
	runtimeLoadAddr uint64
	elfBaseAddr     uint64
}

// New opens the binary at path. If path is empty and opts.PID is set, the
// process's executable is used.
func New(path string, opts Options, logger zerolog.Logger) (*Symbolizer, error) {
	if path == "" {
		if opts.PID == 0 {
			return nil, errors.New("either a binary path or a PID is required")
		}
		p, err := BinaryPath(opts.PID)
		if err != nil {
			return nil, err
		}
		path = p
	}

	dirs := opts.DebugDirs
	if dirs == nil {
		dirs = objfile.DefaultDebugDirs
	}
	bin, err := objfile.Open(path, objfile.Options{
		MaxSectionSize: opts.MaxSectionSize,
		DebugDirs:      dirs,
	})
	if err != nil {
		return nil, err
	}

	s, err := NewFromBinary(bin, opts, logger)
	if err != nil {
		_ = bin.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewFromBinary builds a Symbolizer over an already opened binary. The
// binary stays owned by the caller.
func NewFromBinary(bin objfile.Binary, opts Options, logger zerolog.Logger) (*Symbolizer, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	cache, err := lru.New[uint64, []Frame](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	s := &Symbolizer{
		bin:    bin,
		cache:  cache,
		opts:   opts,
		logger: logger.With().Str("component", "symbolizer").Logger(),
	}

	stash, err := dwarfline.New(bin, dwarfline.Options{
		Logger:               logger,
		SymbolIndexThreshold: opts.SymbolIndexThreshold,
		MaxSectionSize:       opts.MaxSectionSize,
	})
	switch {
	case err == nil:
		s.stash = stash
	case errors.Is(err, dwarfline.ErrNoDebugInfo):
		s.logger.Debug().Err(err).Msg("DWARF debug info not available, using symbol table only")
	default:
		return nil, err
	}

	if s.stash == nil && len(s.symbolTable()) == 0 {
		return nil, fmt.Errorf("%s has no debug info or symbol table (stripped binary?)", bin.Path())
	}

	if opts.PID != 0 {
		if ts, ok := bin.(objfile.TextSegment); ok {
			s.elfBaseAddr, _ = ts.TextSegmentAddr()
		}
		load, err := runtimeLoadAddress(opts.PID, bin.Path())
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to get runtime load address, symbolization may be incorrect for PIE binaries")
		}
		s.runtimeLoadAddr = load
	}

	s.logger.Debug().
		Str("path", bin.Path()).
		Bool("dwarf", s.stash != nil).
		Uint64("elf_base", s.elfBaseAddr).
		Uint64("runtime_load", s.runtimeLoadAddr).
		Int("pid", opts.PID).
		Msg("Symbolizer initialized")
	return s, nil
}

// fileAddr converts a runtime address to a link-time address.
func (s *Symbolizer) fileAddr(addr uint64) uint64 {
	if s.runtimeLoadAddr == 0 {
		return addr
	}
	return addr - s.runtimeLoadAddr + s.elfBaseAddr
}

// symbolTable loads the binary's symbols once. Callers hold s.mu or are
// still constructing s.
func (s *Symbolizer) symbolTable() []objfile.Symbol {
	if !s.symbolsLoaded {
		s.symbolsLoaded = true
		syms, err := s.bin.Symbols()
		if err != nil {
			s.logger.Debug().Err(err).Msg("Symbol table not available")
		}
		s.symbols = syms
	}
	return s.symbols
}

// Resolve returns the frames of addr, innermost first. Without inline
// unwinding only the innermost frame is returned. An unknown address
// yields a single frame with Found set to Miss.
func (s *Symbolizer) Resolve(addr uint64) ([]Frame, error) {
	if frames, ok := s.cache.Get(addr); ok {
		return slices.Clone(frames), nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	frames, err := s.resolveLocked(s.fileAddr(addr))
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for i := range frames {
		frames[i].Address = addr
	}
	s.cache.Add(addr, frames)
	return slices.Clone(frames), nil
}

func (s *Symbolizer) resolveLocked(addr uint64) ([]Frame, error) {
	if s.stash == nil {
		return []Frame{s.resolveSymTab(addr)}, nil
	}

	loc, err := s.stash.FindNearestLine(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %#x: %w", addr, err)
	}
	frames := []Frame{s.frame(loc)}
	if !s.opts.Inlines {
		return frames, nil
	}
	for {
		caller, ok := s.stash.FindInlinerInfo()
		if !ok {
			break
		}
		frames[len(frames)-1].Inlined = true
		frames = append(frames, s.frame(caller))
	}
	return frames, nil
}

// resolveSymTab resolves an address using the symbol table only.
func (s *Symbolizer) resolveSymTab(addr uint64) Frame {
	for _, sym := range s.symbolTable() {
		if sym.Kind == objfile.SymbolFunc && addr >= sym.Value && addr < sym.Value+sym.Size {
			return Frame{Function: s.name(sym.Name), Found: dwarfline.Approximate}
		}
	}
	return Frame{Found: dwarfline.Miss}
}

func (s *Symbolizer) frame(loc dwarfline.Location) Frame {
	return Frame{
		Function:      s.name(loc.Function),
		File:          loc.File,
		Line:          loc.Line,
		Column:        loc.Column,
		Discriminator: loc.Discriminator,
		Found:         loc.Found,
	}
}

func (s *Symbolizer) name(n string) string {
	if !s.opts.Demangle || n == "" {
		return n
	}
	return demangle.Filter(n)
}

// ResolveSymbol returns the declaration position of the named function or
// variable.
func (s *Symbolizer) ResolveSymbol(name string) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Frame{}, ErrClosed
	}

	for _, sym := range s.symbolTable() {
		if sym.Name != name || sym.Kind == objfile.SymbolOther {
			continue
		}
		f := Frame{Address: sym.Value, Function: s.name(sym.Name), Found: dwarfline.Approximate}
		if s.stash == nil {
			return f, nil
		}
		loc, err := s.stash.FindLineForSymbol(sym)
		if err != nil {
			return Frame{}, err
		}
		if loc.Found == dwarfline.Miss {
			return f, nil
		}
		f.File, f.Line, f.Found = loc.File, loc.Line, loc.Found
		return f, nil
	}
	return Frame{}, fmt.Errorf("%q: %w", name, ErrSymbolNotFound)
}

// Bias estimates the difference between the binary's DWARF addresses and
// its symbol table.
func (s *Symbolizer) Bias() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.stash == nil {
		return 0, dwarfline.ErrNoDebugInfo
	}
	return s.stash.FindSymbolBias(s.symbolTable()), nil
}

// Units describes every compilation unit of the binary.
func (s *Symbolizer) Units() ([]dwarfline.UnitInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.stash == nil {
		return nil, dwarfline.ErrNoDebugInfo
	}
	return s.stash.Units()
}

// UnitErrors reports the units skipped so far because they could not be
// decoded.
func (s *Symbolizer) UnitErrors() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stash == nil {
		return nil
	}
	return s.stash.UnitErrors()
}

// Path returns the binary being symbolized.
func (s *Symbolizer) Path() string { return s.bin.Path() }

// Close releases the decoded debug info, and the binary if New opened it.
// Later lookups fail with ErrClosed.
func (s *Symbolizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true

	var result *multierror.Error
	if s.stash != nil {
		if err := s.stash.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		s.stash = nil
	}
	if s.owned {
		if err := s.bin.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", s.bin.Path(), err))
		}
		s.owned = false
	}
	s.cache.Purge()
	return result.ErrorOrNil()
}
