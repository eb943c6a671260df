// Package dwarfline maps code addresses and symbols of a binary to source
// files, lines and functions using the binary's DWARF 2-5 debug
// information.
//
// A Stash decodes lazily. Units are parsed from .debug_info only until a
// query is answered, and line programs and DIE trees are decoded only for
// units a query actually needs. Malformed units are skipped and reported
// through UnitErrors; they never cause a query on other units to fail.
//
// A Stash is not safe for concurrent use.
package dwarfline

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/coral-mesh/addrline/pkg/objfile"
)

// DefaultMaxSectionSize is the largest debug section loaded when
// Options.MaxSectionSize is zero.
const DefaultMaxSectionSize = 1 << 30

// Options configures a Stash.
type Options struct {
	Logger zerolog.Logger

	// SymbolIndexThreshold is the number of FindLineForSymbol calls after
	// which a name index over all parsed units is built. Zero selects
	// DefaultSymbolIndexThreshold and a negative value never builds it.
	SymbolIndexThreshold int

	// MaxSectionSize rejects debug sections larger than this many bytes.
	MaxSectionSize uint64
}

type altState uint8

const (
	altUntried altState = iota
	altOpen
	altUnavailable
)

// Stash holds the decoded debug information of one binary.
type Stash struct {
	bin  objfile.Binary
	opts Options
	log  zerolog.Logger

	main *debugFile
	// link is the .gnu_debuglink companion when the binary itself carries
	// no DWARF.
	link objfile.Binary

	alt      *debugFile
	altBin   objfile.Binary
	altState altState

	fingerprint uint64
	query       uint64
	inliner     *function

	withoutRanges []*unit
	symIndex      symbolIndex
	symtab        *symbolTable
	errs          *multierror.Error
}

// New prepares a Stash for bin. Only the section headers and .debug_info
// are read up front. If bin has no .debug_info, its .gnu_debuglink
// companion is tried before giving up with ErrNoDebugInfo.
func New(bin objfile.Binary, opts Options) (*Stash, error) {
	if opts.MaxSectionSize == 0 {
		opts.MaxSectionSize = DefaultMaxSectionSize
	}
	s := &Stash{
		bin:  bin,
		opts: opts,
		log:  opts.Logger.With().Str("component", "dwarfline").Logger(),
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stash) init() error {
	s.fingerprint = sectionFingerprint(s.bin)
	s.symIndex = newSymbolIndex(s.opts.SymbolIndexThreshold)

	main, err := newDebugFile(s, s.bin)
	if err != nil {
		if !isAbsent(err) {
			return err
		}
		main, err = s.openDebugLink()
		if err != nil {
			return err
		}
	}
	main.onParsed = s.unitParsed
	s.main = main

	s.log.Debug().
		Str("path", main.bin.Path()).
		Int("info_size", len(main.info)).
		Msg("DWARF debug info found")
	return nil
}

func (s *Stash) openDebugLink() (*debugFile, error) {
	link, err := s.bin.Companion(objfile.CompanionDebugLink)
	if err != nil {
		s.log.Debug().Err(err).Msg("No debuglink companion")
		return nil, fmt.Errorf("%s: %w", s.bin.Path(), ErrNoDebugInfo)
	}
	f, err := newDebugFile(s, link)
	if err != nil {
		_ = link.Close()
		if isAbsent(err) {
			return nil, fmt.Errorf("%s: %w", link.Path(), ErrNoDebugInfo)
		}
		return nil, err
	}
	s.link = link
	return f, nil
}

// altFile returns the supplementary debug file, opening it on first use.
func (s *Stash) altFile() *debugFile {
	switch s.altState {
	case altOpen:
		return s.alt
	case altUnavailable:
		return nil
	}

	s.altState = altUnavailable
	bin, err := s.main.bin.Companion(objfile.CompanionDebugAltLink)
	if err != nil {
		s.log.Debug().Err(err).Msg("Supplementary debug file unavailable")
		return nil
	}
	f, err := newDebugFile(s, bin)
	if err != nil {
		_ = bin.Close()
		s.log.Warn().Err(err).Str("path", bin.Path()).Msg("Supplementary debug file has no usable debug info")
		return nil
	}
	s.alt, s.altBin, s.altState = f, bin, altOpen
	return f
}

func (s *Stash) unitParsed(u *unit) {
	if u.state != unitFailed && len(u.ranges) == 0 && !u.isTypeUnit() {
		s.withoutRanges = append(s.withoutRanges, u)
	}
}

func (s *Stash) unitFailed(u *unit) {
	s.log.Debug().Err(u.err).Msg("Skipping unit")
	s.errs = multierror.Append(s.errs, u.err)
}

// referenceProblem records a DIE reference that could not be followed
// without failing the referring unit.
func (s *Stash) referenceProblem(u *unit, err error) {
	s.log.Debug().Err(err).Uint64("unit", u.start).Msg("Unresolved DIE reference")
	s.errs = multierror.Append(s.errs, &UnitError{Offset: u.start, Name: u.name, Err: err})
}

// UnitErrors returns the problems found in units decoded so far, or nil.
func (s *Stash) UnitErrors() error {
	return s.errs.ErrorOrNil()
}

// sectionFingerprint hashes the names and addresses of a binary's sections.
func sectionFingerprint(bin objfile.Binary) uint64 {
	var buf []byte
	for _, h := range bin.Sections() {
		buf = append(buf, h.Name...)
		buf = append(buf, 0)
		buf = binary.LittleEndian.AppendUint64(buf, h.Addr)
	}
	return xxh3.Hash(buf)
}

// checkSections discards everything decoded so far if the binary's
// section addresses changed since the Stash was built, as happens when a
// relocatable object is laid out again.
func (s *Stash) checkSections() error {
	if sectionFingerprint(s.bin) == s.fingerprint {
		return nil
	}
	s.log.Info().Str("path", s.bin.Path()).Msg("Section addresses changed, discarding decoded debug info")
	if err := s.closeCompanions(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to close companion debug files")
	}
	*s = Stash{bin: s.bin, opts: s.opts, log: s.log}
	return s.init()
}

func (s *Stash) closeCompanions() error {
	var result *multierror.Error
	if s.altBin != nil {
		if err := s.altBin.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", s.altBin.Path(), err))
		}
		s.altBin, s.alt = nil, nil
	}
	if s.link != nil {
		if err := s.link.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", s.link.Path(), err))
		}
		s.link = nil
	}
	s.altState = altUnavailable
	return result.ErrorOrNil()
}

// Close releases the decoded data and closes companion debug files. The
// binary passed to New is left open.
func (s *Stash) Close() error {
	err := s.closeCompanions()
	s.main = nil
	s.withoutRanges = nil
	s.inliner = nil
	s.symIndex = symbolIndex{state: symIndexDisabled}
	return err
}

// UnitInfo summarizes one unit of .debug_info.
type UnitInfo struct {
	Offset      uint64
	Size        uint64
	Version     int
	AddressSize int
	Name        string
	CompDir     string
	Language    Language
	Ranges      []Range
	Functions   int
	Variables   int
	Err         error
}

// Units parses and decodes every unit and describes them in file order.
// Type units are left out.
func (s *Stash) Units() ([]UnitInfo, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	s.main.parseAll()

	infos := make([]UnitInfo, 0, len(s.main.units))
	for i := 0; i < len(s.main.units); i++ {
		u := s.main.units[i]
		if u.isTypeUnit() {
			continue
		}
		u.decode()
		info := UnitInfo{
			Offset:      u.start,
			Size:        u.end - u.start,
			Version:     int(u.version),
			AddressSize: u.addrSize,
			Name:        u.name,
			CompDir:     u.compDir,
			Language:    u.lang,
			Ranges:      append([]Range(nil), u.ranges...),
			Functions:   len(u.funcs),
			Variables:   len(u.vars),
			Err:         u.err,
		}
		infos = append(infos, info)
	}
	return infos, nil
}

var errClosed = errors.New("dwarfline: stash is closed")

func (s *Stash) ready() error {
	if s.main == nil {
		return errClosed
	}
	return s.checkSections()
}
