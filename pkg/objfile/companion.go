package objfile

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
)

const ntGNUBuildID = 3

// parseBuildIDNote returns the descriptor of the first NT_GNU_BUILD_ID note
// in a note section.
func parseBuildIDNote(data []byte, order binary.ByteOrder) []byte {
	align4 := func(n uint64) uint64 { return (n + 3) &^ 3 }
	for len(data) >= 12 {
		namesz := uint64(order.Uint32(data[0:]))
		descsz := uint64(order.Uint32(data[4:]))
		typ := order.Uint32(data[8:])
		nameEnd := 12 + align4(namesz)
		descEnd := nameEnd + align4(descsz)
		if nameEnd > uint64(len(data)) || nameEnd+descsz > uint64(len(data)) {
			return nil
		}
		name := data[12 : 12+namesz]
		if typ == ntGNUBuildID && bytes.Equal(name, []byte("GNU\x00")) {
			return data[nameEnd : nameEnd+descsz]
		}
		if descEnd > uint64(len(data)) {
			return nil
		}
		data = data[descEnd:]
	}
	return nil
}

// parseDebugLink decodes a .gnu_debuglink section: a NUL-terminated file
// name padded to four bytes, then the CRC-32 of the debug file.
func parseDebugLink(data []byte, order binary.ByteOrder) (string, uint32, error) {
	n := bytes.IndexByte(data, 0)
	if n <= 0 {
		return "", 0, errors.New("malformed .gnu_debuglink: missing file name")
	}
	off := (n + 4) &^ 3
	if off+4 > len(data) {
		return "", 0, errors.New("malformed .gnu_debuglink: missing checksum")
	}
	return string(data[:n]), order.Uint32(data[off:]), nil
}

// parseDebugAltLink decodes a .gnu_debugaltlink section: a NUL-terminated
// path followed by the build-id of the supplementary file.
func parseDebugAltLink(data []byte) (string, []byte, error) {
	n := bytes.IndexByte(data, 0)
	if n <= 0 {
		return "", nil, errors.New("malformed .gnu_debugaltlink: missing file name")
	}
	return string(data[:n]), data[n+1:], nil
}

// buildIDPath returns the conventional location of a debug file under a
// debug directory: .build-id/xx/yyyy.debug.
func buildIDPath(dir string, id []byte) string {
	h := hex.EncodeToString(id)
	if len(h) < 3 {
		return ""
	}
	return filepath.Join(dir, ".build-id", h[:2], h[2:]+".debug")
}

func fileCRC(path string) (uint32, error) {
	f, err := os.Open(path) // #nosec G304 -- candidate debug file
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

// debugLinkCandidates lists where the file named by .gnu_debuglink may be,
// in search order.
func debugLinkCandidates(binPath, name string, dirs []string) []string {
	dir := filepath.Dir(binPath)
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	out := []string{
		filepath.Join(dir, name),
		filepath.Join(dir, ".debug", name),
	}
	for _, d := range dirs {
		out = append(out, filepath.Join(d, abs, name))
	}
	return out
}

// findDebugLink returns the first candidate whose CRC matches.
func findDebugLink(binPath, name string, crc uint32, dirs []string) (string, error) {
	var result *multierror.Error
	self, _ := filepath.Abs(binPath)
	for _, c := range debugLinkCandidates(binPath, name, dirs) {
		if abs, _ := filepath.Abs(c); abs == self {
			continue
		}
		got, err := fileCRC(c)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				result = multierror.Append(result, err)
			}
			continue
		}
		if got != crc {
			result = multierror.Append(result, fmt.Errorf("%s: crc %08x does not match %08x", c, got, crc))
			continue
		}
		return c, nil
	}
	result = multierror.Append(result, fmt.Errorf("%s %q of %s: %w", CompanionDebugLink, name, binPath, ErrNoCompanion))
	return "", result.ErrorOrNil()
}

func (e *ELF) debugDirs() []string {
	if e.opts.DebugDirs != nil {
		return e.opts.DebugDirs
	}
	return DefaultDebugDirs
}

func (e *ELF) openDebugLink() (Binary, error) {
	var result *multierror.Error

	// A build-id match is exact, so it is tried before the named link.
	if id := e.BuildID(); id != nil {
		for _, d := range e.debugDirs() {
			bin, err := e.openIfBuildID(buildIDPath(d, id), id)
			if err == nil {
				return bin, nil
			}
			if !errors.Is(err, os.ErrNotExist) {
				result = multierror.Append(result, err)
			}
		}
	}

	data, err := e.Section(".gnu_debuglink")
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("%s of %s: %w", CompanionDebugLink, e.path, ErrNoCompanion))
		return nil, result.ErrorOrNil()
	}
	name, crc, err := parseDebugLink(data, e.file.ByteOrder)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.path, err)
	}
	path, err := findDebugLink(e.path, name, crc, e.debugDirs())
	if err != nil {
		return nil, multierror.Append(result, err).ErrorOrNil()
	}
	bin, err := OpenELF(path, e.opts)
	if err != nil {
		return nil, err
	}
	return bin, nil
}

func (e *ELF) openDebugAltLink() (Binary, error) {
	data, err := e.Section(".gnu_debugaltlink")
	if err != nil {
		return nil, fmt.Errorf("%s of %s: %w", CompanionDebugAltLink, e.path, ErrNoCompanion)
	}
	name, id, err := parseDebugAltLink(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.path, err)
	}

	candidates := []string{name}
	if !filepath.IsAbs(name) {
		candidates[0] = filepath.Join(filepath.Dir(e.path), name)
	}
	for _, d := range e.debugDirs() {
		if p := buildIDPath(d, id); p != "" {
			candidates = append(candidates, p)
		}
	}

	var result *multierror.Error
	for _, c := range candidates {
		bin, err := e.openIfBuildID(c, id)
		if err == nil {
			return bin, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}
	result = multierror.Append(result, fmt.Errorf("%s %q of %s: %w", CompanionDebugAltLink, name, e.path, ErrNoCompanion))
	return nil, result.ErrorOrNil()
}

// openIfBuildID opens path and checks that its build-id, when it has one,
// equals id.
func (e *ELF) openIfBuildID(path string, id []byte) (*ELF, error) {
	if path == "" {
		return nil, os.ErrNotExist
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	bin, err := OpenELF(path, e.opts)
	if err != nil {
		return nil, err
	}
	if got := bin.BuildID(); len(id) > 0 && got != nil && !bytes.Equal(got, id) {
		_ = bin.Close()
		return nil, fmt.Errorf("%s: build-id %x does not match %x", path, got, id)
	}
	return bin, nil
}
