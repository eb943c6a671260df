//go:build linux

package symbolizer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/procfs"
)

// BinaryPath returns the executable of a running process.
func BinaryPath(pid int) (string, error) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return "", fmt.Errorf("failed to open process %d: %w", pid, err)
	}
	exe, err := p.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to read binary path: %w", err)
	}
	return exe, nil
}

// runtimeLoadAddress returns the start of the first executable mapping of
// binaryPath in the process. Position-independent executables are mapped
// at an address that differs from their link-time base.
func runtimeLoadAddress(pid int, binaryPath string) (uint64, error) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return 0, fmt.Errorf("failed to open process %d: %w", pid, err)
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return 0, fmt.Errorf("failed to read maps: %w", err)
	}

	want := binaryPath
	if resolved, err := filepath.EvalSymlinks(binaryPath); err == nil {
		want = resolved
	}
	exe, _ := p.Executable()
	return findLoadAddress(maps, want, exe)
}

// findLoadAddress picks the first r-x mapping backed by one of paths.
func findLoadAddress(maps []*procfs.ProcMap, paths ...string) (uint64, error) {
	for _, m := range maps {
		if m.Perms == nil || !m.Perms.Read || !m.Perms.Execute {
			continue
		}
		if m.Pathname == "" {
			continue
		}
		for _, p := range paths {
			if p != "" && sameFile(m.Pathname, p) {
				return uint64(m.StartAddr), nil
			}
		}
	}
	return 0, fmt.Errorf("no executable mapping found for %v", paths)
}

func sameFile(a, b string) bool {
	if a == b {
		return true
	}
	fa, err := os.Stat(a)
	if err != nil {
		return false
	}
	fb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(fa, fb)
}
