//go:build !linux

package symbolizer

import (
	"errors"
	"fmt"
	"math"

	"github.com/shirou/gopsutil/v4/process"
)

var errNoProcfs = errors.New("runtime address translation is only supported on Linux")

// BinaryPath returns the executable of a running process.
func BinaryPath(pid int) (string, error) {
	if pid <= 0 || pid > math.MaxInt32 {
		return "", fmt.Errorf("invalid pid %d", pid)
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", fmt.Errorf("failed to open process %d: %w", pid, err)
	}
	exe, err := p.Exe()
	if err != nil {
		return "", fmt.Errorf("failed to read binary path: %w", err)
	}
	return exe, nil
}

func runtimeLoadAddress(int, string) (uint64, error) {
	return 0, errNoProcfs
}
