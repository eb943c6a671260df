//go:build !unix

package objfile

import (
	"fmt"
	"io"
	"os"
)

// mapFile reads f into memory on platforms without mmap.
func mapFile(f *os.File) ([]byte, func() error, error) {
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", f.Name(), err)
	}
	return data, func() error { return nil }, nil
}
