//go:build linux

package symbolizer

import (
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindLoadAddress(t *testing.T) {
	rx := &procfs.ProcMapPermissions{Read: true, Execute: true, Private: true}
	ro := &procfs.ProcMapPermissions{Read: true, Private: true}
	maps := []*procfs.ProcMap{
		{StartAddr: 0x55d0c3a00000, EndAddr: 0x55d0c3a01000, Perms: ro, Pathname: "/opt/bin/server"},
		{StartAddr: 0x7f0000000000, EndAddr: 0x7f0000100000, Perms: rx, Pathname: "/lib/libc.so.6"},
		{StartAddr: 0x55d0c3a01000, EndAddr: 0x55d0c3a80000, Perms: rx, Pathname: "/opt/bin/server"},
		{StartAddr: 0x7ffd00000000, EndAddr: 0x7ffd00001000, Perms: rx},
	}

	addr, err := findLoadAddress(maps, "", "/opt/bin/server")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x55d0c3a01000), addr)

	_, err = findLoadAddress(maps, "/opt/bin/other")
	assert.ErrorContains(t, err, "no executable mapping")
}
