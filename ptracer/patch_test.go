/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ptracer

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// buildSite assembles mov eax,nr; pad; syscall; cmp rax,-4095 with the
// given gap between the load and the syscall instruction.
func buildSite(nr uint32, gap int) []byte {
	img := []byte{movEaxInsn, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(img[1:], nr)
	for i := 0; i < gap; i++ {
		img = append(img, 0x90) //nop
	}
	img = append(img, syscallInsn...)
	img = append(img, errnoCheck...)
	return img
}

func TestScanImageFindsCanonicalSite(t *testing.T) {
	img := buildSite(uint32(unix.SYS_OPENAT), 0)
	ps := ScanImage(`libc.so.6`, img)
	require.Equal(t, 1, ps.Candidates)
	require.Equal(t, 1, ps.Matches)
	require.Len(t, ps.Patches, 1)
	require.EqualValues(t, 0, ps.Patches[0].MovOff)
	require.EqualValues(t, 5, ps.Patches[0].SiteOff)
	require.EqualValues(t, unix.SYS_OPENAT, ps.Patches[0].Sysno)
}

func TestScanImagePermittedDisplacements(t *testing.T) {
	for _, disp := range permittedDisp {
		gap := int(disp) - movInsnLen
		img := buildSite(uint32(unix.SYS_CLOSE), gap)
		ps := ScanImage(`libc.so.6`, img)
		require.Equal(t, 1, ps.Matches, "displacement %d", disp)
	}
	//a load too far from the syscall is not accepted
	img := buildSite(uint32(unix.SYS_CLOSE), 13)
	ps := ScanImage(`libc.so.6`, img)
	require.Equal(t, 1, ps.Candidates)
	require.Equal(t, 0, ps.Matches)
}

func TestScanImageRejectsUninterestingNumber(t *testing.T) {
	img := buildSite(uint32(unix.SYS_GETPID), 0)
	ps := ScanImage(`libc.so.6`, img)
	require.Equal(t, 1, ps.Candidates)
	require.Equal(t, 0, ps.Matches)
}

func TestScanImageRequiresErrnoCheck(t *testing.T) {
	img := buildSite(uint32(unix.SYS_OPEN), 0)
	img = img[:len(img)-len(errnoCheck)] //strip the check
	ps := ScanImage(`libc.so.6`, img)
	require.Equal(t, 1, ps.Candidates)
	require.Equal(t, 0, ps.Matches)
}

func TestScanImageMultipleSites(t *testing.T) {
	var img []byte
	img = append(img, buildSite(uint32(unix.SYS_OPEN), 0)...)
	img = append(img, 0x90, 0x90)
	img = append(img, buildSite(uint32(unix.SYS_UNLINK), 3)...)
	ps := ScanImage(`libc.so.6`, img)
	require.Equal(t, 2, ps.Candidates)
	require.Equal(t, 2, ps.Matches)
}

func TestTrackedLibrary(t *testing.T) {
	require.True(t, trackedLibrary(`/usr/lib/x86_64-linux-gnu/libc.so.6`))
	require.True(t, trackedLibrary(`/lib64/ld-linux-x86-64.so.2`))
	require.True(t, trackedLibrary(`/lib/libpthread-2.31.so`))
	require.False(t, trackedLibrary(`/usr/lib/libssl.so.3`))
	require.False(t, trackedLibrary(`/usr/bin/bash`))
}

func TestLibImageAddressing(t *testing.T) {
	li := &libImage{start: 0x7f0000001000, end: 0x7f0000003000, fileOff: 0x1000}
	a, ok := li.addrOf(0x1800)
	require.True(t, ok)
	require.EqualValues(t, 0x7f0000001800, a)
	_, ok = li.addrOf(0x800) //before the mapped span
	require.False(t, ok)
	_, ok = li.addrOf(0x4000) //past it
	require.False(t, ok)
	require.True(t, li.contains(0x7f0000001800))
	require.False(t, li.contains(0x7f0000003000))
}

func TestSitePatchLookup(t *testing.T) {
	p := newPCB(0)
	ps := &PatchSet{
		Library: `libc.so.6`,
		Patches: []Patch{{MovOff: 0x1100, SiteOff: 0x1105, Sysno: int32(unix.SYS_OPENAT)}},
	}
	p.libs[`libc.so.6`] = &libImage{
		path: `libc.so.6`, set: ps,
		start: 0x1000, end: 0x3000, fileOff: 0x1000,
		patched: true,
	}
	li, pt := p.sitePatch(0x1100)
	require.NotNil(t, li)
	require.EqualValues(t, unix.SYS_OPENAT, pt.Sysno)

	li, pt = p.sitePatch(0x1101)
	require.Nil(t, li)
	require.Nil(t, pt)
}

func TestPatchCacheRoundTrip(t *testing.T) {
	c, err := OpenPatchCache(filepath.Join(t.TempDir(), `patch.cache`))
	require.NoError(t, err)
	defer c.Close()

	ps := &PatchSet{
		Library: `/lib/libc.so.6`,
		Size:    12345,
		ModTime: 98765,
		Patches: []Patch{
			{MovOff: 1, SiteOff: 6, Sysno: int32(unix.SYS_OPEN)},
			{MovOff: 100, SiteOff: 105, Sysno: int32(unix.SYS_CLOSE)},
		},
		Matches:    2,
		Candidates: 9,
	}
	require.NoError(t, c.Put(ps))

	got, ok := c.Get(`/lib/libc.so.6`, 12345, 98765)
	require.True(t, ok)
	require.Equal(t, ps, got)

	//identity mismatch misses
	_, ok = c.Get(`/lib/libc.so.6`, 12345, 11111)
	require.False(t, ok)
	_, ok = c.Get(`/lib/libc.so.6`, 1, 98765)
	require.False(t, ok)
}
