/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ptracer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gravwell/gravwell/v3/ingest/log"
)

var (
	ErrPatchVerify = errors.New("patch site verification failed")
)

// Patch is one syscall site in a library image.  MovOff is the file offset
// of the number load the trap displaces, SiteOff the offset of the syscall
// instruction itself.
type Patch struct {
	MovOff  uint64
	SiteOff uint64
	Sysno   int32
}

// PatchSet is the scan result for one on disk library image.
type PatchSet struct {
	Library    string
	Size       int64
	ModTime    int64
	Patches    []Patch
	Matches    int
	Candidates int
}

// libImage is a patch set bound to one executable mapping inside a traced
// process.
type libImage struct {
	path    string
	set     *PatchSet
	start   uint64 //mapping virtual start
	end     uint64
	fileOff uint64 //file offset backing start
	patched bool
	fd      int //tracked descriptor last seen opening this image, -1 none
}

// addrOf translates a file offset into the mapped virtual address, second
// return is false when the offset lies outside this mapping.
func (li *libImage) addrOf(off uint64) (uint64, bool) {
	if off < li.fileOff || off-li.fileOff >= li.end-li.start {
		return 0, false
	}
	return li.start + (off - li.fileOff), true
}

// contains reports whether the virtual address lies inside the mapping.
func (li *libImage) contains(addr uint64) bool {
	return addr >= li.start && addr < li.end
}

// trackedLibrary reports whether path names a library whose syscall sites
// we instrument: the dynamic loader, the C runtime, and the thread library.
func trackedLibrary(path string) bool {
	base := filepath.Base(path)
	for _, pfx := range []string{`ld-`, `ld.`, `libc.`, `libc-`, `libpthread`} {
		if strings.HasPrefix(base, pfx) {
			return true
		}
	}
	return false
}

// ScanImage walks a library image looking for syscall sites.  A candidate
// matches iff a number load with an interesting immediate appears at one of
// the permitted displacements before the syscall instruction and the
// standard errno check follows within the window.
func ScanImage(name string, img []byte) *PatchSet {
	ps := &PatchSet{Library: name}
	for i := 0; i+sysInsnLen <= len(img); i++ {
		if img[i] != syscallInsn[0] || img[i+1] != syscallInsn[1] {
			continue
		}
		ps.Candidates++
		movOff, sysno, ok := findNumberLoad(img, uint64(i))
		if !ok {
			continue
		}
		if !findErrnoCheck(img, i+sysInsnLen) {
			continue
		}
		ps.Matches++
		ps.Patches = append(ps.Patches, Patch{
			MovOff:  movOff,
			SiteOff: uint64(i),
			Sysno:   sysno,
		})
	}
	return ps
}

func findNumberLoad(img []byte, site uint64) (uint64, int32, bool) {
	for _, d := range permittedDisp {
		if site < d {
			continue
		}
		p := site - d
		if img[p] != movEaxInsn {
			continue
		}
		imm := int64(binary.LittleEndian.Uint32(img[p+1:p+5])) + syscallBase
		if interestingSyscalls[imm] {
			return p, int32(imm), true
		}
	}
	return 0, 0, false
}

func findErrnoCheck(img []byte, from int) bool {
	end := from + errnoWindow
	if end > len(img)-len(errnoCheck) {
		end = len(img) - len(errnoCheck)
	}
	for i := from; i <= end; i++ {
		if string(img[i:i+len(errnoCheck)]) == string(errnoCheck) {
			return true
		}
	}
	return false
}

// scanLibraries parses the process's mappings and builds/applies patch sets
// for every tracked library with an executable mapping.
func (t *Tracer) scanLibraries(p *PCB) {
	maps, err := parseMaps(p.pid)
	if err != nil {
		return
	}
	for _, m := range maps {
		if !trackedLibrary(m.path) {
			continue
		}
		li := p.libs[m.path]
		if li == nil {
			li = &libImage{path: m.path, fd: -1}
			p.libs[m.path] = li
		}
		li.start, li.end, li.fileOff = m.start, m.end, m.offset
		if li.set == nil {
			li.set = t.patchSetFor(m.path)
			if li.set != nil {
				t.reportScan(li.set)
			}
		}
		if li.set != nil && !li.patched {
			if err := t.patchImage(p, li); err != nil {
				if err == ErrPatchVerify {
					// leave the image alone and keep full syscall
					// interception for this process
					p.fullIntercept = true
					t.lg.Warn("patch verification failed, image left unpatched",
						log.KV("pid", p.pid), log.KV("library", m.path))
				}
				continue
			}
			li.patched = true
		}
	}
	p.patched = p.allPatched()
}

// patchSetFor loads a patch set from the cache or scans the on disk image.
func (t *Tracer) patchSetFor(path string) *PatchSet {
	fi, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if t.cache != nil {
		if ps, ok := t.cache.Get(path, fi.Size(), fi.ModTime().Unix()); ok {
			return ps
		}
	}
	img, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	ps := ScanImage(path, img)
	ps.Size = fi.Size()
	ps.ModTime = fi.ModTime().Unix()
	if t.cache != nil {
		if err := t.cache.Put(ps); err != nil {
			t.lg.Warn("failed to cache patch set", log.KV("library", path), log.KVErr(err))
		}
	}
	return ps
}

// patchImage verifies every site still holds the expected instruction and
// only then writes the traps; a single mismatch aborts the whole image so a
// half patched text segment can never run.
func (t *Tracer) patchImage(p *PCB, li *libImage) error {
	mem, err := t.memHandle(p)
	if err != nil {
		return err
	}
	var one [1]byte
	for _, pt := range li.set.Patches {
		addr, ok := li.addrOf(pt.MovOff)
		if !ok {
			continue
		}
		if _, err = mem.ReadAt(one[:], int64(addr)); err != nil {
			return err
		}
		if one[0] != movEaxInsn {
			return ErrPatchVerify
		}
	}
	for _, pt := range li.set.Patches {
		addr, ok := li.addrOf(pt.MovOff)
		if !ok {
			continue
		}
		one[0] = trapInstr
		if _, err = mem.WriteAt(one[:], int64(addr)); err != nil {
			return err
		}
	}
	return nil
}

// revertImage restores the original instructions.  Errors indicating the
// process is gone end the walk silently.
func (t *Tracer) revertImage(p *PCB, li *libImage) {
	if !li.patched {
		return
	}
	mem, err := t.memHandle(p)
	if err != nil {
		return
	}
	var one [1]byte
	for _, pt := range li.set.Patches {
		addr, ok := li.addrOf(pt.MovOff)
		if !ok {
			continue
		}
		one[0] = movEaxInsn
		if _, err = mem.WriteAt(one[:], int64(addr)); err != nil {
			return
		}
	}
	li.patched = false
}

// sitePatch resolves a trapped instruction address back to its patch.
func (p *PCB) sitePatch(addr uint64) (*libImage, *Patch) {
	for _, li := range p.libs {
		if !li.patched || !li.contains(addr) {
			continue
		}
		for i := range li.set.Patches {
			if a, ok := li.addrOf(li.set.Patches[i].MovOff); ok && a == addr {
				return li, &li.set.Patches[i]
			}
		}
	}
	return nil, nil
}

type mapping struct {
	start, end uint64
	offset     uint64
	perms      string
	path       string
}

// parseMaps returns the executable file backed mappings of pid.
func parseMaps(pid int) ([]mapping, error) {
	f, err := os.Open(fmt.Sprintf(`/proc/%d/maps`, pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []mapping
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		flds := strings.Fields(sc.Text())
		if len(flds) < 6 || !strings.Contains(flds[1], `x`) || !strings.HasPrefix(flds[5], `/`) {
			continue
		}
		rng := strings.SplitN(flds[0], `-`, 2)
		if len(rng) != 2 {
			continue
		}
		start, err := strconv.ParseUint(rng[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(rng[1], 16, 64)
		if err != nil {
			continue
		}
		off, err := strconv.ParseUint(flds[2], 16, 64)
		if err != nil {
			continue
		}
		out = append(out, mapping{
			start:  start,
			end:    end,
			offset: off,
			perms:  flds[1],
			path:   flds[5],
		})
	}
	return out, sc.Err()
}
