/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

//go:build linux && amd64

package ptracer

import (
	"golang.org/x/sys/unix"
)

// x86-64 instruction patterns the library scanner keys on.  The canonical
// libc syscall sequence is
//
//	b8 NN NN NN NN    mov eax, nr
//	0f 05             syscall
//	48 3d 01 f0 ff ff cmp rax, -4095
//
// with up to three short (3-byte) argument moves between the load and the
// syscall.
const (
	trapInstr  = 0xCC //int3
	movEaxInsn = 0xB8 //mov eax, imm32
	movInsnLen = 5
	sysInsnLen = 2

	// syscall numbers on this platform are not biased
	syscallBase = 0
)

var (
	syscallInsn = []byte{0x0F, 0x05}
	errnoCheck  = []byte{0x48, 0x3D, 0x01, 0xF0, 0xFF, 0xFF} //cmp rax, -4095

	// displacements (site minus load offset) at which the number load is
	// accepted; anything else is considered a rewritten sequence and left
	// alone
	permittedDisp = [4]uint64{5, 8, 11, 14}

	// errno check window after the syscall instruction
	errnoWindow = 4 * movInsnLen
)

// syscall ABI register accessors
func regIP(r *unix.PtraceRegs) uint64     { return r.Rip }
func setIP(r *unix.PtraceRegs, v uint64)  { r.Rip = v }
func regSysno(r *unix.PtraceRegs) int64   { return int64(r.Orig_rax) }
func regRet(r *unix.PtraceRegs) int64     { return int64(r.Rax) }
func setNum(r *unix.PtraceRegs, v uint64) { r.Rax = v }

func regArg(r *unix.PtraceRegs, n int) uint64 {
	switch n {
	case 0:
		return r.Rdi
	case 1:
		return r.Rsi
	case 2:
		return r.Rdx
	case 3:
		return r.R10
	case 4:
		return r.R8
	case 5:
		return r.R9
	}
	return 0
}

// interesting syscalls: the file surface we journal, clone for child
// tracking, mmap for re-patching after a library load
var interestingSyscalls = map[int64]bool{
	unix.SYS_OPEN:     true,
	unix.SYS_OPENAT:   true,
	unix.SYS_CLOSE:    true,
	unix.SYS_UNLINK:   true,
	unix.SYS_UNLINKAT: true,
	unix.SYS_RMDIR:    true,
	unix.SYS_RENAME:   true,
	unix.SYS_RENAMEAT: true,
	unix.SYS_CLONE:    true,
	unix.SYS_MMAP:     true,
}
