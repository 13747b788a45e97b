// Copyright 2019 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vm wraps the raw mmap/mprotect/munmap primitives the rest
// of the engine builds on: reserving address space, replacing a
// mapping's backing in place with MAP_FIXED (the "in-place remap"
// §4.5 and §9 require — a fixed-address mmap substitutes the
// backing VMA atomically, with no intermediate unmapped window), and
// turning a raw address range into a Go byte slice for comparison and
// copy. golang.org/x/sys/unix exposes Mmap/Munmap/Mprotect but not a
// fixed-address variant, so the MAP_FIXED calls go through
// unix.Syscall6 directly, the same pattern the allocation path and
// merge engine both need.
package vm

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PageSize returns the host's page size.
func PageSize() uintptr {
	return uintptr(unix.Getpagesize())
}

// RoundUp rounds n up to the next multiple of the page size.
func RoundUp(n uintptr) uintptr {
	ps := PageSize()
	return (n + ps - 1) &^ (ps - 1)
}

// Reserve carves out size bytes of unused address space by mapping it
// PROT_NONE, letting the kernel choose the base. The reservation can
// later be overwritten in place with MapAnonFixed or MapFileFixed.
func Reserve(size uintptr) (uintptr, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP, 0, size,
		uintptr(unix.PROT_NONE), uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS), ^uintptr(0), 0)
	if errno != 0 {
		return 0, errors.Wrap(errno, "vm: reserve address space")
	}
	return addr, nil
}

// MapAnonFixed installs a fresh anonymous private mapping at exactly
// addr with the given protection, atomically replacing whatever was
// mapped there before (MAP_FIXED). Used for uninitialized-page
// upgrades, zero-page realization, and shared-page privatization.
func MapAnonFixed(addr, size uintptr, prot int) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, size,
		uintptr(prot), uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED), ^uintptr(0), 0)
	if errno != 0 {
		return errors.Wrap(errno, "vm: map anonymous fixed")
	}
	return nil
}

// MapFileFixed installs a shared mapping of fd at the given file
// offset at exactly addr, atomically replacing the previous mapping.
// Used to back a page with a frame of the shared arena.
func MapFileFixed(addr, size uintptr, fd int, offset int64, prot int) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, size,
		uintptr(prot), uintptr(unix.MAP_SHARED|unix.MAP_FIXED), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return errors.Wrap(errno, "vm: map file fixed")
	}
	return nil
}

// Protect changes the protection of an existing mapping in place.
func Protect(addr, size uintptr, prot int) error {
	return unix.Mprotect(Bytes(addr, size), prot)
}

// Unmap releases size bytes of address space starting at addr.
func Unmap(addr, size uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, size, 0)
	if errno != 0 {
		return errors.Wrap(errno, "vm: munmap")
	}
	return nil
}

// Bytes views a raw address range as a Go byte slice. The caller is
// responsible for ensuring the range is actually mapped and stays
// mapped for the slice's lifetime.
func Bytes(addr, size uintptr) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
}
