// Copyright 2023 Intel Corporation. All Rights Reserved.
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

// Package guestmem provides a page-indexed handle to the contiguous guest
// memory region the monitor hands to the pager. The region is plain
// anonymous memory; the fault facility and the transport server are the
// only parties reading or writing it, under the ownership discipline
// enforced by the page directory.
package guestmem

import (
	"github.com/pkg/errors"
)

// PageSize is the granularity of ownership and transfer.
const PageSize = 4096

// Region is a page-indexed view of a contiguous guest memory range.
type Region struct {
	base uintptr
	mem  []byte
	// munmap closure for regions allocated by this package
	release func() error
}

var (
	// ErrBadSize reports a region length that is not page-aligned or zero.
	ErrBadSize = errors.New("guest memory size must be a non-zero multiple of the page size")
	// ErrPageOutOfRange reports a page index beyond the region.
	ErrPageOutOfRange = errors.New("page index out of region")
)

// FromSlice wraps an existing buffer as a guest memory region. Used by the
// monitor integration (the buffer aliases the registered VMA) and by tests.
func FromSlice(mem []byte, base uintptr) (*Region, error) {
	if len(mem) == 0 || len(mem)%PageSize != 0 {
		return nil, errors.Wrapf(ErrBadSize, "%d bytes", len(mem))
	}
	return &Region{base: base, mem: mem}, nil
}

// Base returns the virtual address of the first byte of the region.
func (r *Region) Base() uintptr {
	return r.base
}

// Size returns the region length in bytes.
func (r *Region) Size() uint64 {
	return uint64(len(r.mem))
}

// PageCount returns the number of pages in the region.
func (r *Region) PageCount() uint64 {
	return uint64(len(r.mem) / PageSize)
}

// Page returns the in-memory bytes of the given page. The slice aliases the
// guest memory; the caller must hold the ownership right implied by the
// directory state before touching it.
func (r *Region) Page(page uint64) ([]byte, error) {
	if page >= r.PageCount() {
		return nil, errors.Wrapf(ErrPageOutOfRange, "page %d, region has %d pages", page, r.PageCount())
	}
	off := page * PageSize
	return r.mem[off : off+PageSize : off+PageSize], nil
}

// PageAddr returns the virtual address of the given page.
func (r *Region) PageAddr(page uint64) (uintptr, error) {
	if page >= r.PageCount() {
		return 0, errors.Wrapf(ErrPageOutOfRange, "page %d, region has %d pages", page, r.PageCount())
	}
	return r.base + uintptr(page)*PageSize, nil
}

// PageOf maps a faulting virtual address back to its page number.
func (r *Region) PageOf(addr uintptr) (uint64, error) {
	if addr < r.base || addr >= r.base+uintptr(len(r.mem)) {
		return 0, errors.Wrapf(ErrPageOutOfRange, "address %#x outside region [%#x, %#x)",
			addr, r.base, r.base+uintptr(len(r.mem)))
	}
	return uint64(addr-r.base) / PageSize, nil
}

// Close releases the region if it was allocated by this package; wrapped
// regions are a no-op.
func (r *Region) Close() error {
	if r.release == nil {
		return nil
	}
	err := r.release()
	r.release = nil
	return err
}
