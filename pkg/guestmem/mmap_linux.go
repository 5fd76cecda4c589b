//go:build linux
// +build linux

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

package guestmem

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// AnonymousRegion mmaps a private anonymous region of the given size. This
// is what pagerd uses when it runs standalone; an embedding monitor passes
// its own allocation through FromSlice instead. The region is intentionally
// not pre-populated: every page must take the fault path.
func AnonymousRegion(size uint64) (*Region, error) {
	if size == 0 || size%PageSize != 0 {
		return nil, errors.Wrapf(ErrBadSize, "%d bytes", size)
	}

	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap of %d bytes failed", size)
	}

	return &Region{
		base:    uintptr(unsafe.Pointer(&mem[0])),
		mem:     mem,
		release: func() error { return unix.Munmap(mem) },
	}, nil
}
