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
	"testing"
	"unsafe"

	"github.com/pkg/errors"
)

func testRegion(t *testing.T, pages int) *Region {
	t.Helper()
	mem := make([]byte, pages*PageSize)
	r, err := FromSlice(mem, uintptr(unsafe.Pointer(&mem[0])))
	if err != nil {
		t.Fatalf("wrapping region failed: %v", err)
	}
	return r
}

func TestFromSliceValidation(t *testing.T) {
	if _, err := FromSlice(nil, 0); !errors.Is(err, ErrBadSize) {
		t.Errorf("expected ErrBadSize for empty slice, got %v", err)
	}
	if _, err := FromSlice(make([]byte, 100), 0); !errors.Is(err, ErrBadSize) {
		t.Errorf("expected ErrBadSize for unaligned size, got %v", err)
	}
}

func TestPageIndexing(t *testing.T) {
	r := testRegion(t, 8)

	if got := r.PageCount(); got != 8 {
		t.Fatalf("expected 8 pages, got %d", got)
	}

	page, err := r.Page(3)
	if err != nil {
		t.Fatalf("page access failed: %v", err)
	}
	if len(page) != PageSize {
		t.Fatalf("expected %d bytes, got %d", PageSize, len(page))
	}

	// the page slice aliases the region
	page[0] = 0xEE
	whole, _ := r.Page(3)
	if whole[0] != 0xEE {
		t.Error("page slice does not alias region memory")
	}

	if _, err := r.Page(8); !errors.Is(err, ErrPageOutOfRange) {
		t.Errorf("expected ErrPageOutOfRange, got %v", err)
	}
}

func TestAddressMapping(t *testing.T) {
	r := testRegion(t, 8)

	addr, err := r.PageAddr(5)
	if err != nil {
		t.Fatalf("page addr failed: %v", err)
	}
	if want := r.Base() + 5*PageSize; addr != want {
		t.Errorf("expected addr %#x, got %#x", want, addr)
	}

	// an address in the middle of a page maps back to its page
	page, err := r.PageOf(addr + 123)
	if err != nil {
		t.Fatalf("page-of failed: %v", err)
	}
	if page != 5 {
		t.Errorf("expected page 5, got %d", page)
	}

	if _, err := r.PageOf(r.Base() + uintptr(r.Size())); !errors.Is(err, ErrPageOutOfRange) {
		t.Errorf("expected ErrPageOutOfRange past the region, got %v", err)
	}
}
