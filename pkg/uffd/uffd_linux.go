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

package uffd

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	logger "github.com/intel/ssi-pager/pkg/log"
)

// userfaultfd ioctl numbers for amd64, from linux/userfaultfd.h.
const (
	// UFFDIO_API: _IOWR(0xAA, 0x3F, struct uffdio_api), sizeof = 24.
	_UFFDIO_API = 0xc018aa3f
	// UFFDIO_REGISTER: _IOWR(0xAA, 0x00, struct uffdio_register), sizeof = 32.
	_UFFDIO_REGISTER = 0xc020aa00
	// UFFDIO_UNREGISTER: _IOR(0xAA, 0x01, struct uffdio_range), sizeof = 16.
	_UFFDIO_UNREGISTER = 0x8010aa01
	// UFFDIO_WAKE: _IOR(0xAA, 0x02, struct uffdio_range), sizeof = 16.
	_UFFDIO_WAKE = 0x8010aa02
	// UFFDIO_COPY: _IOWR(0xAA, 0x03, struct uffdio_copy), sizeof = 40.
	_UFFDIO_COPY = 0xc028aa03
	// UFFDIO_ZEROPAGE: _IOWR(0xAA, 0x04, struct uffdio_zeropage), sizeof = 32.
	_UFFDIO_ZEROPAGE = 0xc020aa04

	_UFFD_API                     = 0xAA
	_UFFDIO_REGISTER_MODE_MISSING = 1 << 0

	_UFFD_EVENT_PAGEFAULT      = 0x12
	_UFFD_PAGEFAULT_FLAG_WRITE = 1 << 0

	// UFFD_FEATURE_THREAD_ID makes the kernel report the faulting thread.
	_UFFD_FEATURE_THREAD_ID = 1 << 8

	// sizeof struct uffd_msg on amd64.
	uffdMsgSize = 32
	// read up to this many fault records per syscall.
	msgBatch = 16
)

type uffdioAPI struct {
	api      uint64
	features uint64
	ioctls   uint64
}

type uffdioRange struct {
	start uint64
	len   uint64
}

type uffdioRegister struct {
	rng    uffdioRange
	mode   uint64
	ioctls uint64
}

type uffdioCopy struct {
	dst  uint64
	src  uint64
	len  uint64
	mode uint64
	copy int64
}

type uffdioZeropage struct {
	rng      uffdioRange
	mode     uint64
	zeropage int64
}

// Compile-time layout assertions against the kernel ABI.
var (
	_ [24]byte = [unsafe.Sizeof(uffdioAPI{})]byte{}
	_ [32]byte = [unsafe.Sizeof(uffdioRegister{})]byte{}
	_ [40]byte = [unsafe.Sizeof(uffdioCopy{})]byte{}
	_ [32]byte = [unsafe.Sizeof(uffdioZeropage{})]byte{}
)

var log = logger.NewLogger("uffd")

// Probe reports whether userfaultfd is usable by this process. Common
// failure: vm.unprivileged_userfaultfd=0 without CAP_SYS_PTRACE.
func Probe() bool {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, unix.O_CLOEXEC|unix.O_NONBLOCK, 0, 0)
	if errno != 0 {
		return false
	}
	unix.Close(int(fd))
	return true
}

// Handler owns one userfaultfd registered over a single guest memory range.
// It implements FaultSource and Installer.
type Handler struct {
	fd       int
	base     uintptr
	length   uint64
	threadID bool

	events chan Event

	closeOnce sync.Once
	stop      chan struct{}
	readerWG  sync.WaitGroup
}

// Register creates a userfaultfd, performs the API handshake, and registers
// [base, base+length) in missing-page mode. The returned Handler is not yet
// reading events; call Start.
func Register(base uintptr, length uint64) (*Handler, error) {
	if length == 0 || length%PageSize != 0 {
		return nil, errors.Wrapf(ErrFacilityUnavailable, "invalid region size %d", length)
	}

	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, unix.O_CLOEXEC, 0, 0)
	if errno != 0 {
		return nil, errors.Wrapf(ErrFacilityUnavailable, "userfaultfd syscall: %v", errno)
	}

	h := &Handler{
		fd:     int(fd),
		base:   base,
		length: length,
		events: make(chan Event, 256),
		stop:   make(chan struct{}),
	}

	api := uffdioAPI{api: _UFFD_API, features: _UFFD_FEATURE_THREAD_ID}
	if err := h.ioctl(_UFFDIO_API, unsafe.Pointer(&api)); err != nil {
		// retry without optional features for older kernels
		api = uffdioAPI{api: _UFFD_API}
		if err := h.ioctl(_UFFDIO_API, unsafe.Pointer(&api)); err != nil {
			unix.Close(h.fd)
			return nil, errors.Wrapf(ErrFacilityUnavailable, "UFFDIO_API handshake: %v", err)
		}
	} else {
		h.threadID = true
	}

	reg := uffdioRegister{
		rng:  uffdioRange{start: uint64(base), len: length},
		mode: _UFFDIO_REGISTER_MODE_MISSING,
	}
	if err := h.ioctl(_UFFDIO_REGISTER, unsafe.Pointer(&reg)); err != nil {
		unix.Close(h.fd)
		return nil, errors.Wrapf(ErrFacilityUnavailable, "UFFDIO_REGISTER of [%#x, %#x): %v",
			base, base+uintptr(length), err)
	}

	log.Info("registered range [%#x, %#x) in missing-page mode", base, base+uintptr(length))
	return h, nil
}

func (h *Handler) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(h.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Start launches the event reader. Events arrive on Events() in kernel
// delivery order until Close.
func (h *Handler) Start() {
	h.readerWG.Add(1)
	go h.reader()
}

// Events returns the fault event stream.
func (h *Handler) Events() <-chan Event {
	return h.events
}

// reader polls the fd and decodes batched uffd_msg records. A full events
// channel blocks the reader, which stalls the kernel and in turn the
// faulting vCPUs; that is the intended back-pressure path.
func (h *Handler) reader() {
	defer h.readerWG.Done()
	defer close(h.events)

	var buf [uffdMsgSize * msgBatch]byte
	for {
		select {
		case <-h.stop:
			return
		default:
		}

		fds := []unix.PollFd{{Fd: int32(h.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Error("poll on fault fd failed: %v", err)
			return
		}
		if n == 0 {
			continue
		}

		nr, err := unix.Read(h.fd, buf[:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			select {
			case <-h.stop:
			default:
				log.Error("read on fault fd failed: %v", err)
			}
			return
		}

		for i := 0; i+uffdMsgSize <= nr; i += uffdMsgSize {
			msg := buf[i : i+uffdMsgSize]
			if msg[0] != _UFFD_EVENT_PAGEFAULT {
				// other events (fork, remap, remove) are not registered for
				continue
			}
			flags := *(*uint64)(unsafe.Pointer(&msg[8]))
			addr := *(*uint64)(unsafe.Pointer(&msg[16]))

			ev := Event{Addr: uintptr(addr), Access: Read}
			if flags&_UFFD_PAGEFAULT_FLAG_WRITE != 0 {
				ev.Access = Write
			}
			if h.threadID {
				ev.Thread = *(*uint32)(unsafe.Pointer(&msg[24]))
			}

			select {
			case h.events <- ev:
			case <-h.stop:
				return
			}
		}
	}
}

// CopyPage installs one page of bytes at the page containing addr and wakes
// the faulting threads. A racing install (EEXIST) degrades to a wake.
func (h *Handler) CopyPage(addr uintptr, data []byte) error {
	if len(data) != PageSize {
		return errors.Wrapf(ErrBadPage, "%d bytes", len(data))
	}
	pageAddr := addr &^ uintptr(PageSize-1)

	cp := uffdioCopy{
		dst: uint64(pageAddr),
		src: uint64(uintptr(unsafe.Pointer(&data[0]))),
		len: PageSize,
	}
	err := h.ioctl(_UFFDIO_COPY, unsafe.Pointer(&cp))
	if err == unix.EEXIST || (err == nil && cp.copy < 0 && -cp.copy == int64(unix.EEXIST)) {
		return h.Wake(pageAddr)
	}
	if err != nil {
		return errors.Wrapf(err, "UFFDIO_COPY at %#x", pageAddr)
	}
	if cp.copy != PageSize {
		return errors.Errorf("UFFDIO_COPY at %#x: short copy %d", pageAddr, cp.copy)
	}
	return nil
}

// ZeroPage maps a zero-filled page at the page containing addr and wakes the
// faulting threads. A racing install degrades to a wake.
func (h *Handler) ZeroPage(addr uintptr) error {
	pageAddr := addr &^ uintptr(PageSize-1)

	zp := uffdioZeropage{
		rng: uffdioRange{start: uint64(pageAddr), len: PageSize},
	}
	err := h.ioctl(_UFFDIO_ZEROPAGE, unsafe.Pointer(&zp))
	if err == unix.EEXIST || (err == nil && zp.zeropage < 0 && -zp.zeropage == int64(unix.EEXIST)) {
		return h.Wake(pageAddr)
	}
	if err != nil {
		return errors.Wrapf(err, "UFFDIO_ZEROPAGE at %#x", pageAddr)
	}
	return nil
}

// Wake wakes threads faulting on the page containing addr without installing
// anything.
func (h *Handler) Wake(addr uintptr) error {
	pageAddr := addr &^ uintptr(PageSize-1)

	rng := uffdioRange{start: uint64(pageAddr), len: PageSize}
	if err := h.ioctl(_UFFDIO_WAKE, unsafe.Pointer(&rng)); err != nil {
		return errors.Wrapf(err, "UFFDIO_WAKE at %#x", pageAddr)
	}
	return nil
}

// Close unregisters the range, stops the reader, and closes the fd.
func (h *Handler) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.stop)

		rng := uffdioRange{start: uint64(h.base), len: h.length}
		if e := h.ioctl(_UFFDIO_UNREGISTER, unsafe.Pointer(&rng)); e != nil {
			err = errors.Wrap(e, "UFFDIO_UNREGISTER")
		}
		unix.Close(h.fd)
		h.readerWG.Wait()
	})
	return err
}
