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

// Package pidfile guards against concurrent pagerd instances on a host:
// two pagers must never register overlapping guest regions with the
// fault facility or race for the same transport ports.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

var (
	path = defaultPath()
	file *os.File
)

// SetPath overrides the pidfile location.
func SetPath(p string) {
	drop()
	path = p
}

// Path returns the pidfile location.
func Path() string {
	return path
}

// Write creates the pidfile with our process id, failing if it already
// exists. The file stays open for the process lifetime.
func Write() error {
	if file != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "creating pidfile directory for %s", path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating pidfile %s", path)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing pidfile %s", path)
	}

	file = f
	return nil
}

// Read returns the process id recorded in the pidfile, 0 if there is
// none.
func Read() (int, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return -1, errors.Wrapf(err, "reading pidfile %s", path)
	}

	pid, err := strconv.Atoi(strings.TrimRight(string(buf), "\n"))
	if err != nil {
		return -1, errors.Wrapf(err, "invalid pid %q in pidfile %s", string(buf), path)
	}
	return pid, nil
}

// OwnerPid returns the pid of the running process owning the pidfile, 0
// if no live process owns it (no pidfile, or a stale one).
func OwnerPid() (int, error) {
	pid, err := Read()
	if err != nil || pid == 0 {
		return pid, err
	}

	if err := syscall.Kill(pid, 0); err != nil {
		if err == syscall.ESRCH {
			return 0, nil
		}
		if err == syscall.EPERM {
			return pid, nil
		}
		return -1, errors.Wrapf(err, "probing process %d", pid)
	}
	return pid, nil
}

// Remove deletes the pidfile unconditionally.
func Remove() error {
	drop()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing pidfile %s", path)
	}
	return nil
}

func drop() {
	if file != nil {
		file.Truncate(0)
		file.Close()
		file = nil
	}
}

// defaultPath places the pidfile under /var/run for root, /tmp otherwise.
func defaultPath() string {
	name := "pagerd"
	if len(os.Args) > 0 {
		name = filepath.Base(os.Args[0])
	}
	if os.Geteuid() > 0 {
		return filepath.Join("/tmp", name+".pid")
	}
	return filepath.Join("/var/run", name+".pid")
}
