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

package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func usePidfile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "pagerd-test.pid")
	SetPath(p)
	t.Cleanup(func() { Remove() })
	return p
}

func TestWriteAndRead(t *testing.T) {
	usePidfile(t)

	require.NoError(t, Write())
	pid, err := Read()
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)

	// a second Write by the owner is a no-op
	require.NoError(t, Write())
}

func TestWriteRefusesExisting(t *testing.T) {
	p := usePidfile(t)

	require.NoError(t, os.WriteFile(p, []byte("12345\n"), 0644))
	require.Error(t, Write())
}

func TestReadMissing(t *testing.T) {
	usePidfile(t)

	pid, err := Read()
	require.NoError(t, err)
	require.Equal(t, 0, pid)
}

func TestOwnerPid(t *testing.T) {
	usePidfile(t)

	require.NoError(t, Write())
	pid, err := OwnerPid()
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)

	require.NoError(t, Remove())
	pid, err = OwnerPid()
	require.NoError(t, err)
	require.Equal(t, 0, pid)
}

func TestRemoveIsIdempotent(t *testing.T) {
	usePidfile(t)

	require.NoError(t, Write())
	require.NoError(t, Remove())
	require.NoError(t, Remove())
}
