// Copyright 2026 The gVisor Authors.
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

package iommufd

import (
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// FDResolver resolves a textual file descriptor reference to a descriptor.
type FDResolver interface {
	ResolveFD(ref string) (int32, error)
}

// NumericFDResolver resolves decimal descriptor numbers that are open in this
// process.
type NumericFDResolver struct{}

// ResolveFD implements FDResolver.ResolveFD.
func (NumericFDResolver) ResolveFD(ref string) (int32, error) {
	fd, err := strconv.ParseInt(ref, 10, 32)
	if err != nil {
		return -1, fmt.Errorf("invalid file descriptor %q: %w", ref, err)
	}
	if fd < 0 {
		return -1, fmt.Errorf("invalid file descriptor %d", fd)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return -1, fmt.Errorf("file descriptor %d: %w", fd, err)
	}
	return int32(fd), nil
}

// FDTable holds descriptors passed in by name, e.g. over a control socket.
// References that start with a digit are resolved by Fallback; other
// references name an entry of the table, which is removed on resolution: the
// resolver's caller takes ownership of the descriptor.
type FDTable struct {
	// Fallback resolves numeric references. Defaults to NumericFDResolver.
	Fallback FDResolver

	mu  sync.Mutex
	fds map[string]int32
}

// Add registers fd under name, replacing and returning any previous entry.
func (t *FDTable) Add(name string, fd int32) (int32, bool, error) {
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		return -1, false, fmt.Errorf("invalid fd name %q: must not be empty or start with a digit", name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fds == nil {
		t.fds = make(map[string]int32)
	}
	old, ok := t.fds[name]
	t.fds[name] = fd
	return old, ok, nil
}

// Remove removes the entry for name and returns its descriptor.
func (t *FDTable) Remove(name string) (int32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd, ok := t.fds[name]
	delete(t.fds, name)
	return fd, ok
}

// ResolveFD implements FDResolver.ResolveFD.
func (t *FDTable) ResolveFD(ref string) (int32, error) {
	if ref != "" && ref[0] >= '0' && ref[0] <= '9' {
		fallback := t.Fallback
		if fallback == nil {
			fallback = NumericFDResolver{}
		}
		return fallback.ResolveFD(ref)
	}
	if fd, ok := t.Remove(ref); ok {
		return fd, nil
	}
	return -1, fmt.Errorf("file descriptor named %q has not been found", ref)
}
