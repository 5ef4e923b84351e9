// Copyright 2021 The gVisor Authors.
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

// Package eventfd wraps Linux's eventfd(2) syscall. The IOMMU controller
// signals page faults of a hardware page table through an eventfd registered
// with iommufd.Backend.AddHWPTEvent.
package eventfd

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"golang.org/x/sys/unix"
)

const sizeofUint64 = 8

// Eventfd represents a Linux eventfd object.
type Eventfd struct {
	fd int
}

// Create returns an initialized, non-blocking eventfd.
func Create() (Eventfd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return Eventfd{}, fmt.Errorf("failed to create eventfd: %w", err)
	}
	return Eventfd{fd: fd}, nil
}

// Close closes the eventfd, after which it should not be used.
func (ev Eventfd) Close() error {
	return unix.Close(ev.fd)
}

// Dup copies the eventfd, calling dup(2) on the underlying file descriptor.
func (ev Eventfd) Dup() (Eventfd, error) {
	other, err := unix.Dup(ev.fd)
	if err != nil {
		return Eventfd{}, fmt.Errorf("failed to dup: %w", err)
	}
	return Eventfd{fd: other}, nil
}

// Notify alerts other users of the eventfd. Users can receive alerts by
// calling Wait or Read.
func (ev Eventfd) Notify() error {
	return ev.Write(1)
}

// Write adds val to the eventfd counter.
func (ev Eventfd) Write(val uint64) error {
	var buf [sizeofUint64]byte
	binary.NativeEndian.PutUint64(buf[:], val)
	for {
		n, err := nonBlockingWrite(ev.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n != sizeofUint64 {
			return fmt.Errorf("short write to eventfd: got %d bytes, wanted %d", n, sizeofUint64)
		}
		return nil
	}
}

// Wait blocks until eventfd is non-zero (i.e. someone calls Notify or Write).
func (ev Eventfd) Wait() error {
	_, err := ev.Read()
	return err
}

// Read blocks until eventfd is non-zero (i.e. someone calls Notify or Write)
// and returns the value read, resetting the counter.
func (ev Eventfd) Read() (uint64, error) {
	for {
		val, ok, err := ev.TryRead()
		if err != nil || ok {
			return val, err
		}
		if err := ev.poll(-1); err != nil {
			return 0, err
		}
	}
}

// TryRead returns the counter without blocking. ok is false if the counter
// is zero.
func (ev Eventfd) TryRead() (val uint64, ok bool, err error) {
	var tmp [sizeofUint64]byte
	n, err := unix.Read(ev.fd, tmp[:])
	switch {
	case err == unix.EAGAIN:
		return 0, false, nil
	case err == unix.EINTR:
		return 0, false, nil
	case err != nil:
		return 0, false, err
	case n == 0:
		return 0, false, io.EOF
	case n != sizeofUint64:
		return 0, false, fmt.Errorf("short read from eventfd: got %d bytes, wanted %d", n, sizeofUint64)
	}
	return binary.NativeEndian.Uint64(tmp[:]), true, nil
}

// ReadTimeout is like Read but gives up after timeout. ok is false if the
// timeout expired with the counter still zero.
func (ev Eventfd) ReadTimeout(timeout time.Duration) (val uint64, ok bool, err error) {
	deadline := time.Now().Add(timeout)
	for {
		if val, ok, err = ev.TryRead(); err != nil || ok {
			return val, ok, err
		}
		left := time.Until(deadline)
		if left <= 0 {
			return 0, false, nil
		}
		if err := ev.poll(int(left.Milliseconds()) + 1); err != nil {
			return 0, false, err
		}
	}
}

// poll waits up to timeout milliseconds, or forever if negative, for ev to
// become readable.
func (ev Eventfd) poll(timeout int) error {
	fds := []unix.PollFd{{Fd: int32(ev.fd), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(fds, timeout)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// FD returns the underlying file descriptor. Use with care, as this breaks the
// Eventfd abstraction.
func (ev Eventfd) FD() int {
	return ev.fd
}
