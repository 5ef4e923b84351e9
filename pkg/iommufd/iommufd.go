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

// Package iommufd shares one iommufd controller handle between the emulated
// pass-through devices of a VM.
//
// Consumers bracket their use of the controller with Connect and Disconnect.
// The first Connect of a self-owned Backend opens /dev/iommu and the last
// Disconnect closes it; a borrowed Backend uses a descriptor supplied by its
// embedder and never closes it. Between the two, consumers allocate I/O
// address spaces, hardware page tables and PASIDs, and map guest memory.
// Every allocated id must be released exactly once by its allocator.
//
// Lock order: Backend.mu is a leaf lock and is never held across a request
// to the controller. Requests are not serialized against each other nor
// against Disconnect: a consumer must not Disconnect while it has requests
// in flight, and overlapping concurrent map/unmap calls on the same range are
// a caller bug that surfaces as ordinary controller errors.
package iommufd

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"gvisor.dev/iommufd/pkg/abi/linux"
)

// Ownership tells whether a Backend opened its descriptor itself.
type Ownership int

const (
	// SelfOwned backends open the controller on first Connect and close it on
	// last Disconnect.
	SelfOwned Ownership = iota

	// Borrowed backends use a descriptor supplied by their embedder, which
	// keeps ownership of it.
	Borrowed
)

// String implements fmt.Stringer.String.
func (o Ownership) String() string {
	switch o {
	case SelfOwned:
		return "self-owned"
	case Borrowed:
		return "borrowed"
	default:
		return fmt.Sprintf("Ownership(%d)", int(o))
	}
}

func (o Ownership) ownedLabel() string {
	if o == SelfOwned {
		return "true"
	}
	return "false"
}

// Opts configures a Backend.
type Opts struct {
	// Device is the controller transport. Defaults to HostDevice.
	Device Device

	// Path is the controller device node opened by self-owned backends.
	// Defaults to /dev/iommu.
	Path string

	// Logger receives trace records and error reports. Defaults to the
	// logrus standard logger.
	Logger logrus.FieldLogger

	// Metrics, if non-nil, counts requests and users.
	Metrics *Metrics
}

// Backend is a shared handle to the IOMMU controller.
type Backend struct {
	dev       Device
	path      string
	ownership Ownership
	tracer    *tracer
	metrics   *Metrics

	// fd is the controller descriptor, or -1. It is only stored with mu held
	// but is loaded without it by requests.
	fd atomic.Int32

	mu sync.Mutex

	// users is the number of outstanding Connect calls. Protected by mu.
	users uint32
}

func newBackend(opts Opts, o Ownership, fd int32) *Backend {
	if opts.Device == nil {
		opts.Device = HostDevice{}
	}
	if opts.Path == "" {
		opts.Path = linux.IOMMUDevicePath
	}
	b := &Backend{
		dev:       opts.Device,
		path:      opts.Path,
		ownership: o,
		tracer:    newTracer(opts.Logger),
		metrics:   opts.Metrics,
	}
	b.fd.Store(fd)
	return b
}

// New returns an unconnected self-owned Backend.
func New(opts Opts) *Backend {
	return newBackend(opts, SelfOwned, -1)
}

// NewBorrowed returns a Backend using the externally owned descriptor named
// by ref, as resolved by resolver. The descriptor is never closed by the
// Backend.
func NewBorrowed(ref string, resolver FDResolver, opts Opts) (*Backend, error) {
	fd, err := resolver.ResolveFD(ref)
	if err != nil {
		return nil, fmt.Errorf("could not parse remote object fd %s: %w", ref, err)
	}
	b := newBackend(opts, Borrowed, fd)
	b.tracer.trace("iommu_backend_set_fd", logrus.Fields{"fd": fd}, nil)
	return b, nil
}

// FD returns the controller descriptor, or -1 if it isn't open.
func (b *Backend) FD() int32 {
	return b.fd.Load()
}

// Ownership returns whether b owns its descriptor.
func (b *Backend) Ownership() Ownership {
	return b.ownership
}

// Users returns the number of connected users.
func (b *Backend) Users() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.users
}

// Connect takes a reference on b, opening the controller if b is self-owned
// and this is the first reference.
func (b *Backend) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.connectLocked()
	b.tracer.trace("iommufd_backend_connect", logrus.Fields{
		"fd":    b.fd.Load(),
		"owned": b.ownership == SelfOwned,
		"users": b.users,
	}, err)
	if err != nil {
		b.tracer.reportf(err, "iommufd connect failed")
		return err
	}
	b.metrics.setUsers(b.ownership, b.users)
	return nil
}

// Preconditions: b.mu is locked.
func (b *Backend) connectLocked() error {
	if b.users == math.MaxUint32 {
		return ErrTooManyUsers
	}
	if b.ownership == SelfOwned && b.users == 0 {
		fd, err := b.dev.Open(b.path)
		if err != nil {
			return &OpenError{Path: b.path, Err: err}
		}
		b.fd.Store(fd)
	}
	b.users++
	return nil
}

// Disconnect drops a reference taken by Connect. Dropping the last reference
// of a self-owned backend closes the controller. Disconnect without a
// matching Connect does nothing.
func (b *Backend) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.users > 0 {
		b.users--
		if b.users == 0 && b.ownership == SelfOwned {
			b.closeLocked()
		}
		b.metrics.setUsers(b.ownership, b.users)
	}
	b.tracer.trace("iommufd_backend_disconnect", logrus.Fields{
		"fd":    b.fd.Load(),
		"users": b.users,
	}, nil)
}

// Close releases b and drops every outstanding reference. A self-owned
// descriptor that is still open, because users did not all Disconnect, is
// closed; a later Connect opens a fresh one. A borrowed descriptor is left
// alone.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ownership == SelfOwned {
		b.closeLocked()
	}
	if b.users != 0 {
		b.users = 0
		b.metrics.setUsers(b.ownership, 0)
	}
}

// Preconditions: b.mu is locked.
func (b *Backend) closeLocked() {
	fd := b.fd.Swap(-1)
	if fd < 0 {
		return
	}
	if err := b.dev.Close(fd); err != nil {
		b.tracer.reportf(err, "closing iommufd %d", fd)
	}
}
