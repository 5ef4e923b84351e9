// Copyright 2024 The gVisor Authors.
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
// limitations under the License

package iommufd

import (
	"runtime"
	"unsafe"

	"golang.org/x/exp/constraints"
	"golang.org/x/sys/unix"
)

// Device is the transport to the IOMMU controller. Every request is a single
// blocking exchange: arg points at a fixed-layout request record which the
// controller may update in place.
type Device interface {
	// Open opens the controller device node.
	Open(path string) (int32, error)

	// Close closes a descriptor returned by Open.
	Close(fd int32) error

	// Ioctl issues request cmd on fd. It returns nil or a unix.Errno.
	Ioctl(fd int32, cmd uint32, arg unsafe.Pointer) error
}

// HostDevice is the Device backed by the host kernel.
type HostDevice struct{}

// Open implements Device.Open.
func (HostDevice) Open(path string) (int32, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	return int32(fd), nil
}

// Close implements Device.Close.
func (HostDevice) Close(fd int32) error {
	return unix.Close(int(fd))
}

// Ioctl implements Device.Ioctl.
func (HostDevice) Ioctl(fd int32, cmd uint32, arg unsafe.Pointer) error {
	_, err := ioctlInvoke(fd, cmd, uintptr(arg))
	return err
}

// ioctlInvoke makes ioctl syscalls with the arg of the integer type.
func ioctlInvoke[Cmd, Arg constraints.Integer](hostFD int32, cmd Cmd, arg Arg) (uintptr, error) {
	n, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(hostFD), uintptr(cmd), uintptr(arg))
	if errno != 0 {
		return n, errno
	}
	return n, nil
}

// invoke issues req on fd with params as the request record and records the
// outcome in b's metrics.
func invoke[Params any](b *Backend, fd int32, req request, params *Params) error {
	err := b.dev.Ioctl(fd, req.cmd, unsafe.Pointer(params))
	runtime.KeepAlive(params)
	b.metrics.observe(req.name, err)
	return err
}

// bytesAddr returns the user address of data's backing array, or 0 for an
// empty slice. The caller must keep data alive across the request.
func bytesAddr(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&data[0])))
}
