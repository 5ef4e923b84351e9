// Copyright 2018 The gVisor Authors.
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

// Package linux contains the constants and types needed to interface with the
// Linux iommufd character device.
package linux

// ioctl(2) request number encoding, from include/uapi/asm-generic/ioctl.h.
const (
	_IOC_NRBITS   = 8
	_IOC_TYPEBITS = 8
	_IOC_SIZEBITS = 14
	_IOC_DIRBITS  = 2

	_IOC_NRSHIFT   = 0
	_IOC_TYPESHIFT = _IOC_NRSHIFT + _IOC_NRBITS
	_IOC_SIZESHIFT = _IOC_TYPESHIFT + _IOC_TYPEBITS
	_IOC_DIRSHIFT  = _IOC_SIZESHIFT + _IOC_SIZEBITS

	_IOC_NONE  = 0
	_IOC_WRITE = 1
	_IOC_READ  = 2

	_IOC_NRMASK   = (1 << _IOC_NRBITS) - 1
	_IOC_TYPEMASK = (1 << _IOC_TYPEBITS) - 1
	_IOC_SIZEMASK = (1 << _IOC_SIZEBITS) - 1
	_IOC_DIRMASK  = (1 << _IOC_DIRBITS) - 1
)

// IOC outputs the result of _IOC macro in include/uapi/asm-generic/ioctl.h.
func IOC(dir, typ, nr, size uint32) uint32 {
	return uint32(dir)<<_IOC_DIRSHIFT | typ<<_IOC_TYPESHIFT | nr<<_IOC_NRSHIFT | size<<_IOC_SIZESHIFT
}

// IO outputs the result of _IO macro in include/uapi/asm-generic/ioctl.h.
func IO(typ, nr uint32) uint32 {
	return IOC(_IOC_NONE, typ, nr, 0)
}

// IOCNr outputs the result of _IOC_NR macro in
// include/uapi/asm-generic/ioctl.h.
func IOCNr(cmd uint32) uint32 {
	return (cmd >> _IOC_NRSHIFT) & _IOC_NRMASK
}

// IOCType outputs the result of _IOC_TYPE macro in
// include/uapi/asm-generic/ioctl.h.
func IOCType(cmd uint32) uint32 {
	return (cmd >> _IOC_TYPESHIFT) & _IOC_TYPEMASK
}

// IOCSize outputs the result of _IOC_SIZE macro in
// include/uapi/asm-generic/ioctl.h.
func IOCSize(cmd uint32) uint32 {
	return (cmd >> _IOC_SIZESHIFT) & _IOC_SIZEMASK
}

// IOCDir outputs the result of _IOC_DIR macro in
// include/uapi/asm-generic/ioctl.h.
func IOCDir(cmd uint32) uint32 {
	return (cmd >> _IOC_DIRSHIFT) & _IOC_DIRMASK
}
