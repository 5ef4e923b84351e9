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
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrTooManyUsers is returned by Connect when the reference count is
	// saturated. It matches unix.E2BIG.
	ErrTooManyUsers error = &errnoError{msg: "too many connections", errno: unix.E2BIG}

	// ErrOpenFailed matches errors returned by Connect when the controller
	// device could not be opened.
	ErrOpenFailed = errors.New("opening iommufd failed")

	// ErrRequestFailed matches rejected allocation, hwpt and pasid requests.
	ErrRequestFailed = errors.New("iommufd request failed")

	// ErrMapFailed matches rejected IOMMU_IOAS_MAP requests.
	ErrMapFailed = errors.New("DMA map failed")

	// ErrUnmapFailed matches rejected IOMMU_IOAS_UNMAP requests.
	ErrUnmapFailed = errors.New("DMA unmap failed")

	// ErrCopyFailed matches rejected IOMMU_IOAS_COPY requests.
	ErrCopyFailed = errors.New("DMA copy failed")
)

// errnoError is a sentinel that carries the errno reported for it.
type errnoError struct {
	msg   string
	errno unix.Errno
}

// Error implements error.Error.
func (e *errnoError) Error() string {
	return e.msg
}

// Unwrap returns the errno.
func (e *errnoError) Unwrap() error {
	return e.errno
}

// OpenError is returned by Connect when the controller device can't be
// opened. It matches ErrOpenFailed and unwraps to the OS error.
type OpenError struct {
	Path string
	Err  error
}

// Error implements error.Error.
func (e *OpenError) Error() string {
	return fmt.Sprintf("%s opening failed: %v", e.Path, e.Err)
}

// Unwrap returns ErrOpenFailed and the underlying OS error.
func (e *OpenError) Unwrap() []error {
	return []error{ErrOpenFailed, e.Err}
}

// RequestError is returned when the controller rejects a request. It matches
// its Kind (one of the Err*Failed sentinels) and its Errno, so callers can
// test either with errors.Is.
type RequestError struct {
	// Request is the ioctl name, e.g. "IOMMU_IOAS_MAP".
	Request string
	// Kind is the failure class.
	Kind error
	// Errno is the error reported by the controller.
	Errno unix.Errno
}

// Error implements error.Error.
func (e *RequestError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Request, e.Errno)
}

// Unwrap returns the failure class and the errno.
func (e *RequestError) Unwrap() []error {
	return []error{e.Kind, e.Errno}
}

// Code returns the negated errno, the value the controller's C interface
// reports for this failure.
func (e *RequestError) Code() int {
	return -int(e.Errno)
}

// Code returns 0 for a nil error, the negated errno for an error wrapping
// one, and -EIO for any other error.
func Code(err error) int {
	if err == nil {
		return 0
	}
	return -int(errnoOf(err))
}

// errnoOf extracts the errno of an error returned by a Device.
func errnoOf(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}
