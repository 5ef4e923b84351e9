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

package iommufdtest

import (
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/iommufd/pkg/abi/linux"
)

// Ioctl implements iommufd.Device.Ioctl.
func (d *Device) Ioctl(fd int32, cmd uint32, arg unsafe.Pointer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.open[fd]; !ok {
		return unix.EBADF
	}
	if arg == nil {
		return unix.EFAULT
	}
	switch cmd {
	case linux.IOMMU_DESTROY:
		return d.destroy((*linux.IOMMUDestroy)(arg))
	case linux.IOMMU_IOAS_ALLOC:
		return d.ioasAlloc((*linux.IOMMUIOASAlloc)(arg))
	case linux.IOMMU_IOAS_MAP:
		return d.ioasMap((*linux.IOMMUIOASMap)(arg))
	case linux.IOMMU_IOAS_UNMAP:
		return d.ioasUnmap((*linux.IOMMUIOASUnmap)(arg))
	case linux.IOMMU_IOAS_COPY:
		return d.ioasCopy((*linux.IOMMUIOASCopy)(arg))
	case linux.IOMMU_ALLOC_HWPT:
		a := (*linux.IOMMUAllocHWPT)(arg)
		return d.allocHWPT(a, userBytes(a.DataUptr, a.DataLen))
	case linux.IOMMU_ADD_HWPT_EVENT:
		return d.addHWPTEvent((*linux.IOMMUAddHWPTEvent)(arg))
	case linux.IOMMU_HWPT_INVAL_S1_CACHE:
		return d.invalidateS1Cache((*linux.IOMMUHWPTInvalidateS1Cache)(arg))
	case linux.IOMMU_PAGE_RESPONSE:
		return d.pageResponse((*linux.IOMMUHWPTPageResponse)(arg))
	case linux.IOMMU_ALLOC_PASID:
		return d.allocPASID((*linux.IOMMUAllocPASID)(arg))
	case linux.IOMMU_FREE_PASID:
		return d.freePASID((*linux.IOMMUFreePASID)(arg))
	default:
		return unix.ENOTTY
	}
}

// userBytes returns the length bytes at user address addr. The memory belongs
// to the caller of Ioctl, which keeps it alive for the duration of the call.
//
// Addresses arrive as integers inside request records, as they do for the
// kernel, so checkptr has no allocation to check them against.
//
//go:nocheckptr
func userBytes(addr uint64, length uint32) []byte {
	if addr == 0 || length == 0 {
		return nil
	}
	p := *(*unsafe.Pointer)(unsafe.Pointer(&addr))
	return unsafe.Slice((*byte)(p), length)
}
