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

package linux

import "encoding/binary"

// IOMMUDevicePath is the iommufd character device.
const IOMMUDevicePath = "/dev/iommu"

// IOMMUFD_TYPE is the ioctl type of all iommufd requests, from
// include/uapi/linux/iommufd.h.
const IOMMUFD_TYPE = ';'

// iommufd command numbers. The nesting commands following IOMMUFD_CMD_VFIO_IOAS
// come from the iommufd nesting series (hwpt allocation, fault events and
// PASID management).
const (
	IOMMUFD_CMD_BASE             = 0x80
	IOMMUFD_CMD_DESTROY          = IOMMUFD_CMD_BASE
	IOMMUFD_CMD_IOAS_ALLOC       = 0x81
	IOMMUFD_CMD_IOAS_ALLOW_IOVAS = 0x82
	IOMMUFD_CMD_IOAS_COPY        = 0x83
	IOMMUFD_CMD_IOAS_IOVA_RANGES = 0x84
	IOMMUFD_CMD_IOAS_MAP         = 0x85
	IOMMUFD_CMD_IOAS_UNMAP       = 0x86
	IOMMUFD_CMD_OPTION           = 0x87
	IOMMUFD_CMD_VFIO_IOAS        = 0x88
	IOMMUFD_CMD_DEVICE_GET_INFO  = 0x89
	IOMMUFD_CMD_ALLOC_HWPT       = 0x8a
	IOMMUFD_CMD_HWPT_INVAL_S1    = 0x8b
	IOMMUFD_CMD_PAGE_RESPONSE    = 0x8c
	IOMMUFD_CMD_ALLOC_PASID      = 0x8d
	IOMMUFD_CMD_FREE_PASID       = 0x8e
	IOMMUFD_CMD_ADD_HWPT_EVENT   = 0x8f
)

// iommufd ioctl requests. All iommufd ioctls are encoded with _IO; the
// argument size travels in the leading size field of each request.
var (
	IOMMU_DESTROY             = IO(IOMMUFD_TYPE, IOMMUFD_CMD_DESTROY)
	IOMMU_IOAS_ALLOC          = IO(IOMMUFD_TYPE, IOMMUFD_CMD_IOAS_ALLOC)
	IOMMU_IOAS_COPY           = IO(IOMMUFD_TYPE, IOMMUFD_CMD_IOAS_COPY)
	IOMMU_IOAS_MAP            = IO(IOMMUFD_TYPE, IOMMUFD_CMD_IOAS_MAP)
	IOMMU_IOAS_UNMAP          = IO(IOMMUFD_TYPE, IOMMUFD_CMD_IOAS_UNMAP)
	IOMMU_ALLOC_HWPT          = IO(IOMMUFD_TYPE, IOMMUFD_CMD_ALLOC_HWPT)
	IOMMU_HWPT_INVAL_S1_CACHE = IO(IOMMUFD_TYPE, IOMMUFD_CMD_HWPT_INVAL_S1)
	IOMMU_PAGE_RESPONSE       = IO(IOMMUFD_TYPE, IOMMUFD_CMD_PAGE_RESPONSE)
	IOMMU_ALLOC_PASID         = IO(IOMMUFD_TYPE, IOMMUFD_CMD_ALLOC_PASID)
	IOMMU_FREE_PASID          = IO(IOMMUFD_TYPE, IOMMUFD_CMD_FREE_PASID)
	IOMMU_ADD_HWPT_EVENT      = IO(IOMMUFD_TYPE, IOMMUFD_CMD_ADD_HWPT_EVENT)
)

// IOMMUDestroy is struct iommu_destroy.
type IOMMUDestroy struct {
	Size uint32
	ID   uint32
}

// SizeofIOMMUDestroy is the size of IOMMUDestroy.
const SizeofIOMMUDestroy = 8

// IOMMUIOASAlloc is struct iommu_ioas_alloc.
type IOMMUIOASAlloc struct {
	Size      uint32
	Flags     uint32
	OutIOASID uint32
}

// SizeofIOMMUIOASAlloc is the size of IOMMUIOASAlloc.
const SizeofIOMMUIOASAlloc = 12

// Flags for IOMMUIOASMap.Flags and IOMMUIOASCopy.Flags.
const (
	IOMMU_IOAS_MAP_FIXED_IOVA = 1 << 0
	IOMMU_IOAS_MAP_WRITEABLE  = 1 << 1
	IOMMU_IOAS_MAP_READABLE   = 1 << 2
)

// IOMMUIOASMap is struct iommu_ioas_map.
type IOMMUIOASMap struct {
	Size   uint32
	Flags  uint32
	IOASID uint32
	_      uint32
	UserVA uint64
	Length uint64
	IOVA   uint64
}

// SizeofIOMMUIOASMap is the size of IOMMUIOASMap.
const SizeofIOMMUIOASMap = 40

// IOMMUIOASUnmap is struct iommu_ioas_unmap. On success the kernel writes
// the number of bytes unmapped back into Length.
type IOMMUIOASUnmap struct {
	Size   uint32
	IOASID uint32
	IOVA   uint64
	Length uint64
}

// SizeofIOMMUIOASUnmap is the size of IOMMUIOASUnmap.
const SizeofIOMMUIOASUnmap = 24

// IOMMUIOASCopy is struct iommu_ioas_copy.
type IOMMUIOASCopy struct {
	Size      uint32
	Flags     uint32
	DstIOASID uint32
	SrcIOASID uint32
	Length    uint64
	DstIOVA   uint64
	SrcIOVA   uint64
}

// SizeofIOMMUIOASCopy is the size of IOMMUIOASCopy.
const SizeofIOMMUIOASCopy = 40

// Values for IOMMUAllocHWPT.HWPTType.
const (
	IOMMU_HWPT_TYPE_DEFAULT    = 0
	IOMMU_HWPT_TYPE_VTD_S1     = 1
	IOMMU_HWPT_TYPE_ARM_SMMUV3 = 2
)

// Values for IOMMUAllocHWPT.DataType.
const (
	IOMMU_HWPT_DATA_NONE       = 0
	IOMMU_HWPT_DATA_VTD_S1     = 1
	IOMMU_HWPT_DATA_ARM_SMMUV3 = 2
)

// IOMMUAllocHWPT is struct iommu_alloc_hwpt.
type IOMMUAllocHWPT struct {
	Size      uint32
	Flags     uint32
	DevID     uint32
	HWPTType  uint32
	ParentID  uint32
	DataType  uint32
	DataLen   uint32
	Reserved  uint32
	DataUptr  uint64
	OutHWPTID uint32
	_         uint32
}

// SizeofIOMMUAllocHWPT is the size of IOMMUAllocHWPT.
const SizeofIOMMUAllocHWPT = 48

// Flags for IOMMUHWPTVTDS1.Flags.
const (
	IOMMU_VTD_S1_SRE  = 1 << 0
	IOMMU_VTD_S1_EAFE = 1 << 1
	IOMMU_VTD_S1_WPE  = 1 << 2
)

// IOMMUHWPTVTDS1 is struct iommu_hwpt_vtd_s1, the IOMMU_HWPT_DATA_VTD_S1
// payload of IOMMUAllocHWPT.
type IOMMUHWPTVTDS1 struct {
	Flags     uint64
	PgtblAddr uint64
	AddrWidth uint32
	_         uint32
}

// SizeofIOMMUHWPTVTDS1 is the size of IOMMUHWPTVTDS1.
const SizeofIOMMUHWPTVTDS1 = 24

// MarshalBytes encodes s into a new IOMMUAllocHWPT payload.
func (s *IOMMUHWPTVTDS1) MarshalBytes() []byte {
	dst := make([]byte, SizeofIOMMUHWPTVTDS1)
	binary.NativeEndian.PutUint64(dst[0:], s.Flags)
	binary.NativeEndian.PutUint64(dst[8:], s.PgtblAddr)
	binary.NativeEndian.PutUint32(dst[16:], s.AddrWidth)
	return dst
}

// UnmarshalBytes decodes src, which must hold at least
// SizeofIOMMUHWPTVTDS1 bytes, into s.
func (s *IOMMUHWPTVTDS1) UnmarshalBytes(src []byte) {
	s.Flags = binary.NativeEndian.Uint64(src[0:])
	s.PgtblAddr = binary.NativeEndian.Uint64(src[8:])
	s.AddrWidth = binary.NativeEndian.Uint32(src[16:])
}

// Values for IOMMUAddHWPTEvent.Type.
const (
	IOMMU_HWPT_EVENT_FAULT = 0
)

// IOMMUAddHWPTEvent is struct iommu_add_hwpt_event.
type IOMMUAddHWPTEvent struct {
	Size    uint32
	Flags   uint32
	Type    uint32
	DevID   uint32
	HWPTID  uint32
	EventFD int32
	OutFD   int32
	_       uint32
}

// SizeofIOMMUAddHWPTEvent is the size of IOMMUAddHWPTEvent.
const SizeofIOMMUAddHWPTEvent = 32

// Flags for IOMMUAllocPASID.Flags.
const (
	IOMMU_ALLOC_PASID_IDENTICAL = 1 << 0
)

// IOMMUPASIDRange is the range member of struct iommu_alloc_pasid.
type IOMMUPASIDRange struct {
	Min uint32
	Max uint32
}

// IOMMUAllocPASID is struct iommu_alloc_pasid. PASID is the caller's hint
// on input and the allocated value on output.
type IOMMUAllocPASID struct {
	Size  uint32
	Flags uint32
	Range IOMMUPASIDRange
	PASID uint32
}

// SizeofIOMMUAllocPASID is the size of IOMMUAllocPASID.
const SizeofIOMMUAllocPASID = 20

// IOMMUFreePASID is struct iommu_free_pasid.
type IOMMUFreePASID struct {
	Size  uint32
	Flags uint32
	PASID uint32
}

// SizeofIOMMUFreePASID is the size of IOMMUFreePASID.
const SizeofIOMMUFreePASID = 12

// Cache invalidation constants, from include/uapi/linux/iommu.h.
const (
	IOMMU_CACHE_INVALIDATE_INFO_VERSION_1 = 1

	IOMMU_CACHE_INV_TYPE_IOTLB     = 1 << 0
	IOMMU_CACHE_INV_TYPE_DEV_IOTLB = 1 << 1
	IOMMU_CACHE_INV_TYPE_PASID     = 1 << 2
	IOMMU_CACHE_INV_TYPE_NR        = 3

	IOMMU_INV_GRANU_DOMAIN = 0
	IOMMU_INV_GRANU_PASID  = 1
	IOMMU_INV_GRANU_ADDR   = 2

	IOMMU_INV_ADDR_FLAGS_PASID  = 1 << 0
	IOMMU_INV_ADDR_FLAGS_ARCHID = 1 << 1
	IOMMU_INV_ADDR_FLAGS_LEAF   = 1 << 2

	IOMMU_INV_PASID_FLAGS_PASID  = 1 << 0
	IOMMU_INV_PASID_FLAGS_ARCHID = 1 << 1
)

// IOMMUInvAddrInfo is struct iommu_inv_addr_info.
type IOMMUInvAddrInfo struct {
	Flags       uint32
	ArchID      uint32
	PASID       uint64
	Addr        uint64
	GranuleSize uint64
	NbGranules  uint64
}

// IOMMUInvPASIDInfo is struct iommu_inv_pasid_info.
type IOMMUInvPASIDInfo struct {
	PASID  uint64
	ArchID uint32
	Flags  uint32
}

// IOMMUCacheInvalidateInfo is struct iommu_cache_invalidate_info. Granu holds
// the granu union; use the accessors to encode its members.
type IOMMUCacheInvalidateInfo struct {
	ArgSz       uint32
	Version     uint32
	Cache       uint8
	Granularity uint8
	Padding     [6]uint8
	Granu       [40]byte
}

// SizeofIOMMUCacheInvalidateInfo is the size of IOMMUCacheInvalidateInfo.
const SizeofIOMMUCacheInvalidateInfo = 56

// SetPASIDInfo stores p as the granu.pasid_info union member.
func (i *IOMMUCacheInvalidateInfo) SetPASIDInfo(p IOMMUInvPASIDInfo) {
	i.Granu = [40]byte{}
	binary.NativeEndian.PutUint64(i.Granu[0:], p.PASID)
	binary.NativeEndian.PutUint32(i.Granu[8:], p.ArchID)
	binary.NativeEndian.PutUint32(i.Granu[12:], p.Flags)
}

// PASIDInfo decodes the granu.pasid_info union member.
func (i *IOMMUCacheInvalidateInfo) PASIDInfo() IOMMUInvPASIDInfo {
	return IOMMUInvPASIDInfo{
		PASID:  binary.NativeEndian.Uint64(i.Granu[0:]),
		ArchID: binary.NativeEndian.Uint32(i.Granu[8:]),
		Flags:  binary.NativeEndian.Uint32(i.Granu[12:]),
	}
}

// SetAddrInfo stores a as the granu.addr_info union member.
func (i *IOMMUCacheInvalidateInfo) SetAddrInfo(a IOMMUInvAddrInfo) {
	binary.NativeEndian.PutUint32(i.Granu[0:], a.Flags)
	binary.NativeEndian.PutUint32(i.Granu[4:], a.ArchID)
	binary.NativeEndian.PutUint64(i.Granu[8:], a.PASID)
	binary.NativeEndian.PutUint64(i.Granu[16:], a.Addr)
	binary.NativeEndian.PutUint64(i.Granu[24:], a.GranuleSize)
	binary.NativeEndian.PutUint64(i.Granu[32:], a.NbGranules)
}

// AddrInfo decodes the granu.addr_info union member.
func (i *IOMMUCacheInvalidateInfo) AddrInfo() IOMMUInvAddrInfo {
	return IOMMUInvAddrInfo{
		Flags:       binary.NativeEndian.Uint32(i.Granu[0:]),
		ArchID:      binary.NativeEndian.Uint32(i.Granu[4:]),
		PASID:       binary.NativeEndian.Uint64(i.Granu[8:]),
		Addr:        binary.NativeEndian.Uint64(i.Granu[16:]),
		GranuleSize: binary.NativeEndian.Uint64(i.Granu[24:]),
		NbGranules:  binary.NativeEndian.Uint64(i.Granu[32:]),
	}
}

// IOMMUHWPTInvalidateS1Cache is struct iommu_hwpt_invalidate_s1_cache.
type IOMMUHWPTInvalidateS1Cache struct {
	Size   uint32
	Flags  uint32
	HWPTID uint32
	_      uint32
	Info   IOMMUCacheInvalidateInfo
}

// SizeofIOMMUHWPTInvalidateS1Cache is the size of IOMMUHWPTInvalidateS1Cache.
const SizeofIOMMUHWPTInvalidateS1Cache = 72

// Page response constants, from include/uapi/linux/iommu.h.
const (
	IOMMU_PAGE_RESP_VERSION_1   = 1
	IOMMU_PAGE_RESP_PASID_VALID = 1 << 0

	IOMMU_PAGE_RESP_SUCCESS = 0
	IOMMU_PAGE_RESP_INVALID = 1
	IOMMU_PAGE_RESP_FAILURE = 2
)

// IOMMUPageResponse is struct iommu_page_response.
type IOMMUPageResponse struct {
	ArgSz   uint32
	Version uint32
	Flags   uint32
	PASID   uint32
	GrpID   uint32
	Code    uint32
}

// SizeofIOMMUPageResponse is the size of IOMMUPageResponse.
const SizeofIOMMUPageResponse = 24

// IOMMUHWPTPageResponse is struct iommu_hwpt_page_response.
type IOMMUHWPTPageResponse struct {
	Size   uint32
	Flags  uint32
	HWPTID uint32
	DevID  uint32
	Resp   IOMMUPageResponse
}

// SizeofIOMMUHWPTPageResponse is the size of IOMMUHWPTPageResponse.
const SizeofIOMMUHWPTPageResponse = 40
