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
	"github.com/sirupsen/logrus"
	"gvisor.dev/iommufd/pkg/abi/linux"
)

// request names an iommufd ioctl.
type request struct {
	name string
	cmd  uint32
}

var (
	reqDestroy      = request{"IOMMU_DESTROY", linux.IOMMU_DESTROY}
	reqIOASAlloc    = request{"IOMMU_IOAS_ALLOC", linux.IOMMU_IOAS_ALLOC}
	reqIOASMap      = request{"IOMMU_IOAS_MAP", linux.IOMMU_IOAS_MAP}
	reqIOASUnmap    = request{"IOMMU_IOAS_UNMAP", linux.IOMMU_IOAS_UNMAP}
	reqIOASCopy     = request{"IOMMU_IOAS_COPY", linux.IOMMU_IOAS_COPY}
	reqAllocHWPT    = request{"IOMMU_ALLOC_HWPT", linux.IOMMU_ALLOC_HWPT}
	reqAddHWPTEvent = request{"IOMMU_ADD_HWPT_EVENT", linux.IOMMU_ADD_HWPT_EVENT}
	reqInvalS1Cache = request{"IOMMU_HWPT_INVAL_S1_CACHE", linux.IOMMU_HWPT_INVAL_S1_CACHE}
	reqPageResponse = request{"IOMMU_PAGE_RESPONSE", linux.IOMMU_PAGE_RESPONSE}
	reqAllocPASID   = request{"IOMMU_ALLOC_PASID", linux.IOMMU_ALLOC_PASID}
	reqFreePASID    = request{"IOMMU_FREE_PASID", linux.IOMMU_FREE_PASID}
)

// fail converts a Device error into a *RequestError of the given kind and
// reports it.
func (b *Backend) fail(req request, kind error, err error) error {
	rerr := &RequestError{Request: req.name, Kind: kind, Errno: errnoOf(err)}
	b.tracer.reportf(rerr, "%s failed", req.name)
	return rerr
}

// mapFlags returns the IOMMU_IOAS_MAP/IOMMU_IOAS_COPY flags for a fixed-IOVA
// mapping.
func mapFlags(readonly bool) uint32 {
	flags := uint32(linux.IOMMU_IOAS_MAP_READABLE | linux.IOMMU_IOAS_MAP_FIXED_IOVA)
	if !readonly {
		flags |= linux.IOMMU_IOAS_MAP_WRITEABLE
	}
	return flags
}

// AllocIOAS allocates an I/O address space. The returned id must be released
// with PutIOAS or FreeID.
func (b *Backend) AllocIOAS() (IOASID, error) {
	fd := b.FD()
	alloc := linux.IOMMUIOASAlloc{
		Size: linux.SizeofIOMMUIOASAlloc,
	}
	err := invoke(b, fd, reqIOASAlloc, &alloc)
	if err != nil {
		err = b.fail(reqIOASAlloc, ErrRequestFailed, err)
		alloc.OutIOASID = 0
	}
	b.tracer.trace("iommufd_backend_alloc_ioas", logrus.Fields{
		"fd":   fd,
		"ioas": alloc.OutIOASID,
	}, err)
	return IOASID(alloc.OutIOASID), err
}

// GetIOAS allocates an I/O address space on behalf of a consumer device.
func (b *Backend) GetIOAS() (IOASID, error) {
	id, err := b.AllocIOAS()
	b.tracer.trace("iommufd_backend_get_ioas", logrus.Fields{
		"fd":   b.FD(),
		"ioas": uint32(id),
	}, err)
	return id, err
}

// PutIOAS releases an address space obtained from GetIOAS. Like FreeID, it
// never fails.
func (b *Backend) PutIOAS(id IOASID) {
	b.tracer.trace("iommufd_backend_put_ioas", logrus.Fields{
		"fd":   b.FD(),
		"ioas": uint32(id),
	}, nil)
	b.FreeID(id)
}

// FreeID destroys an IOAS or HWPT. Destruction is best-effort cleanup: a
// failure is reported to the log and is not returned.
func (b *Backend) FreeID(id ObjectID) {
	fd := b.FD()
	des := linux.IOMMUDestroy{
		Size: linux.SizeofIOMMUDestroy,
		ID:   id.objectID(),
	}
	err := invoke(b, fd, reqDestroy, &des)
	if err != nil {
		err = &RequestError{Request: reqDestroy.name, Kind: ErrRequestFailed, Errno: errnoOf(err)}
		b.tracer.reportf(err, "Failed to free id: %d", des.ID)
	}
	b.tracer.trace("iommufd_backend_free_id", logrus.Fields{
		"fd": fd,
		"id": des.ID,
	}, err)
}

// MapDMA maps size bytes of host memory at vaddr to the guest I/O virtual
// address iova in ioas. The mapping is always readable, and writable unless
// readonly is set. Arguments are passed to the controller verbatim.
//
// A failure is a *RequestError matching ErrMapFailed and the errno.
func (b *Backend) MapDMA(ioas IOASID, iova, size uint64, vaddr uintptr, readonly bool) error {
	fd := b.FD()
	m := linux.IOMMUIOASMap{
		Size:   linux.SizeofIOMMUIOASMap,
		Flags:  mapFlags(readonly),
		IOASID: uint32(ioas),
		UserVA: uint64(vaddr),
		IOVA:   iova,
		Length: size,
	}
	err := invoke(b, fd, reqIOASMap, &m)
	if err != nil {
		err = b.fail(reqIOASMap, ErrMapFailed, err)
	}
	b.tracer.trace("iommufd_backend_map_dma", logrus.Fields{
		"fd":       fd,
		"ioas":     m.IOASID,
		"iova":     iova,
		"size":     size,
		"vaddr":    vaddr,
		"readonly": readonly,
	}, err)
	return err
}

// UnmapDMA removes the mappings covering [iova, iova+size) in ioas.
//
// A failure is a *RequestError matching ErrUnmapFailed and the errno.
func (b *Backend) UnmapDMA(ioas IOASID, iova, size uint64) error {
	fd := b.FD()
	unmap := linux.IOMMUIOASUnmap{
		Size:   linux.SizeofIOMMUIOASUnmap,
		IOASID: uint32(ioas),
		IOVA:   iova,
		Length: size,
	}
	err := invoke(b, fd, reqIOASUnmap, &unmap)
	if err != nil {
		err = b.fail(reqIOASUnmap, ErrUnmapFailed, err)
	}
	fields := logrus.Fields{
		"fd":   fd,
		"ioas": unmap.IOASID,
		"iova": iova,
		"size": size,
	}
	if err == nil {
		fields["unmapped"] = unmap.Length
	}
	b.tracer.trace("iommufd_backend_unmap_dma", fields, err)
	return err
}

// CopyDMA duplicates the mapping at iova in src into dst at the same iova,
// with the same flag semantics as MapDMA.
//
// A failure is a *RequestError matching ErrCopyFailed and the errno.
func (b *Backend) CopyDMA(src, dst IOASID, iova, size uint64, readonly bool) error {
	fd := b.FD()
	c := linux.IOMMUIOASCopy{
		Size:      linux.SizeofIOMMUIOASCopy,
		Flags:     mapFlags(readonly),
		DstIOASID: uint32(dst),
		SrcIOASID: uint32(src),
		Length:    size,
		DstIOVA:   iova,
		SrcIOVA:   iova,
	}
	err := invoke(b, fd, reqIOASCopy, &c)
	if err != nil {
		err = b.fail(reqIOASCopy, ErrCopyFailed, err)
	}
	b.tracer.trace("iommufd_backend_copy_dma", logrus.Fields{
		"fd":       fd,
		"src_ioas": c.SrcIOASID,
		"dst_ioas": c.DstIOASID,
		"iova":     iova,
		"size":     size,
		"readonly": readonly,
	}, err)
	return err
}
