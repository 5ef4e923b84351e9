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

// AllocPASID allocates a PASID in [min, max]. If identical is set the
// controller must return min or fail. hint is passed as the requested value;
// on failure it is returned unchanged.
func (b *Backend) AllocPASID(min, max PASID, identical bool, hint PASID) (PASID, error) {
	fd := b.FD()
	alloc := linux.IOMMUAllocPASID{
		Size: linux.SizeofIOMMUAllocPASID,
		Range: linux.IOMMUPASIDRange{
			Min: uint32(min),
			Max: uint32(max),
		},
		PASID: uint32(hint),
	}
	if identical {
		alloc.Flags = linux.IOMMU_ALLOC_PASID_IDENTICAL
	}
	err := invoke(b, fd, reqAllocPASID, &alloc)
	pasid := hint
	if err != nil {
		err = b.fail(reqAllocPASID, ErrRequestFailed, err)
	} else {
		pasid = PASID(alloc.PASID)
	}
	b.tracer.trace("iommufd_backend_alloc_pasid", logrus.Fields{
		"fd":        fd,
		"min":       uint32(min),
		"max":       uint32(max),
		"identical": identical,
		"hint":      uint32(hint),
		"pasid":     uint32(pasid),
	}, err)
	return pasid, err
}

// FreePASID releases a PASID. Freeing a PASID that isn't allocated is
// reported by the controller like any other failure.
func (b *Backend) FreePASID(pasid PASID) error {
	fd := b.FD()
	free := linux.IOMMUFreePASID{
		Size:  linux.SizeofIOMMUFreePASID,
		PASID: uint32(pasid),
	}
	err := invoke(b, fd, reqFreePASID, &free)
	if err != nil {
		err = b.fail(reqFreePASID, ErrRequestFailed, err)
	}
	b.tracer.trace("iommufd_backend_free_pasid", logrus.Fields{
		"fd":    fd,
		"pasid": uint32(pasid),
	}, err)
	return err
}
