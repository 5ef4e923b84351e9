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

// IOASID names an I/O address space. The controller never hands out 0.
type IOASID uint32

// HWPTID names a hardware page table. The controller never hands out 0.
type HWPTID uint32

// DeviceID names a device bound to the controller. Device ids are minted by
// VFIO when a device is bound to the iommufd and are only consumed here.
type DeviceID uint32

// PASID is a process address space identifier.
type PASID uint32

// EventFD is a controller-assigned file descriptor delivering page faults for
// a (device, hwpt) pair.
type EventFD int32

// ObjectID is an id that IOMMU_DESTROY can release: an IOAS or a HWPT.
type ObjectID interface {
	objectID() uint32
}

func (id IOASID) objectID() uint32 { return uint32(id) }
func (id HWPTID) objectID() uint32 { return uint32(id) }
