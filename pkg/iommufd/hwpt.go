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
	"runtime"

	"github.com/sirupsen/logrus"
	"gvisor.dev/iommufd/pkg/abi/linux"
)

// HWPTAllocOpts describes a hardware page table to allocate.
type HWPTAllocOpts struct {
	// Flags are passed through to the controller.
	Flags uint32

	// Device is the device the page table is bound to.
	Device DeviceID

	// Type is one of linux.IOMMU_HWPT_TYPE_*.
	Type uint32

	// Parent is the IOAS or HWPT the new page table nests under, or nil.
	Parent ObjectID

	// DataType is one of linux.IOMMU_HWPT_DATA_* and tells the controller how
	// to interpret Data.
	DataType uint32

	// Data is the format-specific payload, e.g. an encoded
	// linux.IOMMUHWPTVTDS1. It is passed through verbatim.
	Data []byte
}

// AllocHWPT allocates a hardware page table. The returned id must be
// released with FreeID.
func (b *Backend) AllocHWPT(opts HWPTAllocOpts) (HWPTID, error) {
	fd := b.FD()
	var parent uint32
	if opts.Parent != nil {
		parent = opts.Parent.objectID()
	}
	alloc := linux.IOMMUAllocHWPT{
		Size:     linux.SizeofIOMMUAllocHWPT,
		Flags:    opts.Flags,
		DevID:    uint32(opts.Device),
		HWPTType: opts.Type,
		ParentID: parent,
		DataType: opts.DataType,
		DataLen:  uint32(len(opts.Data)),
		DataUptr: bytesAddr(opts.Data),
	}
	err := invoke(b, fd, reqAllocHWPT, &alloc)
	runtime.KeepAlive(opts.Data)
	var id HWPTID
	if err != nil {
		err = b.fail(reqAllocHWPT, ErrRequestFailed, err)
	} else {
		id = HWPTID(alloc.OutHWPTID)
	}
	b.tracer.trace("iommufd_backend_alloc_hwpt", logrus.Fields{
		"fd":        fd,
		"flags":     opts.Flags,
		"dev_id":    alloc.DevID,
		"hwpt_type": opts.Type,
		"parent":    parent,
		"data_type": opts.DataType,
		"data_len":  alloc.DataLen,
		"hwpt":      uint32(id),
	}, err)
	return id, err
}

// AddHWPTEvent registers trigger, an eventfd, to be signalled on page faults
// of (dev, hwpt). It returns the descriptor from which faults are read.
func (b *Backend) AddHWPTEvent(dev DeviceID, hwpt HWPTID, trigger int32) (EventFD, error) {
	fd := b.FD()
	add := linux.IOMMUAddHWPTEvent{
		Size:    linux.SizeofIOMMUAddHWPTEvent,
		Type:    linux.IOMMU_HWPT_EVENT_FAULT,
		DevID:   uint32(dev),
		HWPTID:  uint32(hwpt),
		EventFD: trigger,
		OutFD:   -1,
	}
	err := invoke(b, fd, reqAddHWPTEvent, &add)
	out := EventFD(-1)
	if err != nil {
		err = b.fail(reqAddHWPTEvent, ErrRequestFailed, err)
	} else {
		out = EventFD(add.OutFD)
	}
	b.tracer.trace("iommufd_backend_add_hwpt_event", logrus.Fields{
		"fd":      fd,
		"type":    add.Type,
		"dev_id":  add.DevID,
		"hwpt":    add.HWPTID,
		"eventfd": trigger,
		"out_fd":  int32(out),
	}, err)
	return out, err
}

// InvalidateCache flushes the stage-1 translation caches of hwpt as scoped by
// info, which is passed through verbatim.
func (b *Backend) InvalidateCache(hwpt HWPTID, info *linux.IOMMUCacheInvalidateInfo) error {
	fd := b.FD()
	cache := linux.IOMMUHWPTInvalidateS1Cache{
		Size:   linux.SizeofIOMMUHWPTInvalidateS1Cache,
		HWPTID: uint32(hwpt),
		Info:   *info,
	}
	err := invoke(b, fd, reqInvalS1Cache, &cache)
	if err != nil {
		err = b.fail(reqInvalS1Cache, ErrRequestFailed, err)
	}
	b.tracer.trace("iommufd_backend_invalidate_cache", logrus.Fields{
		"fd":   fd,
		"hwpt": cache.HWPTID,
	}, err)
	return err
}

// PageResponse resolves a page fault previously reported for (hwpt, dev).
func (b *Backend) PageResponse(hwpt HWPTID, dev DeviceID, resp *linux.IOMMUPageResponse) error {
	fd := b.FD()
	page := linux.IOMMUHWPTPageResponse{
		Size:   linux.SizeofIOMMUHWPTPageResponse,
		HWPTID: uint32(hwpt),
		DevID:  uint32(dev),
		Resp:   *resp,
	}
	err := invoke(b, fd, reqPageResponse, &page)
	if err != nil {
		err = b.fail(reqPageResponse, ErrRequestFailed, err)
	}
	b.tracer.trace("iommufd_backend_page_response", logrus.Fields{
		"fd":     fd,
		"hwpt":   page.HWPTID,
		"dev_id": page.DevID,
	}, err)
	return err
}
