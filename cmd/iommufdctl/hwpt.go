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

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/iommufd/pkg/abi/linux"
	"gvisor.dev/iommufd/pkg/eventfd"
	"gvisor.dev/iommufd/pkg/iommufd"
)

// HWPT implements subcommands.Command for the "hwpt" command.
type HWPT struct {
	dev       uint
	pgtbl     uint64
	addrWidth uint
	pasid     uint
	wait      time.Duration

	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*HWPT) Name() string {
	return "hwpt"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*HWPT) Synopsis() string {
	return "exercise a nested VT-d stage-1 hardware page table"
}

// Usage implements subcommands.Command.Usage.
func (*HWPT) Usage() string {
	return `hwpt [flags] - allocate a stage-1 page table for device -dev nested under a new
IOAS, register for its page faults, invalidate its caches, and free it. With
-wait, wait that long for a fault and answer it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (h *HWPT) SetFlags(f *flag.FlagSet) {
	f.UintVar(&h.dev, "dev", 1, "iommufd device id, as returned by VFIO_DEVICE_BIND_IOMMUFD.")
	f.Uint64Var(&h.pgtbl, "pgtbl", 0, "guest physical address of the stage-1 page table.")
	f.UintVar(&h.addrWidth, "addr-width", 48, "stage-1 address width in bits.")
	f.UintVar(&h.pasid, "pasid", 0, "PASID scoping the cache invalidation; 0 invalidates the whole domain.")
	f.DurationVar(&h.wait, "wait", 0, "how long to wait for a page fault.")
}

// Execute implements subcommands.Command.Execute.
func (h *HWPT) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	e := envFromArgs(args)
	out := outOrStdout(h.out)
	dev := iommufd.DeviceID(h.dev)
	if e.emulated != nil {
		e.emulated.AddDevice(uint32(dev))
	}

	b, release, err := e.connect()
	if err != nil {
		return Errorf("connecting: %v", err)
	}
	defer release()

	ioas, err := b.AllocIOAS()
	if err != nil {
		return Errorf("allocating IOAS: %v", err)
	}
	defer b.FreeID(ioas)

	s1 := linux.IOMMUHWPTVTDS1{
		PgtblAddr: h.pgtbl,
		AddrWidth: uint32(h.addrWidth),
	}
	hwpt, err := b.AllocHWPT(iommufd.HWPTAllocOpts{
		Device:   dev,
		Type:     linux.IOMMU_HWPT_TYPE_VTD_S1,
		Parent:   ioas,
		DataType: linux.IOMMU_HWPT_DATA_VTD_S1,
		Data:     s1.MarshalBytes(),
	})
	if err != nil {
		return Errorf("allocating HWPT: %v", err)
	}
	// Freed before its parent IOAS.
	defer b.FreeID(hwpt)
	fmt.Fprintf(out, "hwpt %d: nested under ioas %d for device %d\n", hwpt, ioas, dev)

	trigger, err := eventfd.Create()
	if err != nil {
		return Errorf("%v", err)
	}
	defer trigger.Close()
	faults, err := b.AddHWPTEvent(dev, hwpt, int32(trigger.FD()))
	if err != nil {
		return Errorf("registering fault event: %v", err)
	}
	defer func() {
		if err := e.dev.Close(int32(faults)); err != nil {
			debugLog.Warningf("closing fault descriptor %d: %v", faults, err)
		}
	}()
	fmt.Fprintf(out, "hwpt %d: faults on descriptor %d\n", hwpt, faults)

	info := linux.IOMMUCacheInvalidateInfo{
		ArgSz:   linux.SizeofIOMMUCacheInvalidateInfo,
		Version: linux.IOMMU_CACHE_INVALIDATE_INFO_VERSION_1,
		Cache:   linux.IOMMU_CACHE_INV_TYPE_IOTLB | linux.IOMMU_CACHE_INV_TYPE_DEV_IOTLB | linux.IOMMU_CACHE_INV_TYPE_PASID,
	}
	if h.pasid != 0 {
		info.Granularity = linux.IOMMU_INV_GRANU_PASID
		info.SetPASIDInfo(linux.IOMMUInvPASIDInfo{
			PASID: uint64(h.pasid),
			Flags: linux.IOMMU_INV_PASID_FLAGS_PASID,
		})
	} else {
		info.Granularity = linux.IOMMU_INV_GRANU_DOMAIN
	}
	if err := b.InvalidateCache(hwpt, &info); err != nil {
		return Errorf("invalidating caches: %v", err)
	}
	fmt.Fprintf(out, "hwpt %d: caches invalidated\n", hwpt)

	if h.wait <= 0 {
		return subcommands.ExitSuccess
	}
	n, ok, err := trigger.ReadTimeout(h.wait)
	if err != nil {
		return Errorf("waiting for faults: %v", err)
	}
	if !ok {
		fmt.Fprintf(out, "hwpt %d: no fault within %v\n", hwpt, h.wait)
		return subcommands.ExitSuccess
	}
	// Fault records aren't decoded; answer the pending group as failed so
	// the device doesn't stall.
	resp := linux.IOMMUPageResponse{
		ArgSz:   linux.SizeofIOMMUPageResponse,
		Version: linux.IOMMU_PAGE_RESP_VERSION_1,
		Code:    linux.IOMMU_PAGE_RESP_FAILURE,
	}
	if err := b.PageResponse(hwpt, dev, &resp); err != nil {
		return Errorf("responding to fault: %v", err)
	}
	fmt.Fprintf(out, "hwpt %d: %d fault(s) answered\n", hwpt, n)
	return subcommands.ExitSuccess
}
