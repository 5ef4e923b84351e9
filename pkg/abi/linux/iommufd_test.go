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

import (
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
)

func TestIOMMUStructSizes(t *testing.T) {
	for _, tc := range []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"iommu_destroy", unsafe.Sizeof(IOMMUDestroy{}), SizeofIOMMUDestroy},
		{"iommu_ioas_alloc", unsafe.Sizeof(IOMMUIOASAlloc{}), SizeofIOMMUIOASAlloc},
		{"iommu_ioas_map", unsafe.Sizeof(IOMMUIOASMap{}), SizeofIOMMUIOASMap},
		{"iommu_ioas_unmap", unsafe.Sizeof(IOMMUIOASUnmap{}), SizeofIOMMUIOASUnmap},
		{"iommu_ioas_copy", unsafe.Sizeof(IOMMUIOASCopy{}), SizeofIOMMUIOASCopy},
		{"iommu_alloc_hwpt", unsafe.Sizeof(IOMMUAllocHWPT{}), SizeofIOMMUAllocHWPT},
		{"iommu_hwpt_vtd_s1", unsafe.Sizeof(IOMMUHWPTVTDS1{}), SizeofIOMMUHWPTVTDS1},
		{"iommu_add_hwpt_event", unsafe.Sizeof(IOMMUAddHWPTEvent{}), SizeofIOMMUAddHWPTEvent},
		{"iommu_alloc_pasid", unsafe.Sizeof(IOMMUAllocPASID{}), SizeofIOMMUAllocPASID},
		{"iommu_free_pasid", unsafe.Sizeof(IOMMUFreePASID{}), SizeofIOMMUFreePASID},
		{"iommu_cache_invalidate_info", unsafe.Sizeof(IOMMUCacheInvalidateInfo{}), SizeofIOMMUCacheInvalidateInfo},
		{"iommu_hwpt_invalidate_s1_cache", unsafe.Sizeof(IOMMUHWPTInvalidateS1Cache{}), SizeofIOMMUHWPTInvalidateS1Cache},
		{"iommu_page_response", unsafe.Sizeof(IOMMUPageResponse{}), SizeofIOMMUPageResponse},
		{"iommu_hwpt_page_response", unsafe.Sizeof(IOMMUHWPTPageResponse{}), SizeofIOMMUHWPTPageResponse},
	} {
		if tc.got != tc.want {
			t.Errorf("sizeof(struct %s) = %d, want %d", tc.name, tc.got, tc.want)
		}
	}
}

func TestIOMMUFieldOffsets(t *testing.T) {
	var (
		m   IOMMUIOASMap
		c   IOMMUIOASCopy
		h   IOMMUAllocHWPT
		inv IOMMUHWPTInvalidateS1Cache
		pr  IOMMUHWPTPageResponse
	)
	for _, tc := range []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"iommu_ioas_map.user_va", unsafe.Offsetof(m.UserVA), 16},
		{"iommu_ioas_map.iova", unsafe.Offsetof(m.IOVA), 32},
		{"iommu_ioas_copy.length", unsafe.Offsetof(c.Length), 16},
		{"iommu_ioas_copy.src_iova", unsafe.Offsetof(c.SrcIOVA), 32},
		{"iommu_alloc_hwpt.data_uptr", unsafe.Offsetof(h.DataUptr), 32},
		{"iommu_alloc_hwpt.out_hwpt_id", unsafe.Offsetof(h.OutHWPTID), 40},
		{"iommu_hwpt_invalidate_s1_cache.info", unsafe.Offsetof(inv.Info), 16},
		{"iommu_cache_invalidate_info.granu", unsafe.Offsetof(inv.Info.Granu), 16},
		{"iommu_hwpt_page_response.resp", unsafe.Offsetof(pr.Resp), 16},
	} {
		if tc.got != tc.want {
			t.Errorf("offsetof(%s) = %d, want %d", tc.name, tc.got, tc.want)
		}
	}
}

func TestIOMMURequestNumbers(t *testing.T) {
	got := map[string]uint32{
		"IOMMU_DESTROY":    IOMMU_DESTROY,
		"IOMMU_IOAS_ALLOC": IOMMU_IOAS_ALLOC,
		"IOMMU_IOAS_COPY":  IOMMU_IOAS_COPY,
		"IOMMU_IOAS_MAP":   IOMMU_IOAS_MAP,
		"IOMMU_IOAS_UNMAP": IOMMU_IOAS_UNMAP,
	}
	want := map[string]uint32{
		"IOMMU_DESTROY":    0x3b80,
		"IOMMU_IOAS_ALLOC": 0x3b81,
		"IOMMU_IOAS_COPY":  0x3b83,
		"IOMMU_IOAS_MAP":   0x3b85,
		"IOMMU_IOAS_UNMAP": 0x3b86,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("iommufd request numbers mismatch (-want +got):\n%s", diff)
	}
	for name, cmd := range got {
		if IOCType(cmd) != IOMMUFD_TYPE || IOCDir(cmd) != _IOC_NONE || IOCSize(cmd) != 0 {
			t.Errorf("%s = %#x is not an _IO(IOMMUFD_TYPE, nr) request", name, cmd)
		}
	}
}

func TestCacheInvalidateGranu(t *testing.T) {
	var info IOMMUCacheInvalidateInfo
	addr := IOMMUInvAddrInfo{
		Flags:       IOMMU_INV_ADDR_FLAGS_PASID | IOMMU_INV_ADDR_FLAGS_LEAF,
		ArchID:      3,
		PASID:       7,
		Addr:        0x1000,
		GranuleSize: 4096,
		NbGranules:  2,
	}
	info.SetAddrInfo(addr)
	if diff := cmp.Diff(addr, info.AddrInfo()); diff != "" {
		t.Errorf("addr_info mismatch (-want +got):\n%s", diff)
	}

	pasid := IOMMUInvPASIDInfo{PASID: 9, ArchID: 1, Flags: IOMMU_INV_PASID_FLAGS_PASID}
	info.SetPASIDInfo(pasid)
	if diff := cmp.Diff(pasid, info.PASIDInfo()); diff != "" {
		t.Errorf("pasid_info mismatch (-want +got):\n%s", diff)
	}
	// The pasid member is shorter than the addr member; the tail must not
	// carry stale addr_info bytes.
	for i, b := range info.Granu[16:] {
		if b != 0 {
			t.Fatalf("granu[%d] = %#x after SetPASIDInfo, want 0", 16+i, b)
		}
	}
}

func TestVTDS1Payload(t *testing.T) {
	in := IOMMUHWPTVTDS1{
		Flags:     IOMMU_VTD_S1_SRE | IOMMU_VTD_S1_WPE,
		PgtblAddr: 0xabcd000,
		AddrWidth: 48,
	}
	buf := in.MarshalBytes()
	if len(buf) != SizeofIOMMUHWPTVTDS1 {
		t.Fatalf("MarshalBytes returned %d bytes, want %d", len(buf), SizeofIOMMUHWPTVTDS1)
	}
	var out IOMMUHWPTVTDS1
	out.UnmarshalBytes(buf)
	if out.Flags != in.Flags || out.PgtblAddr != in.PgtblAddr || out.AddrWidth != in.AddrWidth {
		t.Errorf("UnmarshalBytes(MarshalBytes(%+v)) = %+v", in, out)
	}
}
