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
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/iommufd/pkg/abi/linux"
)

func openIOAS(t *testing.T) (*Device, int32, uint32) {
	t.Helper()
	d := New()
	fd, err := d.Open(linux.IOMMUDevicePath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	alloc := linux.IOMMUIOASAlloc{Size: linux.SizeofIOMMUIOASAlloc}
	if err := d.Ioctl(fd, linux.IOMMU_IOAS_ALLOC, unsafe.Pointer(&alloc)); err != nil {
		t.Fatalf("IOMMU_IOAS_ALLOC: %v", err)
	}
	return d, fd, alloc.OutIOASID
}

func mapArea(d *Device, fd int32, ioas uint32, iova, length uint64, flags uint32) (uint64, error) {
	m := linux.IOMMUIOASMap{
		Size:   linux.SizeofIOMMUIOASMap,
		Flags:  flags,
		IOASID: ioas,
		UserVA: 0x7f0000000000,
		IOVA:   iova,
		Length: length,
	}
	err := d.Ioctl(fd, linux.IOMMU_IOAS_MAP, unsafe.Pointer(&m))
	return m.IOVA, err
}

func unmapArea(d *Device, fd int32, ioas uint32, iova, length uint64) (uint64, error) {
	u := linux.IOMMUIOASUnmap{
		Size:   linux.SizeofIOMMUIOASUnmap,
		IOASID: ioas,
		IOVA:   iova,
		Length: length,
	}
	err := d.Ioctl(fd, linux.IOMMU_IOAS_UNMAP, unsafe.Pointer(&u))
	return u.Length, err
}

const rwFixed = linux.IOMMU_IOAS_MAP_READABLE | linux.IOMMU_IOAS_MAP_WRITEABLE | linux.IOMMU_IOAS_MAP_FIXED_IOVA

func TestMapOverlap(t *testing.T) {
	d, fd, ioas := openIOAS(t)
	if _, err := mapArea(d, fd, ioas, 0x2000, 0x2000, rwFixed); err != nil {
		t.Fatalf("map: %v", err)
	}
	for _, tc := range []struct {
		name   string
		iova   uint64
		length uint64
		want   error
	}{
		{"before", 0x1000, 0x1000, nil},
		{"after", 0x4000, 0x1000, nil},
		{"overlaps start", 0x0, 0x3000, unix.EEXIST},
		{"overlaps end", 0x3000, 0x2000, unix.EEXIST},
		{"inside", 0x2800, 0x100, unix.EEXIST},
		{"covers", 0x0, 0x10000, unix.EEXIST},
		{"wraps", ^uint64(0) - 0xfff, 0x2000, unix.EOVERFLOW},
	} {
		if _, err := mapArea(d, fd, ioas, tc.iova, tc.length, rwFixed); err != tc.want {
			t.Errorf("%s: map [%#x, +%#x) = %v, want %v", tc.name, tc.iova, tc.length, err, tc.want)
		}
	}
}

func TestMapAutoIOVA(t *testing.T) {
	d, fd, ioas := openIOAS(t)
	const flags = linux.IOMMU_IOAS_MAP_READABLE
	first, err := mapArea(d, fd, ioas, 0x1234, 0x100, flags)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	second, err := mapArea(d, fd, ioas, 0, 0x1000, flags)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if first != autoIOVABase || second != autoIOVABase+pageSize {
		t.Errorf("auto IOVAs = %#x, %#x, want %#x, %#x", first, second, autoIOVABase, autoIOVABase+pageSize)
	}
}

func TestUnmapWholeAreas(t *testing.T) {
	d, fd, ioas := openIOAS(t)
	for _, iova := range []uint64{0x1000, 0x2000, 0x4000} {
		if _, err := mapArea(d, fd, ioas, iova, 0x1000, rwFixed); err != nil {
			t.Fatalf("map %#x: %v", iova, err)
		}
	}

	if _, err := unmapArea(d, fd, ioas, 0x1800, 0x1000); err != unix.EINVAL {
		t.Errorf("unmap splitting an area = %v, want EINVAL", err)
	}
	if _, err := unmapArea(d, fd, ioas, 0x1000, 0x1800); err != unix.EINVAL {
		t.Errorf("unmap of a partial trailing area = %v, want EINVAL", err)
	}
	n, err := unmapArea(d, fd, ioas, 0x0, 0x3000)
	if err != nil || n != 0x2000 {
		t.Errorf("unmap [0, 0x3000) = (%#x, %v), want (0x2000, nil)", n, err)
	}
	if _, err := unmapArea(d, fd, ioas, 0x0, 0x3000); err != unix.ENOENT {
		t.Errorf("second unmap = %v, want ENOENT", err)
	}

	got, _ := d.Mappings(ioas)
	want := []Mapping{{IOVA: 0x4000, Length: 0x1000, UserVA: 0x7f0000000000, Flags: rwFixed}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestIoctlBadDescriptor(t *testing.T) {
	d := New()
	alloc := linux.IOMMUIOASAlloc{Size: linux.SizeofIOMMUIOASAlloc}
	if err := d.Ioctl(-1, linux.IOMMU_IOAS_ALLOC, unsafe.Pointer(&alloc)); err != unix.EBADF {
		t.Errorf("ioctl on -1 = %v, want EBADF", err)
	}
	fd, _ := d.Open(linux.IOMMUDevicePath)
	if err := d.Ioctl(fd, linux.IO(linux.IOMMUFD_TYPE, 0xff), unsafe.Pointer(&alloc)); err != unix.ENOTTY {
		t.Errorf("unknown request = %v, want ENOTTY", err)
	}
	if err := d.Close(fd); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Close(fd); err != unix.EBADF {
		t.Errorf("second Close = %v, want EBADF", err)
	}
}

func TestAllocHWPTCopiesPayload(t *testing.T) {
	mem, err := unix.Mmap(-1, 0, unix.Getpagesize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	defer unix.Munmap(mem)

	for _, tc := range []struct {
		name    string
		payload []byte
	}{
		{name: "heap", payload: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{name: "mmap", payload: mem[:8]},
	} {
		t.Run(tc.name, func(t *testing.T) {
			copy(tc.payload, []byte{8, 7, 6, 5, 4, 3, 2, 1})
			d, fd, ioas := openIOAS(t)
			d.AddDevice(3)
			alloc := linux.IOMMUAllocHWPT{
				Size:     linux.SizeofIOMMUAllocHWPT,
				DevID:    3,
				HWPTType: linux.IOMMU_HWPT_TYPE_VTD_S1,
				ParentID: ioas,
				DataType: linux.IOMMU_HWPT_DATA_VTD_S1,
				DataLen:  uint32(len(tc.payload)),
				DataUptr: uint64(uintptr(unsafe.Pointer(&tc.payload[0]))),
			}
			if err := d.Ioctl(fd, linux.IOMMU_ALLOC_HWPT, unsafe.Pointer(&alloc)); err != nil {
				t.Fatalf("IOMMU_ALLOC_HWPT: %v", err)
			}
			want := append([]byte(nil), tc.payload...)
			// The controller keeps its own copy.
			tc.payload[0] = 0
			h, ok := d.HWPT(alloc.OutHWPTID)
			if !ok {
				t.Fatalf("hwpt %d not allocated", alloc.OutHWPTID)
			}
			if diff := cmp.Diff(want, h.Data); diff != "" {
				t.Errorf("hwpt data mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
