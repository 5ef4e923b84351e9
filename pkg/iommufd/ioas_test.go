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

package iommufd_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/iommufd/pkg/abi/linux"
	"gvisor.dev/iommufd/pkg/iommufd"
	"gvisor.dev/iommufd/pkg/iommufd/iommufdtest"
)

const hostVA = 0x7f0000000000

func connect(t *testing.T) (*iommufd.Backend, *iommufdtest.Device) {
	t.Helper()
	b, dev := newBackend(t)
	if err := b.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(b.Disconnect)
	return b, dev
}

func allocIOAS(t *testing.T, b *iommufd.Backend) iommufd.IOASID {
	t.Helper()
	id, err := b.AllocIOAS()
	if err != nil {
		t.Fatalf("AllocIOAS failed: %v", err)
	}
	if id == 0 {
		t.Fatalf("AllocIOAS returned id 0")
	}
	return id
}

func TestAllocIOASDistinct(t *testing.T) {
	b, dev := connect(t)
	a := allocIOAS(t, b)
	c, err := b.GetIOAS()
	if err != nil {
		t.Fatalf("GetIOAS failed: %v", err)
	}
	if a == c {
		t.Fatalf("two allocations returned the same id %d", a)
	}
	b.PutIOAS(c)
	b.FreeID(a)
	if got := dev.Objects(); got != 0 {
		t.Errorf("%d objects left after freeing all address spaces", got)
	}
}

func TestMapFlags(t *testing.T) {
	for _, tc := range []struct {
		name     string
		readonly bool
		want     uint32
	}{
		{
			name:     "readonly",
			readonly: true,
			want:     linux.IOMMU_IOAS_MAP_READABLE | linux.IOMMU_IOAS_MAP_FIXED_IOVA,
		},
		{
			name:     "writable",
			readonly: false,
			want:     linux.IOMMU_IOAS_MAP_READABLE | linux.IOMMU_IOAS_MAP_WRITEABLE | linux.IOMMU_IOAS_MAP_FIXED_IOVA,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b, dev := connect(t)
			ioas := allocIOAS(t, b)
			if err := b.MapDMA(ioas, 0x1000, 0x2000, hostVA, tc.readonly); err != nil {
				t.Fatalf("MapDMA failed: %v", err)
			}
			reqs := dev.MapRequests()
			if len(reqs) != 1 {
				t.Fatalf("got %d map requests, want 1", len(reqs))
			}
			got := reqs[0]
			if got.Flags != tc.want {
				t.Errorf("map flags = %#x, want %#x", got.Flags, tc.want)
			}
			if got.Size != linux.SizeofIOMMUIOASMap || got.IOASID != uint32(ioas) ||
				got.IOVA != 0x1000 || got.Length != 0x2000 || got.UserVA != hostVA {
				t.Errorf("map request = %+v, want fields taken verbatim from the call", got)
			}
		})
	}
}

func TestMapUnmapRoundTrip(t *testing.T) {
	b, dev := connect(t)
	ioas := allocIOAS(t, b)

	if err := b.MapDMA(ioas, 0x1000, 0x1000, hostVA, false); err != nil {
		t.Fatalf("MapDMA failed: %v", err)
	}
	if err := b.UnmapDMA(ioas, 0x1000, 0x1000); err != nil {
		t.Fatalf("UnmapDMA failed: %v", err)
	}
	if ms, _ := dev.Mappings(uint32(ioas)); len(ms) != 0 {
		t.Errorf("mappings left after round trip: %+v", ms)
	}

	err := b.UnmapDMA(ioas, 0x1000, 0x1000)
	if err == nil {
		t.Fatalf("second UnmapDMA succeeded")
	}
	if !errors.Is(err, iommufd.ErrUnmapFailed) || !errors.Is(err, unix.ENOENT) {
		t.Errorf("second UnmapDMA = %v, want ErrUnmapFailed with ENOENT", err)
	}
	if got, want := iommufd.Code(err), -int(unix.ENOENT); got != want {
		t.Errorf("Code(%v) = %d, want %d", err, got, want)
	}
}

func TestMapConflict(t *testing.T) {
	b, _ := connect(t)
	ioas := allocIOAS(t, b)
	if err := b.MapDMA(ioas, 0x1000, 0x2000, hostVA, false); err != nil {
		t.Fatalf("MapDMA failed: %v", err)
	}
	err := b.MapDMA(ioas, 0x2000, 0x1000, hostVA, false)
	if !errors.Is(err, iommufd.ErrMapFailed) || !errors.Is(err, unix.EEXIST) {
		t.Errorf("overlapping MapDMA = %v, want ErrMapFailed with EEXIST", err)
	}
}

func TestMapArgumentsPassedVerbatim(t *testing.T) {
	b, dev := connect(t)
	ioas := allocIOAS(t, b)

	// A zero-length mapping is not validated locally; the controller rejects
	// it.
	err := b.MapDMA(ioas, 0x1234, 0, hostVA, false)
	if !errors.Is(err, iommufd.ErrMapFailed) || !errors.Is(err, unix.EINVAL) {
		t.Errorf("zero-length MapDMA = %v, want ErrMapFailed with EINVAL", err)
	}
	reqs := dev.MapRequests()
	if len(reqs) != 1 || reqs[0].IOVA != 0x1234 || reqs[0].Length != 0 {
		t.Errorf("map requests = %+v, want one request with iova 0x1234 and length 0", reqs)
	}
}

func TestMapUnknownIOAS(t *testing.T) {
	b, _ := connect(t)
	err := b.MapDMA(iommufd.IOASID(42), 0, 0x1000, hostVA, false)
	var rerr *iommufd.RequestError
	if !errors.As(err, &rerr) {
		t.Fatalf("MapDMA = %v, want *RequestError", err)
	}
	if rerr.Request != "IOMMU_IOAS_MAP" || rerr.Errno != unix.ENOENT {
		t.Errorf("MapDMA = %+v, want IOMMU_IOAS_MAP ENOENT", rerr)
	}
	if rerr.Code() != -int(unix.ENOENT) {
		t.Errorf("Code() = %d, want %d", rerr.Code(), -int(unix.ENOENT))
	}
}

func TestCopyBetweenAddressSpaces(t *testing.T) {
	b, dev := connect(t)
	a := allocIOAS(t, b)
	c := allocIOAS(t, b)

	if err := b.MapDMA(a, 0x1000, 4096, hostVA, false); err != nil {
		t.Fatalf("MapDMA(A) = %v, want nil", err)
	}
	if err := b.CopyDMA(a, c, 0x1000, 4096, true); err != nil {
		t.Fatalf("CopyDMA(A->B) = %v, want nil", err)
	}
	got, _ := dev.Mappings(uint32(c))
	want := []iommufdtest.Mapping{{
		IOVA:   0x1000,
		Length: 4096,
		UserVA: hostVA,
		Flags:  linux.IOMMU_IOAS_MAP_READABLE | linux.IOMMU_IOAS_MAP_FIXED_IOVA,
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("B mappings after copy mismatch (-want +got):\n%s", diff)
	}

	if err := b.UnmapDMA(a, 0x1000, 4096); err != nil {
		t.Fatalf("UnmapDMA(A) = %v, want nil", err)
	}
	if err := b.UnmapDMA(c, 0x1000, 4096); err != nil {
		t.Fatalf("UnmapDMA(B) = %v, want nil", err)
	}
	for _, id := range []iommufd.IOASID{a, c} {
		if ms, ok := dev.Mappings(uint32(id)); !ok || len(ms) != 0 {
			t.Errorf("IOAS %d: mappings = %+v (exists=%t), want none", id, ms, ok)
		}
	}
}

func TestCopyMissingSource(t *testing.T) {
	b, _ := connect(t)
	a := allocIOAS(t, b)
	c := allocIOAS(t, b)
	err := b.CopyDMA(a, c, 0x1000, 4096, false)
	if !errors.Is(err, iommufd.ErrCopyFailed) || !errors.Is(err, unix.ENOENT) {
		t.Errorf("CopyDMA of unmapped range = %v, want ErrCopyFailed with ENOENT", err)
	}
}

func TestUnconnectedRequestsFail(t *testing.T) {
	b, _ := newBackend(t)

	id, err := b.AllocIOAS()
	if !errors.Is(err, iommufd.ErrRequestFailed) || !errors.Is(err, unix.EBADF) {
		t.Errorf("AllocIOAS on unconnected backend = %v, want ErrRequestFailed with EBADF", err)
	}
	if id != 0 {
		t.Errorf("AllocIOAS on unconnected backend returned id %d, want 0", id)
	}
	if _, err := b.AllocHWPT(iommufd.HWPTAllocOpts{Device: 1}); !errors.Is(err, unix.EBADF) {
		t.Errorf("AllocHWPT on unconnected backend = %v, want EBADF", err)
	}
	if _, err := b.AllocPASID(1, 10, false, 0); !errors.Is(err, unix.EBADF) {
		t.Errorf("AllocPASID on unconnected backend = %v, want EBADF", err)
	}
	if err := b.MapDMA(1, 0, 4096, hostVA, false); !errors.Is(err, unix.EBADF) {
		t.Errorf("MapDMA on unconnected backend = %v, want EBADF", err)
	}
	// Best effort: must not panic.
	b.FreeID(iommufd.IOASID(1))
}

func TestFreeIDIsBestEffort(t *testing.T) {
	b, dev := connect(t)
	a := allocIOAS(t, b)
	b.FreeID(a)
	// Double free is reported to the log only.
	b.FreeID(a)
	if got := dev.Objects(); got != 0 {
		t.Errorf("Objects() = %d, want 0", got)
	}
}
