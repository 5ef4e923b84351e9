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
	"os"
	"strconv"
	"testing"

	"gvisor.dev/iommufd/pkg/iommufd"
)

func TestNumericFDResolver(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe failed: %v", err)
	}
	defer w.Close()
	open := int32(r.Fd())

	if got, err := (iommufd.NumericFDResolver{}).ResolveFD(strconv.Itoa(int(open))); err != nil || got != open {
		t.Errorf("ResolveFD(%d) = (%d, %v), want (%d, nil)", open, got, err, open)
	}

	closed := strconv.Itoa(int(open))
	r.Close()
	for _, ref := range []string{"abc", "-1", "", "99999999999", closed} {
		if fd, err := (iommufd.NumericFDResolver{}).ResolveFD(ref); err == nil {
			t.Errorf("ResolveFD(%q) = %d, want error", ref, fd)
		}
	}
}

func TestFDTableAdd(t *testing.T) {
	var fds iommufd.FDTable
	for _, name := range []string{"", "0iommu", "7"} {
		if _, _, err := fds.Add(name, 3); err == nil {
			t.Errorf("Add(%q) succeeded, want error", name)
		}
	}
	if _, replaced, err := fds.Add("iommu", 3); err != nil || replaced {
		t.Fatalf("Add(iommu, 3) = (replaced %t, %v), want (false, nil)", replaced, err)
	}
	old, replaced, err := fds.Add("iommu", 4)
	if err != nil || !replaced || old != 3 {
		t.Errorf("Add(iommu, 4) = (%d, %t, %v), want (3, true, nil)", old, replaced, err)
	}
	if fd, ok := fds.Remove("iommu"); !ok || fd != 4 {
		t.Errorf("Remove(iommu) = (%d, %t), want (4, true)", fd, ok)
	}
	if _, ok := fds.Remove("iommu"); ok {
		t.Errorf("second Remove(iommu) found an entry")
	}
}

type fixedResolver int32

func (f fixedResolver) ResolveFD(string) (int32, error) { return int32(f), nil }

func TestFDTableResolve(t *testing.T) {
	fds := iommufd.FDTable{Fallback: fixedResolver(42)}
	if _, _, err := fds.Add("iommu", 9); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// Resolving a name transfers ownership: the entry is consumed.
	if fd, err := fds.ResolveFD("iommu"); err != nil || fd != 9 {
		t.Errorf("ResolveFD(iommu) = (%d, %v), want (9, nil)", fd, err)
	}
	if fd, err := fds.ResolveFD("iommu"); err == nil {
		t.Errorf("second ResolveFD(iommu) = %d, want error", fd)
	}
	if fd, err := fds.ResolveFD("12"); err != nil || fd != 42 {
		t.Errorf("ResolveFD(12) = (%d, %v), want the fallback's (42, nil)", fd, err)
	}
}
