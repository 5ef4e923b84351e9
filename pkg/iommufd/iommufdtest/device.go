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

// Package iommufdtest provides an in-memory IOMMU controller that honors the
// iommufd request contract. It lets consumers of package iommufd run without
// /dev/iommu.
package iommufdtest

import (
	"sort"
	"sync"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
	"gvisor.dev/iommufd/pkg/abi/linux"
)

const (
	// firstFD is the first descriptor handed out. It is well above what a
	// test process has open so emulated descriptors are easy to tell apart.
	firstFD = 1000

	// autoIOVABase is where mappings without IOMMU_IOAS_MAP_FIXED_IOVA are
	// placed.
	autoIOVABase = 1 << 32

	pageSize = 4096

	btreeDegree = 8
)

// Mapping is one area of an emulated address space.
type Mapping struct {
	IOVA   uint64
	Length uint64
	UserVA uint64
	Flags  uint32
}

func (m Mapping) end() uint64 { return m.IOVA + m.Length }

func mappingLess(a, b Mapping) bool { return a.IOVA < b.IOVA }

// HWPT describes an emulated hardware page table.
type HWPT struct {
	ID       uint32
	DevID    uint32
	Type     uint32
	ParentID uint32
	DataType uint32
	Data     []byte
}

// Event describes a registered page-fault event.
type Event struct {
	OutFD   int32
	DevID   uint32
	HWPTID  uint32
	EventFD int32
}

// ioas holds non-overlapping mappings ordered by IOVA.
type ioas struct {
	mappings *btree.BTreeG[Mapping]
}

func newIOAS() *ioas {
	return &ioas{mappings: btree.NewG[Mapping](btreeDegree, mappingLess)}
}

// containing returns the mapping that contains iova.
func (as *ioas) containing(iova uint64) (Mapping, bool) {
	var (
		found Mapping
		ok    bool
	)
	as.mappings.DescendLessOrEqual(Mapping{IOVA: iova}, func(m Mapping) bool {
		found, ok = m, iova < m.end()
		return false
	})
	return found, ok
}

// Device is an emulated IOMMU controller. It implements iommufd.Device. The
// zero value is not usable; use New.
type Device struct {
	mu sync.Mutex

	openErr error
	nextFD  int32
	// open holds descriptors accepted by Ioctl.
	open   map[int32]struct{}
	opens  int
	closes int

	nextID        uint32
	ioas          map[uint32]*ioas
	hwpts         map[uint32]*HWPT
	devices       map[uint32]struct{}
	pasids        map[uint32]struct{}
	events        map[int32]Event
	invalidations []linux.IOMMUHWPTInvalidateS1Cache
	responses     []linux.IOMMUHWPTPageResponse
	maps          []linux.IOMMUIOASMap
}

// New returns an emulated controller with no objects.
func New() *Device {
	return &Device{
		nextFD:  firstFD,
		open:    make(map[int32]struct{}),
		nextID:  1,
		ioas:    make(map[uint32]*ioas),
		hwpts:   make(map[uint32]*HWPT),
		devices: make(map[uint32]struct{}),
		pasids:  make(map[uint32]struct{}),
		events:  make(map[int32]Event),
	}
}

// SetOpenError makes subsequent Opens fail with err. A nil err restores
// normal behavior.
func (d *Device) SetOpenError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// External returns a new open descriptor that was not obtained through Open,
// standing in for a descriptor passed in by another process.
func (d *Device) External() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocFDLocked()
}

// AddDevice binds device id to the controller, as VFIO does on attach.
func (d *Device) AddDevice(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[id] = struct{}{}
}

// Opens returns the number of successful Open calls.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Closes returns the number of successful Close calls.
func (d *Device) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// IsOpen returns whether fd is an open controller descriptor.
func (d *Device) IsOpen(fd int32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.open[fd]
	return ok
}

// Objects returns the number of live IOAS and HWPT objects.
func (d *Device) Objects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ioas) + len(d.hwpts)
}

// Mappings returns the mappings of address space id ordered by IOVA, and
// whether the address space exists.
func (d *Device) Mappings(id uint32) ([]Mapping, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	as, ok := d.ioas[id]
	if !ok {
		return nil, false
	}
	ms := make([]Mapping, 0, as.mappings.Len())
	as.mappings.Ascend(func(m Mapping) bool {
		ms = append(ms, m)
		return true
	})
	return ms, true
}

// MapRequests returns the IOMMU_IOAS_MAP records received so far.
func (d *Device) MapRequests() []linux.IOMMUIOASMap {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]linux.IOMMUIOASMap(nil), d.maps...)
}

// HWPT returns the hardware page table id.
func (d *Device) HWPT(id uint32) (HWPT, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.hwpts[id]
	if !ok {
		return HWPT{}, false
	}
	return *h, true
}

// Events returns the registered page-fault events.
func (d *Device) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	var evs []Event
	for _, ev := range d.events {
		evs = append(evs, ev)
	}
	sort.Slice(evs, func(i, j int) bool { return evs[i].OutFD < evs[j].OutFD })
	return evs
}

// Invalidations returns the cache invalidation requests received so far.
func (d *Device) Invalidations() []linux.IOMMUHWPTInvalidateS1Cache {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]linux.IOMMUHWPTInvalidateS1Cache(nil), d.invalidations...)
}

// PageResponses returns the page responses received so far.
func (d *Device) PageResponses() []linux.IOMMUHWPTPageResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]linux.IOMMUHWPTPageResponse(nil), d.responses...)
}

// PASIDs returns the allocated PASIDs in increasing order.
func (d *Device) PASIDs() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ps []uint32
	for p := range d.pasids {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
	return ps
}

// Open implements iommufd.Device.Open.
func (d *Device) Open(path string) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return -1, d.openErr
	}
	d.opens++
	return d.allocFDLocked(), nil
}

// Close implements iommufd.Device.Close. Closing a fault descriptor returned
// by IOMMU_ADD_HWPT_EVENT unregisters the event; only controller closes are
// counted by Closes.
func (d *Device) Close(fd int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.events[fd]; ok {
		delete(d.events, fd)
		return nil
	}
	if _, ok := d.open[fd]; !ok {
		return unix.EBADF
	}
	delete(d.open, fd)
	d.closes++
	return nil
}

// Preconditions: d.mu is locked.
func (d *Device) allocFDLocked() int32 {
	fd := d.nextFD
	d.nextFD++
	d.open[fd] = struct{}{}
	return fd
}

// Preconditions: d.mu is locked.
func (d *Device) allocIDLocked() uint32 {
	id := d.nextID
	d.nextID++
	return id
}

// Preconditions: d.mu is locked.
func (d *Device) objectExistsLocked(id uint32) bool {
	if _, ok := d.ioas[id]; ok {
		return true
	}
	_, ok := d.hwpts[id]
	return ok
}

// Preconditions: d.mu is locked.
func (d *Device) hasChildrenLocked(id uint32) bool {
	for _, h := range d.hwpts {
		if h.ParentID == id {
			return true
		}
	}
	return false
}

func (d *Device) destroy(a *linux.IOMMUDestroy) error {
	if a.Size < linux.SizeofIOMMUDestroy {
		return unix.EINVAL
	}
	if !d.objectExistsLocked(a.ID) {
		return unix.ENOENT
	}
	if d.hasChildrenLocked(a.ID) {
		return unix.EBUSY
	}
	if _, ok := d.hwpts[a.ID]; ok {
		for fd, ev := range d.events {
			if ev.HWPTID == a.ID {
				delete(d.events, fd)
			}
		}
	}
	delete(d.ioas, a.ID)
	delete(d.hwpts, a.ID)
	return nil
}

func (d *Device) ioasAlloc(a *linux.IOMMUIOASAlloc) error {
	if a.Size < linux.SizeofIOMMUIOASAlloc {
		return unix.EINVAL
	}
	if a.Flags != 0 {
		return unix.EOPNOTSUPP
	}
	id := d.allocIDLocked()
	d.ioas[id] = newIOAS()
	a.OutIOASID = id
	return nil
}

const allMapFlags = linux.IOMMU_IOAS_MAP_FIXED_IOVA | linux.IOMMU_IOAS_MAP_WRITEABLE | linux.IOMMU_IOAS_MAP_READABLE

// checkMapFlags validates IOMMU_IOAS_MAP and IOMMU_IOAS_COPY flags.
func checkMapFlags(flags uint32) error {
	if flags&^allMapFlags != 0 {
		return unix.EOPNOTSUPP
	}
	if flags&(linux.IOMMU_IOAS_MAP_READABLE|linux.IOMMU_IOAS_MAP_WRITEABLE) == 0 {
		return unix.EINVAL
	}
	return nil
}

// insert adds an area of length bytes to as, at iova if fixed or at a free
// IOVA otherwise, and returns the IOVA used.
func (as *ioas) insert(iova, length, uva uint64, flags uint32) (uint64, error) {
	if length == 0 {
		return 0, unix.EINVAL
	}
	if flags&linux.IOMMU_IOAS_MAP_FIXED_IOVA == 0 {
		iova = autoIOVABase
		if last, ok := as.mappings.Max(); ok {
			if e := (last.end() + pageSize - 1) &^ (pageSize - 1); e > iova {
				iova = e
			}
		}
	}
	end := iova + length
	if end < iova {
		return 0, unix.EOVERFLOW
	}
	if _, ok := as.containing(iova); ok {
		return 0, unix.EEXIST
	}
	conflict := false
	as.mappings.AscendGreaterOrEqual(Mapping{IOVA: iova}, func(m Mapping) bool {
		conflict = m.IOVA < end
		return false
	})
	if conflict {
		return 0, unix.EEXIST
	}
	as.mappings.ReplaceOrInsert(Mapping{IOVA: iova, Length: length, UserVA: uva, Flags: flags})
	return iova, nil
}

func (d *Device) ioasMap(a *linux.IOMMUIOASMap) error {
	if a.Size < linux.SizeofIOMMUIOASMap {
		return unix.EINVAL
	}
	d.maps = append(d.maps, *a)
	if err := checkMapFlags(a.Flags); err != nil {
		return err
	}
	as, ok := d.ioas[a.IOASID]
	if !ok {
		return unix.ENOENT
	}
	iova, err := as.insert(a.IOVA, a.Length, a.UserVA, a.Flags)
	if err != nil {
		return err
	}
	a.IOVA = iova
	return nil
}

func (d *Device) ioasUnmap(a *linux.IOMMUIOASUnmap) error {
	if a.Size < linux.SizeofIOMMUIOASUnmap {
		return unix.EINVAL
	}
	as, ok := d.ioas[a.IOASID]
	if !ok {
		return unix.ENOENT
	}
	if a.Length == 0 {
		return unix.EINVAL
	}
	end := a.IOVA + a.Length
	if end < a.IOVA {
		return unix.EOVERFLOW
	}
	// Areas may only be unmapped whole.
	if m, ok := as.containing(a.IOVA); ok && m.IOVA < a.IOVA {
		return unix.EINVAL
	}
	var victims []Mapping
	partial := false
	as.mappings.AscendRange(Mapping{IOVA: a.IOVA}, Mapping{IOVA: end}, func(m Mapping) bool {
		if m.end() > end {
			partial = true
			return false
		}
		victims = append(victims, m)
		return true
	})
	if partial {
		return unix.EINVAL
	}
	if len(victims) == 0 {
		return unix.ENOENT
	}
	var unmapped uint64
	for _, m := range victims {
		as.mappings.Delete(m)
		unmapped += m.Length
	}
	a.Length = unmapped
	return nil
}

func (d *Device) ioasCopy(a *linux.IOMMUIOASCopy) error {
	if a.Size < linux.SizeofIOMMUIOASCopy {
		return unix.EINVAL
	}
	if err := checkMapFlags(a.Flags); err != nil {
		return err
	}
	src, ok := d.ioas[a.SrcIOASID]
	if !ok {
		return unix.ENOENT
	}
	dst, ok := d.ioas[a.DstIOASID]
	if !ok {
		return unix.ENOENT
	}
	if a.Length == 0 {
		return unix.EINVAL
	}
	m, ok := src.containing(a.SrcIOVA)
	if !ok || a.SrcIOVA+a.Length > m.end() {
		return unix.ENOENT
	}
	uva := m.UserVA + (a.SrcIOVA - m.IOVA)
	iova, err := dst.insert(a.DstIOVA, a.Length, uva, a.Flags)
	if err != nil {
		return err
	}
	a.DstIOVA = iova
	return nil
}

func (d *Device) allocHWPT(a *linux.IOMMUAllocHWPT, data []byte) error {
	if a.Size < linux.SizeofIOMMUAllocHWPT {
		return unix.EINVAL
	}
	if _, ok := d.devices[a.DevID]; !ok {
		return unix.ENOENT
	}
	if a.ParentID != 0 && !d.objectExistsLocked(a.ParentID) {
		return unix.ENOENT
	}
	if a.DataType == linux.IOMMU_HWPT_DATA_NONE && a.DataLen != 0 {
		return unix.EINVAL
	}
	if a.DataLen != 0 && a.DataUptr == 0 {
		return unix.EFAULT
	}
	id := d.allocIDLocked()
	d.hwpts[id] = &HWPT{
		ID:       id,
		DevID:    a.DevID,
		Type:     a.HWPTType,
		ParentID: a.ParentID,
		DataType: a.DataType,
		Data:     append([]byte(nil), data...),
	}
	a.OutHWPTID = id
	return nil
}

func (d *Device) addHWPTEvent(a *linux.IOMMUAddHWPTEvent) error {
	if a.Size < linux.SizeofIOMMUAddHWPTEvent {
		return unix.EINVAL
	}
	if a.Type != linux.IOMMU_HWPT_EVENT_FAULT || a.Flags != 0 {
		return unix.EOPNOTSUPP
	}
	h, ok := d.hwpts[a.HWPTID]
	if !ok {
		return unix.ENOENT
	}
	if h.DevID != a.DevID {
		return unix.EINVAL
	}
	if a.EventFD < 0 {
		return unix.EBADF
	}
	for _, ev := range d.events {
		if ev.DevID == a.DevID && ev.HWPTID == a.HWPTID {
			return unix.EEXIST
		}
	}
	out := d.nextFD
	d.nextFD++
	d.events[out] = Event{OutFD: out, DevID: a.DevID, HWPTID: a.HWPTID, EventFD: a.EventFD}
	a.OutFD = out
	return nil
}

func (d *Device) invalidateS1Cache(a *linux.IOMMUHWPTInvalidateS1Cache) error {
	if a.Size < linux.SizeofIOMMUHWPTInvalidateS1Cache {
		return unix.EINVAL
	}
	if _, ok := d.hwpts[a.HWPTID]; !ok {
		return unix.ENOENT
	}
	const allCaches = linux.IOMMU_CACHE_INV_TYPE_IOTLB | linux.IOMMU_CACHE_INV_TYPE_DEV_IOTLB | linux.IOMMU_CACHE_INV_TYPE_PASID
	info := &a.Info
	if info.Version != linux.IOMMU_CACHE_INVALIDATE_INFO_VERSION_1 ||
		info.Cache&^allCaches != 0 ||
		info.Granularity > linux.IOMMU_INV_GRANU_ADDR {
		return unix.EINVAL
	}
	d.invalidations = append(d.invalidations, *a)
	return nil
}

func (d *Device) pageResponse(a *linux.IOMMUHWPTPageResponse) error {
	if a.Size < linux.SizeofIOMMUHWPTPageResponse {
		return unix.EINVAL
	}
	h, ok := d.hwpts[a.HWPTID]
	if !ok {
		return unix.ENOENT
	}
	if h.DevID != a.DevID {
		return unix.EINVAL
	}
	if a.Resp.Version != linux.IOMMU_PAGE_RESP_VERSION_1 || a.Resp.Code > linux.IOMMU_PAGE_RESP_FAILURE {
		return unix.EINVAL
	}
	d.responses = append(d.responses, *a)
	return nil
}

func (d *Device) allocPASID(a *linux.IOMMUAllocPASID) error {
	if a.Size < linux.SizeofIOMMUAllocPASID {
		return unix.EINVAL
	}
	if a.Flags&^linux.IOMMU_ALLOC_PASID_IDENTICAL != 0 {
		return unix.EOPNOTSUPP
	}
	lo, hi := a.Range.Min, a.Range.Max
	if lo > hi {
		return unix.EINVAL
	}
	if a.Flags&linux.IOMMU_ALLOC_PASID_IDENTICAL != 0 {
		if _, ok := d.pasids[lo]; ok {
			return unix.EBUSY
		}
		d.pasids[lo] = struct{}{}
		a.PASID = lo
		return nil
	}
	if hint := a.PASID; hint >= lo && hint <= hi {
		if _, ok := d.pasids[hint]; !ok {
			d.pasids[hint] = struct{}{}
			return nil
		}
	}
	for p := uint64(lo); p <= uint64(hi); p++ {
		if _, ok := d.pasids[uint32(p)]; !ok {
			d.pasids[uint32(p)] = struct{}{}
			a.PASID = uint32(p)
			return nil
		}
	}
	return unix.ENOSPC
}

func (d *Device) freePASID(a *linux.IOMMUFreePASID) error {
	if a.Size < linux.SizeofIOMMUFreePASID {
		return unix.EINVAL
	}
	if _, ok := d.pasids[a.PASID]; !ok {
		return unix.ENOENT
	}
	delete(d.pasids, a.PASID)
	return nil
}
