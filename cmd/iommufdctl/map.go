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

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gvisor.dev/iommufd/pkg/iommufd"
)

// Map implements subcommands.Command for the "map" command.
type Map struct {
	iova     uint64
	size     uint64
	readonly bool
	copy     bool

	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Map) Name() string {
	return "map"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Map) Synopsis() string {
	return "map anonymous memory into a new I/O address space"
}

// Usage implements subcommands.Command.Usage.
func (*Map) Usage() string {
	return `map [flags] - allocate an IOAS, map fresh anonymous memory at -iova, optionally
copy the mapping to a second IOAS, then unmap everything.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Map) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&m.iova, "iova", 0x100000, "I/O virtual address to map at.")
	f.Uint64Var(&m.size, "size", 1<<20, "number of bytes to map. Rounded up to the page size.")
	f.BoolVar(&m.readonly, "readonly", false, "map without device write access.")
	f.BoolVar(&m.copy, "copy", false, "also copy the mapping into a second IOAS.")
}

// Execute implements subcommands.Command.Execute.
func (m *Map) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || m.size == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	e := envFromArgs(args)
	out := outOrStdout(m.out)

	pageSize := uint64(unix.Getpagesize())
	size := (m.size + pageSize - 1) &^ (pageSize - 1)
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return Errorf("mmap of %d bytes: %v", size, err)
	}
	defer unix.Munmap(mem)

	b, release, err := e.connect()
	if err != nil {
		return Errorf("connecting: %v", err)
	}
	defer release()

	src, err := b.AllocIOAS()
	if err != nil {
		return Errorf("allocating IOAS: %v", err)
	}
	ids := []iommufd.IOASID{src}
	defer func() {
		for _, id := range ids {
			b.FreeID(id)
		}
	}()

	if err := b.MapDMA(src, m.iova, size, bytesAddr(mem), m.readonly); err != nil {
		return Errorf("mapping: %v", err)
	}
	fmt.Fprintf(out, "ioas %d: mapped [%#x, %#x) readonly=%t\n", src, m.iova, m.iova+size, m.readonly)

	if m.copy {
		dst, err := b.AllocIOAS()
		if err != nil {
			return Errorf("allocating copy IOAS: %v", err)
		}
		ids = append(ids, dst)
		if err := b.CopyDMA(src, dst, m.iova, size, m.readonly); err != nil {
			return Errorf("copying: %v", err)
		}
		fmt.Fprintf(out, "ioas %d: copied [%#x, %#x) from ioas %d\n", dst, m.iova, m.iova+size, src)
	}

	for _, id := range ids {
		if err := b.UnmapDMA(id, m.iova, size); err != nil {
			return Errorf("unmapping: %v", err)
		}
		fmt.Fprintf(out, "ioas %d: unmapped [%#x, %#x)\n", id, m.iova, m.iova+size)
	}
	return subcommands.ExitSuccess
}
