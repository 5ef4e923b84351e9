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
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gvisor.dev/iommufd/pkg/iommufd"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	users      int
	iterations int
	size       uint64

	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "share one controller handle between many concurrent users"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - start -users goroutines that each connect to one shared backend,
map and unmap -iterations times in a private IOAS, and disconnect.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.users, "users", 8, "number of concurrent users.")
	f.IntVar(&s.iterations, "iterations", 100, "map/unmap cycles per user.")
	f.Uint64Var(&s.size, "size", 1<<16, "bytes per mapping. Rounded up to the page size.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.users < 1 || s.iterations < 0 || s.size == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	e := envFromArgs(args)

	pageSize := uint64(unix.Getpagesize())
	size := (s.size + pageSize - 1) &^ (pageSize - 1)
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return Errorf("mmap of %d bytes: %v", size, err)
	}
	defer unix.Munmap(mem)

	b, err := e.backend()
	if err != nil {
		return Errorf("%v", err)
	}
	defer b.Close()

	var requests atomic.Uint64
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for u := 0; u < s.users; u++ {
		g.Go(func() error {
			if err := b.Connect(); err != nil {
				return err
			}
			defer b.Disconnect()

			ioas, err := b.AllocIOAS()
			if err != nil {
				return err
			}
			defer b.FreeID(ioas)
			requests.Add(1)

			for i := 0; i < s.iterations; i++ {
				if ctx.Err() != nil {
					return nil
				}
				iova := uint64(i) * size
				if err := b.MapDMA(ioas, iova, size, bytesAddr(mem), i%2 == 0); err != nil {
					return err
				}
				if err := b.UnmapDMA(ioas, iova, size); err != nil {
					return err
				}
				requests.Add(2)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Errorf("stress: %v", err)
	}
	if users := b.Users(); users != 0 {
		return Errorf("stress: %d users left after all disconnected", users)
	}
	if b.Ownership() == iommufd.SelfOwned && b.FD() != -1 {
		return Errorf("stress: descriptor %d still open after last disconnect", b.FD())
	}

	elapsed := time.Since(start)
	fmt.Fprintf(outOrStdout(s.out), "%d users, %d requests in %v\n", s.users, requests.Load(), elapsed.Round(time.Microsecond))
	return subcommands.ExitSuccess
}
