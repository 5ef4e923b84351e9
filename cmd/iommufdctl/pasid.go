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
	"gvisor.dev/iommufd/pkg/iommufd"
)

// PASID implements subcommands.Command for the "pasid" command.
type PASID struct {
	min       uint
	max       uint
	identical bool
	hint      uint
	count     int

	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*PASID) Name() string {
	return "pasid"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*PASID) Synopsis() string {
	return "allocate and free process address space ids"
}

// Usage implements subcommands.Command.Usage.
func (*PASID) Usage() string {
	return `pasid [flags] - allocate -count PASIDs in [-min, -max], print them, and free them.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *PASID) SetFlags(f *flag.FlagSet) {
	f.UintVar(&p.min, "min", 1, "lowest acceptable PASID.")
	f.UintVar(&p.max, "max", 1<<20-1, "highest acceptable PASID.")
	f.BoolVar(&p.identical, "identical", false, "require the PASID to equal -min.")
	f.UintVar(&p.hint, "hint", 0, "preferred PASID.")
	f.IntVar(&p.count, "count", 1, "number of PASIDs to allocate.")
}

// Execute implements subcommands.Command.Execute.
func (p *PASID) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || p.count < 1 || p.min > p.max || p.max > 1<<32-1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	e := envFromArgs(args)
	out := outOrStdout(p.out)

	b, release, err := e.connect()
	if err != nil {
		return Errorf("connecting: %v", err)
	}
	defer release()

	var pasids []iommufd.PASID
	defer func() {
		for _, pasid := range pasids {
			if err := b.FreePASID(pasid); err != nil {
				Errorf("freeing PASID %d: %v", pasid, err)
			}
		}
	}()
	for i := 0; i < p.count; i++ {
		pasid, err := b.AllocPASID(iommufd.PASID(p.min), iommufd.PASID(p.max), p.identical, iommufd.PASID(p.hint))
		if err != nil {
			return Errorf("allocating PASID %d of %d: %v", i+1, p.count, err)
		}
		pasids = append(pasids, pasid)
		fmt.Fprintf(out, "pasid %d\n", pasid)
	}
	return subcommands.ExitSuccess
}
