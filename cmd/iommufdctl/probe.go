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
	"os"

	"github.com/google/subcommands"
)

// Probe implements subcommands.Command for the "probe" command.
type Probe struct {
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Probe) Name() string {
	return "probe"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Probe) Synopsis() string {
	return "check that the IOMMU controller accepts requests"
}

// Usage implements subcommands.Command.Usage.
func (*Probe) Usage() string {
	return `probe - connect, allocate and free one I/O address space, and disconnect.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Probe) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (p *Probe) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	e := envFromArgs(args)

	b, release, err := e.connect()
	if err != nil {
		return Errorf("connecting: %v", err)
	}
	defer release()

	ioas, err := b.AllocIOAS()
	if err != nil {
		return Errorf("allocating IOAS: %v", err)
	}
	b.FreeID(ioas)

	fmt.Fprintf(outOrStdout(p.out), "%s descriptor %d: ok (ioas %d)\n", b.Ownership(), b.FD(), ioas)
	return subcommands.ExitSuccess
}

func outOrStdout(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
