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

// Binary iommufdctl drives an IOMMU controller through package iommufd. It
// runs against /dev/iommu, a borrowed descriptor, or an emulated controller.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"gvisor.dev/iommufd/pkg/config"
	"gvisor.dev/iommufd/pkg/iommufd"
	"gvisor.dev/iommufd/pkg/iommufd/iommufdtest"
)

var emulate = flag.Bool("emulate", false, "use an in-memory controller instead of the host device.")

// forEachCmd invokes the passed callback for each command supported by
// iommufdctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	help := subcommands.HelpCommand()
	cb(help, "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	const requestGroup = "requests"
	cb(new(Probe), requestGroup)
	cb(new(Map), requestGroup)
	cb(new(PASID), requestGroup)
	cb(new(HWPT), requestGroup)

	const toolGroup = "tools"
	cb(new(Stress), toolGroup)
	cb(new(Metrics), toolGroup)
}

func main() {
	forEachCmd(subcommands.Register)
	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		Fatalf("%v", err)
	}
	e, err := newEnv(conf, *emulate)
	if err != nil {
		Fatalf("%v", err)
	}
	debugLog = e.log
	e.log.WithField("flags", conf.ToFlags()).Debug("Configuration")

	os.Exit(int(subcommands.Execute(context.Background(), e)))
}

// env is passed to every command as its first Execute argument.
type env struct {
	conf    *config.Config
	log     *logrus.Logger
	dev     iommufd.Device
	fds     *iommufd.FDTable
	metrics *iommufd.Metrics

	// emulated is set when dev is an iommufdtest.Device.
	emulated *iommufdtest.Device
}

func newEnv(conf *config.Config, emulate bool) (*env, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(conf.Level())
	if conf.LogFormat == config.LogFormatJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	e := &env{
		conf:    conf,
		log:     log,
		dev:     iommufd.HostDevice{},
		fds:     &iommufd.FDTable{},
		metrics: iommufd.NewMetrics(),
	}
	if emulate {
		e.emulated = iommufdtest.New()
		e.dev = e.emulated
		// A named descriptor stands for one handed over by a management
		// process; hand out an emulated one under that name.
		if conf.FD != "" && (conf.FD[0] < '0' || conf.FD[0] > '9') {
			if _, _, err := e.fds.Add(conf.FD, e.emulated.External()); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}

// backend returns a Backend configured by e.conf.
func (e *env) backend() (*iommufd.Backend, error) {
	opts := iommufd.Opts{
		Device:  e.dev,
		Path:    e.conf.Device,
		Logger:  e.log,
		Metrics: e.metrics,
	}
	if e.conf.FD != "" {
		return iommufd.NewBorrowed(e.conf.FD, e.fds, opts)
	}
	return iommufd.New(opts), nil
}

// connect returns a connected Backend. The caller must call release when
// done.
func (e *env) connect() (b *iommufd.Backend, release func(), err error) {
	b, err = e.backend()
	if err != nil {
		return nil, nil, err
	}
	if err := b.Connect(); err != nil {
		b.Close()
		return nil, nil, err
	}
	return b, func() {
		b.Disconnect()
		b.Close()
	}, nil
}
