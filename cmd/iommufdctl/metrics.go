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
	"errors"
	"flag"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sys/unix"
	"gvisor.dev/iommufd/pkg/iommufd"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	addr        string
	interval    time.Duration
	once        bool
	connectWait time.Duration

	out io.Writer

	// ready, if set, receives the listening address once serving.
	ready chan<- net.Addr
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "serve Prometheus metrics while probing the controller"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [flags] - hold a connection to the controller, probe it every -interval,
and serve request and user counts on /metrics until interrupted. With -once,
probe once and print the metrics instead.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.addr, "addr", "", "address to listen on. Defaults to the metrics-addr setting.")
	f.DurationVar(&m.interval, "interval", 10*time.Second, "time between probes. 0 disables probing.")
	f.BoolVar(&m.once, "once", false, "probe once, print the metrics in text format and exit.")
	f.DurationVar(&m.connectWait, "connect-wait", 0, "keep retrying the first connection for this long, for controllers that appear late.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	e := envFromArgs(args)
	addr := m.addr
	if addr == "" {
		addr = e.conf.MetricsAddr
	}
	if addr == "" && !m.once {
		return Errorf("no listen address: set -addr or metrics-addr")
	}

	b, release, err := m.connect(ctx, e)
	if err != nil {
		return Errorf("connecting: %v", err)
	}
	defer release()

	if m.once {
		probe(b)
		reg := prometheus.NewRegistry()
		reg.MustRegister(e.metrics)
		if err := writeText(outOrStdout(m.out), reg); err != nil {
			return Errorf("writing metrics: %v", err)
		}
		return subcommands.ExitSuccess
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(e.metrics, collectors.NewGoCollector())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return Errorf("listening on %q: %v", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	e.log.WithField("addr", ln.Addr().String()).Info("Serving metrics")
	if m.ready != nil {
		m.ready <- ln.Addr()
	}

	var tick <-chan time.Time
	if m.interval > 0 {
		t := time.NewTicker(m.interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-tick:
			probe(b)
		case err := <-serveErr:
			return Errorf("serving metrics: %v", err)
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return Errorf("shutting down: %v", err)
			}
			return subcommands.ExitSuccess
		}
	}
}

// connect connects to the controller, retrying for up to m.connectWait.
func (m *Metrics) connect(ctx context.Context, e *env) (b *iommufd.Backend, release func(), err error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = m.connectWait
	op := func() error {
		b, release, err = e.connect()
		if err != nil && m.connectWait > 0 {
			e.log.WithError(err).Info("Controller not ready, retrying")
		}
		return err
	}
	if m.connectWait <= 0 {
		err = op()
	} else {
		err = backoff.Retry(op, backoff.WithContext(bo, ctx))
	}
	return b, release, err
}

// probe allocates and frees an IOAS so the request counters reflect the
// controller's health.
func probe(b *iommufd.Backend) {
	// Failures are reported by the backend and counted.
	if ioas, err := b.AllocIOAS(); err == nil {
		b.FreeID(ioas)
	}
}

// writeText writes the metrics gathered from g in the Prometheus text format.
func writeText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
