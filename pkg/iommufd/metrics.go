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

package iommufd

import (
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

// Metrics counts controller requests and tracks the number of connected
// users. A nil *Metrics is valid and records nothing.
//
// Metrics implements prometheus.Collector.
type Metrics struct {
	requests *prometheus.CounterVec
	users    *prometheus.GaugeVec
}

// NewMetrics returns a Metrics that is not yet registered anywhere.
func NewMetrics() *Metrics {
	return &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iommufd",
			Name:      "requests_total",
			Help:      "Requests issued to the IOMMU controller, by request and result.",
		}, []string{"request", "result"}),
		users: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "iommufd",
			Name:      "users",
			Help:      "Connected users of the IOMMU controller handle.",
		}, []string{"owned"}),
	}
}

// Describe implements prometheus.Collector.Describe.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.requests.Describe(ch)
	m.users.Describe(ch)
}

// Collect implements prometheus.Collector.Collect.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.requests.Collect(ch)
	m.users.Collect(ch)
}

// observe counts one request. The result label is "ok" or the errno name.
func (m *Metrics) observe(request string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = unix.ErrnoName(errnoOf(err))
		if result == "" {
			result = "unknown"
		}
	}
	m.requests.WithLabelValues(request, result).Inc()
}

func (m *Metrics) setUsers(o Ownership, users uint32) {
	if m == nil {
		return
	}
	m.users.WithLabelValues(o.ownedLabel()).Set(float64(users))
}
