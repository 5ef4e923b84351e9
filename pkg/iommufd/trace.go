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
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// reportEvery and reportBurst bound error reports. A guest hammering a
	// failing DMA path must not flood the log.
	reportEvery = 100 * time.Millisecond
	reportBurst = 10
)

// tracer emits one structured record per operation and rate-limited error
// reports. It never affects control flow.
type tracer struct {
	log   logrus.FieldLogger
	limit *rate.Limiter
}

func newTracer(log logrus.FieldLogger) *tracer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &tracer{
		log:   log,
		limit: rate.NewLimiter(rate.Every(reportEvery), reportBurst),
	}
}

// trace records event with the given fields and result.
func (t *tracer) trace(event string, fields logrus.Fields, err error) {
	fields["ret"] = Code(err)
	t.log.WithFields(fields).Debug(event)
}

// reportf logs a failure at error level, subject to the rate limit.
func (t *tracer) reportf(err error, format string, v ...any) {
	if !t.limit.Allow() {
		return
	}
	t.log.WithError(err).Errorf(format, v...)
}
