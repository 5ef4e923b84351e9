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
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

// debugLog is the command logger. It receives a copy of every error printed
// by Errorf.
var debugLog logrus.FieldLogger = logrus.StandardLogger()

// Errorf writes error to stderr and to the debug log. It returns
// subcommands.ExitFailure so commands can return it directly.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	debugLog.Debug(msg)
	fmt.Fprintln(os.Stderr, "iommufdctl:", msg)
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

// envFromArgs extracts the env passed to Execute.
func envFromArgs(args []any) *env {
	return args[0].(*env)
}
