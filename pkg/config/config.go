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

// Package config holds the settings of an iommufd backend and the tools built
// on it. Settings come from an optional TOML file and are overridden by
// command-line flags.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// LogFormat selects the log encoding.
type LogFormat string

const (
	// LogFormatText is logrus' text encoding.
	LogFormatText LogFormat = "text"

	// LogFormatJSON emits one JSON object per record.
	LogFormatJSON LogFormat = "json"
)

func logFormatPtr(f LogFormat) *LogFormat {
	return &f
}

// Set implements flag.Value.Set.
func (f *LogFormat) Set(v string) error {
	switch LogFormat(v) {
	case LogFormatText, LogFormatJSON:
		*f = LogFormat(v)
		return nil
	default:
		return fmt.Errorf("invalid log format %q", v)
	}
}

// String implements flag.Value.String.
func (f *LogFormat) String() string {
	return string(*f)
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText, so TOML
// values are validated like flag values.
func (f *LogFormat) UnmarshalText(text []byte) error {
	return f.Set(string(text))
}

// Config holds the backend settings. Fields are tagged with their TOML key
// and flag name.
type Config struct {
	// Device is the controller device node opened by a self-owned backend.
	Device string `toml:"device" flag:"device"`

	// FD, if set, makes the backend borrow an already open controller
	// descriptor instead of opening Device. It is either a descriptor number
	// or a name registered with an iommufd.FDTable.
	FD string `toml:"fd" flag:"fd"`

	// LogLevel is a logrus level name.
	LogLevel string `toml:"log_level" flag:"log-level"`

	// LogFormat is the log encoding.
	LogFormat LogFormat `toml:"log_format" flag:"log-format"`

	// MetricsAddr, if set, is the address on which Prometheus metrics are
	// served.
	MetricsAddr string `toml:"metrics_addr" flag:"metrics-addr"`
}

// RegisterFlags registers flags used to populate Config, plus -config naming
// the TOML file.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML configuration file. Flags override its values.")
	flagSet.String("device", "/dev/iommu", "IOMMU controller device node.")
	flagSet.String("fd", "", "borrow an open controller descriptor, given as a number or a registered name, instead of opening -device.")
	flagSet.String("log-level", "info", "log level: panic, fatal, error, warning, info, debug or trace.")
	flagSet.Var(logFormatPtr(LogFormatText), "log-format", "log format: text (default) or json.")
	flagSet.String("metrics-addr", "", "address to serve Prometheus metrics on, e.g. localhost:9100.")
}

// NewFromFlags creates a new Config. Values start at the flag defaults, are
// replaced by the file named by -config if any, then by explicitly set flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := setField(obj.Field(i), fl.DefValue); err != nil {
			return nil, fmt.Errorf("default for flag %q: %w", name, err)
		}
	}

	if fl := flagSet.Lookup("config"); fl != nil && fl.Value.String() != "" {
		if err := conf.load(fl.Value.String()); err != nil {
			return nil, err
		}
	}

	var err error
	flagSet.Visit(func(fl *flag.Flag) {
		if err != nil {
			return
		}
		for i := 0; i < st.NumField(); i++ {
			if st.Field(i).Tag.Get("flag") == fl.Name {
				if serr := setField(obj.Field(i), fl.Value.String()); serr != nil {
					err = fmt.Errorf("flag %q: %w", fl.Name, serr)
				}
				return
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Load reads a Config from the TOML file at path. Unset keys take the values
// of a freshly registered flag set.
func Load(path string) (*Config, error) {
	flagSet := flag.NewFlagSet("config", flag.ContinueOnError)
	RegisterFlags(flagSet)
	if err := flagSet.Set("config", path); err != nil {
		return nil, err
	}
	return NewFromFlags(flagSet)
}

func (c *Config) load(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("loading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("loading config %q: unknown keys %v", path, undecoded)
	}
	return nil
}

// Validate checks that the settings are usable.
func (c *Config) Validate() error {
	if c.FD == "" && c.Device == "" {
		return fmt.Errorf("one of device or fd must be set")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	return nil
}

// Level returns the parsed LogLevel. c must be valid.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// ToFlags returns a slice of flags that correspond to the given Config. Only
// settings that differ from the defaults are included.
func (c *Config) ToFlags() []string {
	def := flag.NewFlagSet("defaults", flag.ContinueOnError)
	RegisterFlags(def)

	var rv []string
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		val := getField(obj.Field(i))
		if fl := def.Lookup(name); fl != nil && fl.DefValue == val {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", name, val))
	}
	return rv
}

func setField(field reflect.Value, val string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(val)
	case reflect.Bool:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("field type %v not supported", field.Type())
	}
	return nil
}

func getField(field reflect.Value) string {
	if field.Kind() == reflect.Bool {
		return strconv.FormatBool(field.Bool())
	}
	return field.String()
}
