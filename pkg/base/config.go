// Copyright 2026 The ApplyStream Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package base holds the applier configuration shared by the scheduler and
// the CLI.
package base

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	humanize "github.com/dustin/go-humanize"
	yaml "gopkg.in/yaml.v2"
)

// AssignmentPolicy selects how the coordinator maps groups to workers.
type AssignmentPolicy string

const (
	// PolicyDependency tracks fine-grained key dependencies; independent
	// groups run concurrently, dependent groups serialize in arrival order.
	PolicyDependency AssignmentPolicy = "dependency"
	// PolicyKeyPartitioned pins resource keys to workers by hash and falls
	// back to drain-and-isolate when a group spans pins on different
	// workers.
	PolicyKeyPartitioned AssignmentPolicy = "key-partitioned"
)

// Config configures the apply scheduler.
type Config struct {
	// Workers is the size of the apply worker pool.
	Workers int `yaml:"workers"`
	// Policy selects the assignment strategy.
	Policy AssignmentPolicy `yaml:"policy"`

	// MaxPendingGroups bounds undispatched groups in the dependency queue.
	MaxPendingGroups int `yaml:"max-pending-groups"`
	// WorkerQueueLen bounds the per-worker queue occupancy (event count).
	WorkerQueueLen int `yaml:"worker-queue-len"`
	// WorkerQueueMem bounds the per-worker queue memory footprint,
	// e.g. "16MiB". Zero means unbounded.
	WorkerQueueMem string `yaml:"worker-queue-mem"`
	// UnderrunLevel is the percentage of WorkerQueueLen at or below which
	// a worker counts as hungry; (100 - UnderrunLevel)% is the high-water
	// mark above which the coordinator starts napping. This hysteresis
	// band keeps the coordinator from oscillating between full and empty.
	UnderrunLevel int `yaml:"underrun-level"`
	// BasicNap is the unit of the coordinator's adaptive sleep while a
	// worker queue is over its high-water mark.
	BasicNap time.Duration `yaml:"basic-nap"`

	// CheckpointGroup caps the number of in-flight groups between the
	// durable low-water mark and the newest dispatched group.
	CheckpointGroup int `yaml:"checkpoint-group"`
	// CheckpointInterval triggers periodic checkpoint passes.
	CheckpointInterval time.Duration `yaml:"checkpoint-interval"`

	// SkipGroups is an operator-set count of groups to skip (not apply)
	// after recovery completes.
	SkipGroups int `yaml:"skip-groups"`

	// UntilSourceFile/UntilSourceOffset, when set, stop the applier
	// cleanly once the group-level source position reaches the bound.
	// Evaluated at group boundaries only.
	UntilSourceFile   string `yaml:"until-source-file"`
	UntilSourceOffset uint64 `yaml:"until-source-offset"`

	// StoreDir is the directory of the Pebble position store.
	StoreDir string `yaml:"store-dir"`
	// RelayFile is the relay log consumed by the file event source.
	RelayFile string `yaml:"relay-file"`
	// MetricsAddr, when set, serves Prometheus metrics on this address.
	MetricsAddr string `yaml:"metrics-addr"`

	workerQueueMemBytes int64
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:            4,
		Policy:             PolicyDependency,
		MaxPendingGroups:   64,
		WorkerQueueLen:     16384,
		WorkerQueueMem:     "16MiB",
		UnderrunLevel:      10,
		BasicNap:           25 * time.Millisecond,
		CheckpointGroup:    512,
		CheckpointInterval: 300 * time.Millisecond,
	}
}

// Validate checks the configuration and resolves derived fields.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return errors.Newf("workers must be positive, got %d", c.Workers)
	}
	switch c.Policy {
	case PolicyDependency, PolicyKeyPartitioned:
	default:
		return errors.Newf("unknown assignment policy %q", c.Policy)
	}
	if c.MaxPendingGroups <= 0 {
		return errors.Newf("max-pending-groups must be positive, got %d", c.MaxPendingGroups)
	}
	if c.WorkerQueueLen <= 0 {
		return errors.Newf("worker-queue-len must be positive, got %d", c.WorkerQueueLen)
	}
	if c.UnderrunLevel < 0 || c.UnderrunLevel >= 100 {
		return errors.Newf("underrun-level must be in [0, 100), got %d", c.UnderrunLevel)
	}
	if c.CheckpointGroup <= 0 {
		return errors.Newf("checkpoint-group must be positive, got %d", c.CheckpointGroup)
	}
	if c.WorkerQueueMem != "" {
		n, err := humanize.ParseBytes(c.WorkerQueueMem)
		if err != nil {
			return errors.Wrapf(err, "parsing worker-queue-mem %q", c.WorkerQueueMem)
		}
		c.workerQueueMemBytes = int64(n)
	}
	if (c.UntilSourceFile == "") != (c.UntilSourceOffset == 0) {
		return errors.New("until-source-file and until-source-offset must be set together")
	}
	return nil
}

// WorkerQueueMemBytes returns the resolved per-worker memory cap in bytes;
// zero means unbounded. Valid after Validate.
func (c *Config) WorkerQueueMemBytes() int64 {
	return c.workerQueueMemBytes
}

// LoadConfig reads a YAML config file over the defaults and validates it.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "reading config")
	}
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return c, errors.Wrapf(err, "parsing config %q", path)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}
