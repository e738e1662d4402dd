// Copyright 2025 aflcov project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package covpipe replays a fuzzer corpus against an instrumented build of
// the target and merges the per-run coverage into a single report.
//
// The pipeline is backend-agnostic. A backend knows how one instrumentation
// model (gcc --coverage counters, LLVM profiles, QEMU drcov traces) turns
// target runs into coverage artifacts; the pipeline owns corpus discovery,
// scheduling, merging and reporting.
package covpipe

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/google/aflcov/pkg/corpus"
)

// backend is one instrumentation model. Backends are stateless apart from
// the config; all paths they produce live under cfg.OutputDir.
type backend interface {
	// Check verifies that the external tools and artifacts the backend needs
	// are present. It runs before anything else and is skipped with -nocheck.
	Check() error
	// Layout returns the subdirectories to create under the output dir.
	Layout() []string
	// Setup runs once after the output dirs exist and before any target run.
	Setup(ctx context.Context) error
	// Merge combines the partial artifacts into the unified trace and returns
	// its path. Called exactly once, after all target runs have finished.
	Merge(ctx context.Context, partial []string) (string, error)
	// Report renders the final report from the unified trace.
	Report(ctx context.Context, trace string) error
}

// batchBackend is the run shape for models whose runs accumulate state in a
// shared scratch dir: a worker owns one batch for its whole share of the
// corpus and the partial artifact is extracted once per batch.
type batchBackend interface {
	backend
	NewBatch() (*batch, error)
	Run(ctx context.Context, b *batch, job corpus.Job) error
	// CloseBatch turns the accumulated scratch state into one partial
	// artifact. consumed is the number of jobs this batch ran; with
	// consumed == 0 the scratch is discarded and the result is empty.
	CloseBatch(ctx context.Context, b *batch, consumed int) (string, error)
}

// jobBackend is the run shape for models that isolate every run on its own.
// Run returns the partial artifact for one input, or an empty path when the
// run was dropped (timeout) or produced nothing with checks disabled.
type jobBackend interface {
	backend
	Run(ctx context.Context, job corpus.Job) (string, error)
}

// batch is the scratch state a worker of the batch shape carries across its
// share of the corpus.
type batch struct {
	dir string
}

var ctors = map[string]func(*Config) (backend, error){
	"gcov": makeGcov,
	"llvm": makeLLVM,
	"qemu": makeQemu,
}

// Modes returns the names of the supported coverage modes.
func Modes() []string {
	modes := maps.Keys(ctors)
	sort.Strings(modes)
	return modes
}

func getBackend(cfg *Config) (backend, error) {
	ctor := ctors[cfg.Mode]
	if ctor == nil {
		return nil, configErrorf("unknown mode %q, supported modes: %v",
			cfg.Mode, strings.Join(Modes(), ", "))
	}
	return ctor(cfg)
}
