// Copyright 2025 aflcov project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package covpipe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/aflcov/pkg/config"
	"github.com/google/aflcov/pkg/corpus"
	"github.com/google/aflcov/pkg/log"
	"github.com/google/aflcov/pkg/osutil"
	"github.com/google/aflcov/pkg/stat"
)

var (
	statCorpus = stat.New("corpus", "Number of corpus inputs to replay",
		stat.Simple, stat.Prometheus("aflcov_corpus_total"))
	statDone = stat.New("done", "Number of replayed corpus inputs",
		stat.Console, stat.Rate{}, stat.Prometheus("aflcov_done_total"))
	statTimeouts = stat.New("timeouts", "Number of runs dropped on timeout",
		stat.Console, stat.Prometheus("aflcov_timeouts_total"))
	statCrashes = stat.New("crashes", "Number of runs with a non-zero target exit",
		stat.Simple, stat.Prometheus("aflcov_crashes_total"))
	statPartials = stat.New("partial artifacts", "Number of partial coverage artifacts produced",
		stat.Simple, stat.Prometheus("aflcov_partials_total"))
	statExecTime = stat.New("exec time", "Target run duration (ms)", stat.Distribution{})
)

// Run executes the whole pipeline: check the environment, discover the
// corpus, replay every input through the mode's backend, merge the partial
// artifacts into the unified trace and render the report.
func Run(ctx context.Context, cfg *Config) error {
	if err := Complete(cfg); err != nil {
		return err
	}
	bk, err := getBackend(cfg)
	if err != nil {
		return err
	}
	return run(ctx, cfg, bk)
}

func run(ctx context.Context, cfg *Config, bk backend) error {
	if cfg.NoCheck {
		log.Logf(0, "environment checks are disabled")
	} else if err := bk.Check(); err != nil {
		return err
	}
	if err := initOutputDir(cfg, bk.Layout()); err != nil {
		return err
	}
	// Record how these results were produced.
	if err := config.SaveFile(filepath.Join(cfg.OutputDir, "config.json"), cfg); err != nil {
		return err
	}
	jobs, err := corpus.Jobs(cfg.FuzzingDir)
	if err != nil {
		return err
	}
	statCorpus.Add(len(jobs))
	log.Logf(0, "replaying %v corpus inputs in %v mode with %v workers",
		len(jobs), cfg.Mode, cfg.Jobs)
	if err := bk.Setup(ctx); err != nil {
		return err
	}
	partial, err := schedule(ctx, cfg, bk, jobs)
	if err != nil {
		return err
	}
	statPartials.Add(len(partial))
	if len(partial) == 0 {
		if !cfg.NoCheck {
			return ErrEmptyCorpus
		}
		log.Logf(0, "no partial coverage artifacts were produced, merging anyway")
	}
	trace, err := bk.Merge(ctx, partial)
	if err != nil {
		return err
	}
	if err := bk.Report(ctx, trace); err != nil {
		return err
	}
	log.Logf(0, "coverage trace written to %v", trace)
	return nil
}

func schedule(ctx context.Context, cfg *Config, bk backend, jobs []corpus.Job) ([]string, error) {
	if !cfg.NoProgress {
		done := make(chan struct{})
		defer close(done)
		go progressLoop(done, len(jobs))
	}
	switch impl := bk.(type) {
	case batchBackend:
		return runBatches(ctx, impl, jobs, cfg.Jobs)
	case jobBackend:
		return runJobs(ctx, impl, jobs, cfg.Jobs)
	}
	panic(fmt.Sprintf("backend %T implements no run shape", bk))
}

func progressLoop(done chan struct{}, total int) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			log.Logf(0, "replayed %v/%v inputs (%v timed out, %v crashed)",
				statDone.Val(), total, statTimeouts.Val(), statCrashes.Val())
		}
	}
}

// initOutputDir creates the output dir and the backend's subdirectories.
// The resulting layout is a contract: downstream tooling globs these paths.
func initOutputDir(cfg *Config, layout []string) error {
	if osutil.IsExist(cfg.OutputDir) {
		if !cfg.Overwrite {
			return configErrorf("output directory %v already exists", cfg.OutputDir)
		}
		log.Logf(0, "deleting previous output directory %v", cfg.OutputDir)
		if err := os.RemoveAll(cfg.OutputDir); err != nil {
			return err
		}
	}
	if err := osutil.MkdirAll(cfg.OutputDir); err != nil {
		return err
	}
	for _, sub := range layout {
		if err := osutil.MkdirAll(filepath.Join(cfg.OutputDir, sub)); err != nil {
			return err
		}
	}
	return nil
}
