// Copyright 2025 aflcov project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package covpipe

import (
	"context"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/aflcov/pkg/corpus"
	"github.com/google/aflcov/pkg/log"
	"github.com/google/aflcov/pkg/osutil"
)

// gcov collects coverage from targets built with gcc --coverage. Every run
// appends to .gcda counter files; GCOV_PREFIX redirects them into a
// per-worker scratch dir so parallel runs never clobber each other, and one
// lcov capture per scratch amortizes the (slow) capture over a whole batch.
//
// The .gcno metadata stays at the absolute paths recorded at compile time,
// so the build tree must still be where it was compiled: the capture step
// symlinks each <scratch>/<abs>.gcno back to /<abs>.gcno.
type gcov struct {
	cfg     *Config
	lcov    string
	genhtml string
}

func makeGcov(cfg *Config) (backend, error) {
	if cfg.CodeDir == "" {
		return nil, configErrorf("gcov mode requires -code, the root of the instrumented build")
	}
	return &gcov{
		cfg:     cfg,
		lcov:    toolPath(cfg.LcovPath, "lcov"),
		genhtml: toolPath(cfg.GenhtmlPath, "genhtml"),
	}, nil
}

func (bk *gcov) Check() error {
	for _, tool := range []string{bk.lcov, bk.genhtml} {
		if _, err := exec.LookPath(tool); err != nil {
			return configErrorf("%v command not found", tool)
		}
	}
	return nil
}

func (bk *gcov) Layout() []string {
	return []string{"gcov", "lcov", "web"}
}

// Setup resets counters left over from the fuzzing run itself and captures
// the zero-coverage baseline, so that never-executed files still show up in
// the final report.
func (bk *gcov) Setup(ctx context.Context) error {
	err := runTool(ctx, osutil.Command(bk.lcov,
		"--no-checksum",
		"--zerocounters",
		"--directory", bk.cfg.CodeDir,
	))
	if err != nil {
		return err
	}
	return runTool(ctx, osutil.Command(bk.lcov,
		"--no-checksum",
		"--capture",
		"--rc", "lcov_branch_coverage=1",
		"--initial",
		"--directory", bk.cfg.CodeDir,
		"--follow",
		"--output-file", bk.baseTrace(),
	))
}

func (bk *gcov) NewBatch() (*batch, error) {
	dir, err := os.MkdirTemp(filepath.Join(bk.cfg.OutputDir, "gcov"), "worker-*")
	if err != nil {
		return nil, err
	}
	return &batch{dir: dir}, nil
}

func (bk *gcov) Run(ctx context.Context, b *batch, job corpus.Job) error {
	// A timed out run simply leaves no (or truncated) counters behind,
	// the batch carries on.
	_, err := replay(ctx, bk.cfg, job.Input, isolation{
		env: map[string]string{
			"GCOV_PREFIX": b.dir,
			"LD_PRELOAD":  os.Getenv("AFL_PRELOAD"),
		},
	})
	return err
}

func (bk *gcov) CloseBatch(ctx context.Context, b *batch, consumed int) (string, error) {
	if consumed == 0 {
		// Running lcov over an empty scratch produces a bogus trace.
		log.Logf(2, "worker scratch %v consumed no inputs, discarding it", b.dir)
		return "", os.RemoveAll(b.dir)
	}
	gcda, err := linkCounterMeta(b.dir)
	if err != nil {
		return "", err
	}
	if gcda == 0 && !bk.cfg.NoCheck {
		return "", &ExecError{
			Reason: "no coverage information generated during run, did you compile with `--coverage`?",
		}
	}
	trace := filepath.Join(bk.cfg.OutputDir, "lcov", filepath.Base(b.dir)+".lcov")
	err = runTool(ctx, osutil.Command(bk.lcov,
		"--no-checksum",
		"--capture",
		"--rc", "lcov_branch_coverage=1",
		"--directory", b.dir,
		"--follow",
		"--output-file", trace,
	))
	if err != nil {
		return "", err
	}
	if !bk.cfg.KeepIntermediates {
		if err := os.RemoveAll(b.dir); err != nil {
			return "", err
		}
	}
	return trace, nil
}

func (bk *gcov) Merge(ctx context.Context, partial []string) (string, error) {
	total := filepath.Join(bk.cfg.OutputDir, "lcov", "trace.lcov_total")
	log.Logf(0, "merging %v tracefiles into %v", len(partial), total)
	args := []string{
		"--output-file", total,
		"-a", bk.baseTrace(),
	}
	for _, trace := range partial {
		args = append(args, "-a", trace)
	}
	if err := runTool(ctx, osutil.Command(bk.lcov, args...)); err != nil {
		return "", err
	}
	if !bk.cfg.KeepIntermediates {
		for _, trace := range partial {
			if err := os.Remove(trace); err != nil {
				return "", err
			}
		}
	}
	return total, nil
}

func (bk *gcov) Report(ctx context.Context, trace string) error {
	return genhtmlReport(ctx, bk.genhtml, bk.cfg, trace)
}

func (bk *gcov) baseTrace() string {
	return filepath.Join(bk.cfg.OutputDir, "lcov", "trace.lcov_base")
}

// counterMetaPath derives the .gcno symlink for one .gcda counter file under
// scratch. The compiler records absolute object paths, so GCOV_PREFIX shifts
// /<abs>.gcda to <scratch>/<abs>.gcda while the matching .gcno stays at its
// build-time location /<abs>.gcno; stripping the scratch prefix recovers it.
func counterMetaPath(scratch, gcda string) (link, target string) {
	link = strings.TrimSuffix(gcda, ".gcda") + ".gcno"
	target = strings.TrimSuffix(strings.TrimPrefix(gcda, scratch), ".gcda") + ".gcno"
	return
}

// linkCounterMeta places a .gcno symlink next to every .gcda file under
// scratch, so that a single lcov --directory pass over the scratch finds
// both. Returns the number of counter files seen.
func linkCounterMeta(scratch string) (int, error) {
	count := 0
	err := filepath.WalkDir(scratch, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".gcda") {
			return err
		}
		count++
		link, target := counterMetaPath(scratch, path)
		return os.Symlink(target, link)
	})
	return count, err
}

func toolPath(override, name string) string {
	if override != "" {
		return override
	}
	return name
}

func genhtmlReport(ctx context.Context, genhtml string, cfg *Config, trace string) error {
	web := filepath.Join(cfg.OutputDir, "web")
	log.Logf(0, "generating HTML report in %v", web)
	return runTool(ctx, osutil.Command(genhtml,
		"--prefix", cfg.CodeDir,
		"--highlight",
		"--ignore-errors", "source",
		"--legend",
		"--function-coverage",
		trace,
		"--output-directory", web,
	))
}
