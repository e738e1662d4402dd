// Copyright 2025 aflcov project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package covpipe

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/aflcov/pkg/corpus"
	"github.com/google/aflcov/pkg/osutil"
)

// llvm collects coverage from targets built with clang
// -fprofile-instr-generate -fcoverage-mapping. The profile runtime writes a
// raw profile per process, so every run gets its own scratch dir and there
// is no batch state to carry: llvm-profdata merges the whole profraw tree
// at the end.
type llvm struct {
	cfg      *Config
	profdata string
	cov      string
	genhtml  string
}

func makeLLVM(cfg *Config) (backend, error) {
	if cfg.CodeDir == "" {
		return nil, configErrorf("llvm mode requires -code, the root of the instrumented build")
	}
	if cfg.Binary == "" {
		return nil, configErrorf("llvm mode requires -bin, the instrumented target binary")
	}
	bk := &llvm{
		cfg:      cfg,
		profdata: "llvm-profdata",
		cov:      "llvm-cov",
		genhtml:  toolPath(cfg.GenhtmlPath, "genhtml"),
	}
	if cfg.LLVMDir != "" {
		bk.profdata = filepath.Join(cfg.LLVMDir, bk.profdata)
		bk.cov = filepath.Join(cfg.LLVMDir, bk.cov)
	}
	return bk, nil
}

func (bk *llvm) Check() error {
	if bk.cfg.LLVMDir != "" {
		if !osutil.IsDir(bk.cfg.LLVMDir) {
			return configErrorf("%v directory not found", bk.cfg.LLVMDir)
		}
		for _, tool := range []string{bk.profdata, bk.cov} {
			if !osutil.IsFile(tool) {
				return configErrorf("%v file not found", tool)
			}
		}
	} else {
		for _, tool := range []string{bk.profdata, bk.cov} {
			if _, err := exec.LookPath(tool); err != nil {
				return configErrorf("%v command not found, try specifying -llvm", tool)
			}
		}
	}
	if _, err := exec.LookPath(bk.genhtml); err != nil {
		return configErrorf("%v command not found", bk.genhtml)
	}
	return nil
}

func (bk *llvm) Layout() []string {
	return []string{"profraw", "lcov", "web"}
}

func (bk *llvm) Setup(ctx context.Context) error {
	return nil
}

func (bk *llvm) Run(ctx context.Context, job corpus.Job) (string, error) {
	scratch, err := os.MkdirTemp(filepath.Join(bk.cfg.OutputDir, "profraw"), "run-*")
	if err != nil {
		return "", err
	}
	// %p expands to the target pid, so forking targets write one profile
	// per process instead of clobbering a shared file.
	timedout, err := replay(ctx, bk.cfg, job.Input, isolation{
		env: map[string]string{
			"LLVM_PROFILE_FILE": filepath.Join(scratch, "default-%p.profraw"),
			"LD_PRELOAD":        os.Getenv("AFL_PRELOAD"),
		},
	})
	if err != nil {
		return "", err
	}
	if timedout {
		return "", os.RemoveAll(scratch)
	}
	profiles, err := filepath.Glob(filepath.Join(scratch, "*.profraw"))
	if err != nil {
		return "", err
	}
	if len(profiles) == 0 && !bk.cfg.NoCheck {
		return "", &ExecError{
			Input:  job.Input,
			Reason: "no coverage information generated during run, did you compile with `-fprofile-instr-generate -fcoverage-mapping`?",
		}
	}
	return scratch, nil
}

func (bk *llvm) Merge(ctx context.Context, partial []string) (string, error) {
	profdata := filepath.Join(bk.cfg.OutputDir, "lcov", "default.profdata")
	err := runTool(ctx, osutil.Command(bk.profdata,
		"merge",
		"-sparse",
		filepath.Join(bk.cfg.OutputDir, "profraw"),
		"-o", profdata,
	))
	if err != nil {
		return "", err
	}
	if !bk.cfg.KeepIntermediates {
		for _, scratch := range partial {
			if err := os.RemoveAll(scratch); err != nil {
				return "", err
			}
		}
	}
	// llvm-cov writes the lcov rendition of the profile to stdout.
	trace := filepath.Join(bk.cfg.OutputDir, "lcov", "trace.lcov_total")
	out, err := os.Create(trace)
	if err != nil {
		return "", err
	}
	defer out.Close()
	cmd := osutil.Command(bk.cov,
		"export",
		"--instr-profile", profdata,
		"--format", "lcov",
		bk.cfg.Binary,
	)
	cmd.Stdout = out
	if err := runTool(ctx, cmd); err != nil {
		return "", err
	}
	return trace, nil
}

func (bk *llvm) Report(ctx context.Context, trace string) error {
	return genhtmlReport(ctx, bk.genhtml, bk.cfg, trace)
}
