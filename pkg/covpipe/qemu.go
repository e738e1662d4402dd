// Copyright 2025 aflcov project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package covpipe

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/google/aflcov/pkg/corpus"
	"github.com/google/aflcov/pkg/osutil"
)

// qemu collects coverage from uninstrumented binaries by running them under
// afl-qemu-trace with the drcov TCG plugin. Runs are isolated by unique
// trace file names rather than scratch dirs, and the merged drcov trace is
// the final artifact (meant for lighthouse and similar consumers), so there
// is no report stage.
//
// The ambient AFL_* and QEMU_* variables are deliberately passed through,
// afl-qemu-trace takes many of its knobs from there.
type qemu struct {
	cfg        *Config
	qemuTrace  string
	plugin     string
	drcovMerge string
}

func makeQemu(cfg *Config) (backend, error) {
	if cfg.AFLDir == "" {
		return nil, configErrorf("qemu mode requires -afl, the AFL++ checkout with QEMU mode built")
	}
	return &qemu{
		cfg:        cfg,
		qemuTrace:  filepath.Join(cfg.AFLDir, "afl-qemu-trace"),
		plugin:     filepath.Join(cfg.AFLDir, "qemu_mode/qemuafl/build/contrib/plugins/libdrcov.so"),
		drcovMerge: toolPath(cfg.DrcovMergePath, "drcov-merge"),
	}, nil
}

func (bk *qemu) Check() error {
	if !osutil.IsFile(bk.qemuTrace) {
		return configErrorf("%v file not found, did you compile AFL-QEMU?", bk.qemuTrace)
	}
	if !osutil.IsFile(bk.plugin) {
		return configErrorf("%v file not found, did you compile QEMU plugins?", bk.plugin)
	}
	if _, err := exec.LookPath(bk.drcovMerge); err != nil {
		return configErrorf("%v command not found, try specifying -drcov-merge", bk.drcovMerge)
	}
	return nil
}

func (bk *qemu) Layout() []string {
	return []string{"drcov"}
}

func (bk *qemu) Setup(ctx context.Context) error {
	return nil
}

func (bk *qemu) Run(ctx context.Context, job corpus.Job) (string, error) {
	// Only the name is reserved here, the plugin creates the file itself.
	// A missing file after the run means the plugin never loaded.
	trace := filepath.Join(bk.cfg.OutputDir, "drcov",
		fmt.Sprintf("tmp%v.drcov.trace", uuid.New()))
	timedout, err := replay(ctx, bk.cfg, job.Input, isolation{
		env: map[string]string{
			"QEMU_PLUGIN": fmt.Sprintf("%v,arg=filename=%v", bk.plugin, trace),
		},
		wrap: []string{bk.qemuTrace, "--"},
	})
	if err != nil {
		return "", err
	}
	if timedout {
		// The plugin may have been killed after creating the file.
		if err := os.Remove(trace); err != nil && !os.IsNotExist(err) {
			return "", err
		}
		return "", nil
	}
	if !osutil.IsFile(trace) {
		if bk.cfg.NoCheck {
			return "", nil
		}
		return "", &ExecError{
			Input:  job.Input,
			Reason: "no coverage information generated during run",
		}
	}
	return trace, nil
}

func (bk *qemu) Merge(ctx context.Context, partial []string) (string, error) {
	full := filepath.Join(bk.cfg.OutputDir, "drcov", "full.drcov.trace")
	// drcov-merge expands the glob itself, it is passed as one argument.
	pattern := filepath.Join(bk.cfg.OutputDir, "drcov", "tmp*.drcov.trace")
	if err := runTool(ctx, osutil.Command(bk.drcovMerge, "-o", full, pattern)); err != nil {
		return "", err
	}
	if !bk.cfg.KeepIntermediates {
		for _, trace := range partial {
			if err := os.Remove(trace); err != nil {
				return "", err
			}
		}
	}
	return full, nil
}

func (bk *qemu) Report(ctx context.Context, trace string) error {
	return nil
}
