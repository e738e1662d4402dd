// Copyright 2025 aflcov project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package covpipe

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/aflcov/pkg/osutil"
)

// Config controls one coverage collection run. It can be loaded from a JSON
// file (see pkg/config) and/or filled in from flags by the aflcov tool.
type Config struct {
	// Coverage mode, one of Modes().
	Mode string `json:"mode"`
	// Target command template. The @@ and AFL_FILE tokens are replaced with
	// the path of the replayed input; if the template contains neither, the
	// input bytes are fed to the target on stdin.
	Command string `json:"cmd"`
	// AFL fuzzing directory, either a single instance dir containing queue/
	// or the top-level sync dir with one subdir per instance.
	FuzzingDir string `json:"dir"`
	// Where to put results (default: <dir>/cov).
	OutputDir string `json:"output,omitempty"`
	// Delete a pre-existing output dir instead of failing.
	Overwrite bool `json:"overwrite,omitempty"`
	// Keep intermediate coverage files after merging.
	KeepIntermediates bool `json:"keep,omitempty"`
	// Per-run timeout in seconds, 0 means no timeout.
	// Runs that exceed it are killed and dropped with a warning.
	Timeout float64 `json:"timeout,omitempty"`
	// Number of target runs executing in parallel (default: 1).
	Jobs int `json:"jobs,omitempty"`
	// Extra environment for target runs, on top of the ambient environment.
	Env map[string]string `json:"env,omitempty"`
	// Root of the instrumented build tree (gcov and llvm modes).
	CodeDir string `json:"code_dir,omitempty"`
	// The instrumented target binary (llvm mode).
	Binary string `json:"binary,omitempty"`
	// AFL++ checkout with QEMU mode and its plugins built (qemu mode).
	AFLDir string `json:"afl_dir,omitempty"`
	// External tool overrides (default: taken from $PATH).
	LcovPath    string `json:"lcov,omitempty"`
	GenhtmlPath string `json:"genhtml,omitempty"`
	// Directory containing llvm-profdata and llvm-cov (llvm mode).
	LLVMDir        string `json:"llvm_dir,omitempty"`
	DrcovMergePath string `json:"drcov_merge,omitempty"`
	// Disable environment checks and missing-coverage errors.
	NoCheck bool `json:"no_check,omitempty"`
	// Disable periodic progress logging.
	NoProgress bool `json:"no_progress,omitempty"`
}

// DefaultConfig returns a config with the default values filled in.
func DefaultConfig() *Config {
	return &Config{
		Jobs: 1,
	}
}

// Complete validates the config and fills in derived defaults.
// Mode-specific params are checked by the backend constructors.
func Complete(cfg *Config) error {
	if cfg.Mode == "" {
		return configErrorf("config param mode is empty, supported modes: %v",
			strings.Join(Modes(), ", "))
	}
	if _, ok := ctors[cfg.Mode]; !ok {
		return configErrorf("unknown mode %q, supported modes: %v",
			cfg.Mode, strings.Join(Modes(), ", "))
	}
	if len(strings.Fields(cfg.Command)) == 0 {
		return configErrorf("config param cmd is empty")
	}
	if cfg.FuzzingDir == "" {
		return configErrorf("config param dir is empty")
	}
	cfg.FuzzingDir = osutil.Abs(cfg.FuzzingDir)
	if !osutil.IsDir(cfg.FuzzingDir) {
		return configErrorf("fuzzing dir %v does not exist", cfg.FuzzingDir)
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(cfg.FuzzingDir, "cov")
	}
	cfg.OutputDir = osutil.Abs(cfg.OutputDir)
	if cfg.Jobs < 1 {
		return configErrorf("number of jobs must be greater than 0")
	}
	if cfg.Timeout < 0 {
		return configErrorf("timeout must not be negative")
	}
	for _, path := range []*string{&cfg.CodeDir, &cfg.Binary, &cfg.AFLDir, &cfg.LLVMDir} {
		*path = osutil.Abs(*path)
	}
	return nil
}

// RunTimeout returns the per-run timeout as a duration (0 means no limit).
func (cfg *Config) RunTimeout() time.Duration {
	return time.Duration(cfg.Timeout * float64(time.Second))
}
