// Copyright 2025 aflcov project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// aflcov replays an AFL++ corpus against a coverage-instrumented build of the
// target and renders the merged result: an lcov trace and genhtml report for
// source-level instrumentation, or a drcov trace for binary-only targets.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/sys/unix"

	"github.com/google/aflcov/pkg/config"
	"github.com/google/aflcov/pkg/covpipe"
	"github.com/google/aflcov/pkg/log"
	"github.com/google/aflcov/pkg/tool"
)

var (
	flagConfig     = flag.String("config", "", "JSON configuration file (command line flags override it)")
	flagMode       = flag.String("mode", "", "coverage mode: "+strings.Join(covpipe.Modes(), ", "))
	flagCommand    = flag.String("cmd", "", "target command template, @@ or AFL_FILE is replaced with the input path")
	flagDir        = flag.String("dir", "", "AFL output directory, single instance or top-level sync dir")
	flagOutput     = flag.String("output", "", "where to put results (default: <dir>/cov)")
	flagOverwrite  = flag.Bool("overwrite", false, "delete a pre-existing output directory")
	flagKeep       = flag.Bool("keep", false, "keep intermediate coverage files after merging")
	flagTimeout    = flag.Float64("timeout", 0, "per-run timeout in seconds, 0 means no timeout")
	flagJobs       = flag.Int("j", 1, "number of target runs executing in parallel")
	flagCode       = flag.String("code", "", "root of the instrumented build tree (gcov/llvm modes)")
	flagBinary     = flag.String("bin", "", "instrumented target binary (llvm mode)")
	flagAFL        = flag.String("afl", "", "AFL++ checkout with QEMU mode built (qemu mode)")
	flagLcov       = flag.String("lcov", "", "lcov binary (default: taken from $PATH)")
	flagGenhtml    = flag.String("genhtml", "", "genhtml binary (default: taken from $PATH)")
	flagLLVM       = flag.String("llvm", "", "directory containing llvm-profdata and llvm-cov (default: taken from $PATH)")
	flagDrcovMerge = flag.String("drcov-merge", "", "drcov-merge binary (default: taken from $PATH)")
	flagNoCheck    = flag.Bool("nocheck", false, "disable environment and coverage output checks")
	flagNoProgress = flag.Bool("noprogress", false, "disable periodic progress logging")
	flagHTTP       = flag.String("http", "", "serve a status page on this address while the run is in flight")

	flagEnv tool.EnvFlag
)

func main() {
	flag.Var(&flagEnv, "env", "extra KEY=VALUE environment for target runs, comma-separated or repeated")
	defer tool.Init()()
	log.EnableLogCaching(1000, 1<<20)

	cfg, err := makeConfig()
	if err != nil {
		tool.Fail(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	if *flagHTTP != "" {
		initHTTP(*flagHTTP, cfg)
	}
	if err := covpipe.Run(ctx, cfg); err != nil {
		if ctx.Err() != nil {
			tool.Failf("interrupted")
		}
		tool.Fail(err)
	}
}

func makeConfig() (*covpipe.Config, error) {
	cfg := covpipe.DefaultConfig()
	if *flagConfig != "" {
		if err := config.LoadFile(*flagConfig, cfg); err != nil {
			return nil, err
		}
	}
	// Flags that were explicitly passed win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = *flagMode
		case "cmd":
			cfg.Command = *flagCommand
		case "dir":
			cfg.FuzzingDir = *flagDir
		case "output":
			cfg.OutputDir = *flagOutput
		case "overwrite":
			cfg.Overwrite = *flagOverwrite
		case "keep":
			cfg.KeepIntermediates = *flagKeep
		case "timeout":
			cfg.Timeout = *flagTimeout
		case "j":
			cfg.Jobs = *flagJobs
		case "env":
			if cfg.Env == nil {
				cfg.Env = make(map[string]string)
			}
			maps.Copy(cfg.Env, flagEnv.Map())
		case "code":
			cfg.CodeDir = *flagCode
		case "bin":
			cfg.Binary = *flagBinary
		case "afl":
			cfg.AFLDir = *flagAFL
		case "lcov":
			cfg.LcovPath = *flagLcov
		case "genhtml":
			cfg.GenhtmlPath = *flagGenhtml
		case "llvm":
			cfg.LLVMDir = *flagLLVM
		case "drcov-merge":
			cfg.DrcovMergePath = *flagDrcovMerge
		case "nocheck":
			cfg.NoCheck = *flagNoCheck
		case "noprogress":
			cfg.NoProgress = *flagNoProgress
		}
	})
	return cfg, nil
}
