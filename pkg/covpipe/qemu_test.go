// Copyright 2025 aflcov project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build !windows

package covpipe

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/aflcov/pkg/corpus"
	"github.com/google/aflcov/pkg/osutil"
)

// testAFLDir fakes the layout of an AFL++ checkout with QEMU mode built.
// The afl-qemu-trace replacement extracts the trace file name from
// QEMU_PLUGIN the way the real drcov plugin does and creates it.
func testAFLDir(t *testing.T, qemuTrace string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "afl-qemu-trace"),
		[]byte("#!/bin/sh\n"+qemuTrace+"\n"), 0755))
	plugin := filepath.Join(dir, "qemu_mode/qemuafl/build/contrib/plugins/libdrcov.so")
	require.NoError(t, osutil.MkdirAll(filepath.Dir(plugin)))
	require.NoError(t, osutil.WriteFile(plugin, nil))
	return dir
}

func testQemu(t *testing.T, cfg *Config) *qemu {
	t.Helper()
	if cfg.OutputDir == "" {
		cfg.OutputDir = t.TempDir()
	}
	if cfg.DrcovMergePath == "" {
		cfg.DrcovMergePath = "/bin/true"
	}
	bk, err := makeQemu(cfg)
	require.NoError(t, err)
	impl := bk.(*qemu)
	for _, sub := range impl.Layout() {
		require.NoError(t, osutil.MkdirAll(filepath.Join(cfg.OutputDir, sub)))
	}
	return impl
}

func TestQemuRequiresAFLDir(t *testing.T) {
	_, err := makeQemu(&Config{})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestQemuCheck(t *testing.T) {
	var cfgErr *ConfigError
	impl := testQemu(t, &Config{AFLDir: t.TempDir()})
	err := impl.Check()
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "did you compile AFL-QEMU?")

	aflDir := testAFLDir(t, "exit 0")
	impl = testQemu(t, &Config{AFLDir: aflDir})
	require.NoError(t, impl.Check())

	impl = testQemu(t, &Config{AFLDir: aflDir, DrcovMergePath: "/nonexistent/drcov-merge"})
	require.ErrorAs(t, impl.Check(), &cfgErr)
}

func TestQemuRun(t *testing.T) {
	aflDir := testAFLDir(t, `touch "${QEMU_PLUGIN#*,arg=filename=}"`)
	impl := testQemu(t, &Config{AFLDir: aflDir, Command: "/bin/true @@"})
	trace, err := impl.Run(context.Background(), corpus.Job{Input: testInput(t, "x")})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(trace), "tmp"))
	assert.True(t, strings.HasSuffix(trace, ".drcov.trace"))
	assert.True(t, osutil.IsFile(trace))
}

func TestQemuRunNoTrace(t *testing.T) {
	aflDir := testAFLDir(t, "exit 0")
	impl := testQemu(t, &Config{AFLDir: aflDir, Command: "/bin/true @@"})
	_, err := impl.Run(context.Background(), corpus.Job{Input: testInput(t, "x")})
	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
}

func TestQemuRunNoTraceNoCheck(t *testing.T) {
	aflDir := testAFLDir(t, "exit 0")
	impl := testQemu(t, &Config{AFLDir: aflDir, Command: "/bin/true @@", NoCheck: true})
	trace, err := impl.Run(context.Background(), corpus.Job{Input: testInput(t, "x")})
	require.NoError(t, err)
	assert.Empty(t, trace)
}

func TestQemuRunTimeout(t *testing.T) {
	aflDir := testAFLDir(t, `touch "${QEMU_PLUGIN#*,arg=filename=}"; sleep 60`)
	impl := testQemu(t, &Config{AFLDir: aflDir, Command: "/bin/true @@", Timeout: 0.1})
	trace, err := impl.Run(context.Background(), corpus.Job{Input: testInput(t, "x")})
	require.NoError(t, err)
	assert.Empty(t, trace)
	// The killed run's half-written trace must be cleaned up.
	entries, err := os.ReadDir(filepath.Join(impl.cfg.OutputDir, "drcov"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestQemuRunUniqueNames(t *testing.T) {
	aflDir := testAFLDir(t, `touch "${QEMU_PLUGIN#*,arg=filename=}"`)
	impl := testQemu(t, &Config{AFLDir: aflDir, Command: "/bin/true @@"})
	input := testInput(t, "x")
	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		trace, err := impl.Run(context.Background(), corpus.Job{Input: input})
		require.NoError(t, err)
		seen[trace] = true
	}
	assert.Len(t, seen, 10)
}

func TestQemuMerge(t *testing.T) {
	aflDir := testAFLDir(t, "exit 0")
	impl := testQemu(t, &Config{AFLDir: aflDir})
	var partial []string
	for _, name := range []string{"tmpa.drcov.trace", "tmpb.drcov.trace"} {
		path := filepath.Join(impl.cfg.OutputDir, "drcov", name)
		require.NoError(t, osutil.WriteFile(path, []byte("DRCOV VERSION: 2\n")))
		partial = append(partial, path)
	}
	full, err := impl.Merge(context.Background(), partial)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(impl.cfg.OutputDir, "drcov", "full.drcov.trace"), full)
	for _, path := range partial {
		assert.False(t, osutil.IsExist(path))
	}
}
