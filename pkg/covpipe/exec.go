// Copyright 2025 aflcov project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package covpipe

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"golang.org/x/exp/maps"

	"github.com/google/aflcov/pkg/log"
	"github.com/google/aflcov/pkg/osutil"
)

// inputToken is the alternative spelling of @@ in command templates,
// inherited from AFL command lines.
const inputToken = "AFL_FILE"

// prepareCommand renders the target argv for one corpus input. The template
// is split on whitespace (no quoting, same as AFL's own handling) and the
// @@ and AFL_FILE tokens are replaced with the input path. If the template
// contains neither token, stdin is true and the caller must feed the input
// bytes on stdin instead.
func prepareCommand(template, input string) (argv []string, stdin bool) {
	stdin = true
	for _, arg := range strings.Fields(template) {
		if strings.Contains(arg, "@@") || strings.Contains(arg, inputToken) {
			arg = strings.ReplaceAll(arg, "@@", input)
			arg = strings.ReplaceAll(arg, inputToken, input)
			stdin = false
		}
		argv = append(argv, arg)
	}
	return
}

// isolation is the execution context a backend prepares for one run:
// extra environment and an optional wrapper prepended to the target argv.
type isolation struct {
	env  map[string]string
	wrap []string
}

// environFor builds the environment of a target run: the ambient environment,
// then the user-provided variables, then the backend isolation variables,
// later entries overriding earlier ones.
func environFor(userEnv, backendEnv map[string]string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		merged[k] = v
	}
	maps.Copy(merged, userEnv)
	maps.Copy(merged, backendEnv)
	keys := maps.Keys(merged)
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// replay executes the target command once for the given corpus input.
// Runs that exceed the configured timeout are killed and absorbed: the
// caller sees timedout=true with a nil error. Non-zero target exits are
// tolerated as well, crashing inputs are expected in a fuzzer corpus.
// Only failure to start the target (or cancellation) is returned as an error.
func replay(ctx context.Context, cfg *Config, input string, iso isolation) (bool, error) {
	log.Logf(1, "generating coverage for %v", input)
	argv, stdin := prepareCommand(cfg.Command, input)
	argv = append(append([]string{}, iso.wrap...), argv...)
	cmd := osutil.Command(argv[0], argv[1:]...)
	cmd.Env = environFor(cfg.Env, iso.env)
	if stdin {
		data, err := os.ReadFile(input)
		if err != nil {
			return false, err
		}
		cmd.Stdin = bytes.NewReader(data)
	}
	start := time.Now()
	_, err := osutil.Run(ctx, cfg.RunTimeout(), cmd)
	statExecTime.Add(int(time.Since(start) / time.Millisecond))
	if err == nil {
		return false, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if osutil.IsTimeout(err) {
		statTimeouts.Add(1)
		log.Logf(0, "run timed out after %vs, dropping input %v", cfg.Timeout, input)
		return true, nil
	}
	var verbose *osutil.VerboseError
	if errors.As(err, &verbose) {
		statCrashes.Add(1)
		log.Logf(1, "target exited with code %v on %v", verbose.ExitCode, input)
		return false, nil
	}
	return false, err
}

// runTool runs an external coverage tool to completion. Non-zero exits are
// logged and tolerated: whether the step worked is decided by the artifact
// checks, not by the tool's exit code. Failure to start the tool is returned.
func runTool(ctx context.Context, cmd *exec.Cmd) error {
	log.Logf(2, "running %q", cmd.Args)
	_, err := osutil.Run(ctx, 0, cmd)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var verbose *osutil.VerboseError
	if errors.As(err, &verbose) {
		log.Logf(0, "%v", err)
		return nil
	}
	return err
}
