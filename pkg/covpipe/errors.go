// Copyright 2025 aflcov project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package covpipe

import (
	"errors"
	"fmt"
)

// ConfigError covers everything that prevents the pipeline from starting:
// unknown mode, missing config params, missing external tools. Nothing has
// been executed when it is returned.
type ConfigError struct {
	Err error
}

func (err *ConfigError) Error() string {
	return err.Err.Error()
}

func (err *ConfigError) Unwrap() error {
	return err.Err
}

func configErrorf(msg string, args ...any) error {
	return &ConfigError{fmt.Errorf(msg, args...)}
}

// ExecError means a target run (or a whole batch of runs) finished without
// producing the coverage artifact the backend expected.
type ExecError struct {
	// Input is the corpus input that was replayed, empty for batch artifacts.
	Input  string
	Reason string
}

func (err *ExecError) Error() string {
	if err.Input == "" {
		return err.Reason
	}
	return fmt.Sprintf("%v (input: %v)", err.Reason, err.Input)
}

// ErrEmptyCorpus is returned by the merge stage when not a single run
// produced a usable coverage artifact.
var ErrEmptyCorpus = errors.New("no coverage file generated, is the AFL++ queue empty?")
