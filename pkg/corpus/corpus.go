// Copyright 2025 aflcov project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package corpus enumerates the test inputs an AFL++ fuzzing session has
// discovered. The fuzzing directory is either a single instance directory
// (containing queue/) or the top level sync directory with one subdirectory
// per instance.
package corpus

import (
	"path/filepath"

	"github.com/google/aflcov/pkg/log"
	"github.com/google/aflcov/pkg/osutil"
)

// Job is one corpus input file to be replayed for coverage.
// Jobs are immutable and each one is consumed by exactly one worker.
type Job struct {
	Input string
}

// Jobs enumerates the queue files of all fuzzer instances under fuzzingDir.
// AFL++ names queued inputs "id:NNNNNN,..." inside a queue/ directory.
func Jobs(fuzzingDir string) ([]Job, error) {
	log.Logf(1, "collecting queue files in %v", fuzzingDir)
	pattern := filepath.Join(fuzzingDir, "*", "queue", "id:*")
	if osutil.IsDir(filepath.Join(fuzzingDir, "queue")) {
		pattern = filepath.Join(fuzzingDir, "queue", "id:*")
	}
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(files))
	for _, file := range files {
		jobs = append(jobs, Job{Input: file})
	}
	return jobs, nil
}
