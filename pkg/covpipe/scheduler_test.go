// Copyright 2025 aflcov project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package covpipe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/google/aflcov/pkg/corpus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubBackend provides no-op implementations of the mode-independent
// methods, the scheduler tests only exercise the run shapes.
type stubBackend struct{}

func (stubBackend) Check() error { return nil }

func (stubBackend) Layout() []string { return []string{"stub"} }

func (stubBackend) Setup(ctx context.Context) error { return nil }

func (stubBackend) Report(ctx context.Context, trace string) error { return nil }

func (stubBackend) Merge(ctx context.Context, partial []string) (string, error) {
	return "trace", nil
}

type fakeBatchBackend struct {
	stubBackend
	runHook func(job corpus.Job) error

	mu      sync.Mutex
	batches int
	ran     []string
	closed  []int
}

func (fake *fakeBatchBackend) NewBatch() (*batch, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.batches++
	return &batch{dir: fmt.Sprintf("batch-%v", fake.batches)}, nil
}

func (fake *fakeBatchBackend) Run(ctx context.Context, b *batch, job corpus.Job) error {
	if fake.runHook != nil {
		if err := fake.runHook(job); err != nil {
			return err
		}
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.ran = append(fake.ran, job.Input)
	return nil
}

func (fake *fakeBatchBackend) CloseBatch(ctx context.Context, b *batch, consumed int) (string, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.closed = append(fake.closed, consumed)
	if consumed == 0 {
		return "", nil
	}
	return b.dir + ".trace", nil
}

type fakeJobBackend struct {
	stubBackend
	runHook func(job corpus.Job) error

	mu  sync.Mutex
	ran []string
}

func (fake *fakeJobBackend) Run(ctx context.Context, job corpus.Job) (string, error) {
	if fake.runHook != nil {
		if err := fake.runHook(job); err != nil {
			return "", err
		}
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.ran = append(fake.ran, job.Input)
	return job.Input + ".trace", nil
}

func testJobs(n int) ([]corpus.Job, []string) {
	var jobs []corpus.Job
	var inputs []string
	for i := 0; i < n; i++ {
		input := fmt.Sprintf("id:%06d", i)
		jobs = append(jobs, corpus.Job{Input: input})
		inputs = append(inputs, input)
	}
	return jobs, inputs
}

func TestBatchWorkers(t *testing.T) {
	jobs, inputs := testJobs(25)
	fake := &fakeBatchBackend{}
	partial, err := runBatches(context.Background(), fake, jobs, 4)
	require.NoError(t, err)
	// Every input must be replayed exactly once, no matter how the workers
	// divided the queue.
	sort.Strings(fake.ran)
	if diff := cmp.Diff(inputs, fake.ran); diff != "" {
		t.Fatalf("replayed inputs mismatch (-want +got):\n%s", diff)
	}
	total := 0
	nonEmpty := 0
	for _, consumed := range fake.closed {
		total += consumed
		if consumed > 0 {
			nonEmpty++
		}
	}
	assert.Equal(t, 25, total)
	assert.Equal(t, 4, fake.batches)
	assert.Len(t, partial, nonEmpty)
}

func TestBatchIdleWorkers(t *testing.T) {
	// More workers than corpus inputs: the idle workers must report empty
	// batches and stay out of the merge. Holding both runs open until both
	// started pins the distribution to one input per worker.
	jobs, _ := testJobs(2)
	started := make(chan struct{})
	release := make(chan struct{})
	fake := &fakeBatchBackend{
		runHook: func(corpus.Job) error {
			started <- struct{}{}
			<-release
			return nil
		},
	}
	go func() {
		<-started
		<-started
		close(release)
	}()
	partial, err := runBatches(context.Background(), fake, jobs, 5)
	require.NoError(t, err)
	assert.Len(t, partial, 2)
	assert.Equal(t, 5, fake.batches)
	idle := 0
	for _, consumed := range fake.closed {
		if consumed == 0 {
			idle++
		}
	}
	assert.Equal(t, 3, idle)
}

func TestBatchRunError(t *testing.T) {
	jobs, _ := testJobs(50)
	errRun := errors.New("target run failed")
	fake := &fakeBatchBackend{
		runHook: func(job corpus.Job) error {
			if job.Input == "id:000025" {
				return errRun
			}
			return nil
		},
	}
	_, err := runBatches(context.Background(), fake, jobs, 4)
	require.ErrorIs(t, err, errRun)
}

func TestJobsWorkers(t *testing.T) {
	// The number of workers must not change the set of produced artifacts.
	jobs, inputs := testJobs(25)
	run := func(workers int) []string {
		fake := &fakeJobBackend{}
		partial, err := runJobs(context.Background(), fake, jobs, workers)
		require.NoError(t, err)
		sort.Strings(fake.ran)
		if diff := cmp.Diff(inputs, fake.ran); diff != "" {
			t.Fatalf("replayed inputs mismatch (-want +got):\n%s", diff)
		}
		sort.Strings(partial)
		return partial
	}
	if diff := cmp.Diff(run(1), run(4)); diff != "" {
		t.Fatalf("partial artifacts depend on worker count (-1 +4):\n%s", diff)
	}
}

func TestJobsGate(t *testing.T) {
	jobs, _ := testJobs(20)
	var mu sync.Mutex
	cur, peak := 0, 0
	fake := &fakeJobBackend{
		runHook: func(corpus.Job) error {
			mu.Lock()
			cur++
			if cur > peak {
				peak = cur
			}
			mu.Unlock()
			defer func() {
				mu.Lock()
				cur--
				mu.Unlock()
			}()
			return nil
		},
	}
	partial, err := runJobs(context.Background(), fake, jobs, 3)
	require.NoError(t, err)
	assert.Len(t, partial, 20)
	assert.LessOrEqual(t, peak, 3)
}

func TestJobsError(t *testing.T) {
	jobs, _ := testJobs(50)
	errRun := errors.New("target run failed")
	fake := &fakeJobBackend{
		runHook: func(job corpus.Job) error {
			if job.Input == "id:000025" {
				return errRun
			}
			return nil
		},
	}
	_, err := runJobs(context.Background(), fake, jobs, 4)
	require.ErrorIs(t, err, errRun)
}

func TestJobsCancel(t *testing.T) {
	jobs, _ := testJobs(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fake := &fakeJobBackend{}
	_, err := runJobs(ctx, fake, jobs, 2)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, fake.ran)
}
