// Copyright 2025 aflcov project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package covpipe

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/google/aflcov/pkg/corpus"
	"github.com/google/aflcov/pkg/log"
)

// runBatches drains the job queue with a fixed pool of workers, each owning
// one batch for its whole share of the corpus. Returns the partial artifacts
// of the workers that consumed at least one job; a worker that got nothing
// (corpus smaller than the pool) contributes nothing and that is fine.
// The first failing worker cancels its siblings.
func runBatches(ctx context.Context, impl batchBackend, jobs []corpus.Job, workers int) ([]string, error) {
	queue := make(chan corpus.Job, len(jobs))
	for _, job := range jobs {
		queue <- job
	}
	close(queue)
	partial := make([]string, workers)
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			b, err := impl.NewBatch()
			if err != nil {
				return err
			}
			log.Logf(2, "worker scratch %v created", b.dir)
			consumed := 0
			for {
				var job corpus.Job
				var ok bool
				select {
				case <-ctx.Done():
					return ctx.Err()
				case job, ok = <-queue:
				}
				if !ok {
					break
				}
				if err := impl.Run(ctx, b, job); err != nil {
					return err
				}
				consumed++
				statDone.Add(1)
			}
			partial[w], err = impl.CloseBatch(ctx, b, consumed)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res := partial[:0]
	for _, p := range partial {
		if p != "" {
			res = append(res, p)
		}
	}
	return res, nil
}

// runJobs creates one task per corpus input and bounds concurrency with a
// weighted semaphore: tasks blocked on the gate consume no process
// resources. The first failing task cancels the rest, including the ones
// still waiting on the gate.
func runJobs(ctx context.Context, impl jobBackend, jobs []corpus.Job, workers int) ([]string, error) {
	var (
		mu      sync.Mutex
		partial []string
	)
	gate := semaphore.NewWeighted(int64(workers))
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		g.Go(func() error {
			if err := gate.Acquire(ctx, 1); err != nil {
				return err
			}
			defer gate.Release(1)
			artifact, err := impl.Run(ctx, job)
			if err != nil {
				return err
			}
			if artifact != "" {
				mu.Lock()
				partial = append(partial, artifact)
				mu.Unlock()
			}
			statDone.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return partial, nil
}
