// Package chunkpool uploads the pending chunks of a file with a bounded pool
// of workers. Chunks are claimed through a shared cursor, so every pending
// chunk is dispatched exactly once regardless of worker count.
package chunkpool

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Plan describes the chunk layout of one upload session, as negotiated with
// the remote store. Received lists the 0-based indices the store already has.
type Plan struct {
	UploadID    string
	ChunkSize   int64
	TotalSize   int64
	TotalChunks int
	Received    []int
}

// ChunkSender uploads a single chunk payload. Retries on transient failures
// are the sender's responsibility; an error returned here is final.
type ChunkSender interface {
	UploadChunk(ctx context.Context, uploadID string, index int, data []byte) error
}

// Gate suspends a worker between chunk claims. Wait returns nil once the
// transfer is running (or was never paused) and ctx.Err() if the context is
// done first. An upload already in flight is never interrupted: pausing takes
// effect at the next chunk boundary.
type Gate interface {
	Wait(ctx context.Context) error
}

// ChunkError reports that a single chunk could not be uploaded after the
// sender exhausted its retries.
type ChunkError struct {
	Index int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("upload chunk %d: %s", e.Index, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// Pool uploads pending chunks with bounded parallelism.
type Pool struct {
	maxParallel int
	logger      log.Logger
}

// New creates a pool that runs at most maxParallel concurrent uploads.
func New(maxParallel int, logger log.Logger) *Pool {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Pool{
		maxParallel: maxParallel,
		logger:      logger,
	}
}

// Upload sends every chunk of plan the store does not have yet. Each worker
// opens its own file handle for positioned reads. onChunk is called after
// every successful chunk upload with the index and byte length of the chunk;
// calls may arrive in any order.
//
// The first worker error cancels the remaining claims; sibling uploads
// already in flight still finish and report through onChunk before the error
// is returned.
func (p *Pool) Upload(ctx context.Context, path string, plan Plan, sender ChunkSender, gate Gate, onChunk func(index int, size int64)) error {
	pending := PendingChunks(plan)
	if len(pending) == 0 {
		p.logger.Debugf("No pending chunks, store already has all %d", plan.TotalChunks)
		return nil
	}

	workers := concurrency(p.maxParallel, len(pending))
	p.logger.Debugf("Uploading %d pending chunks of %d with %d workers", len(pending), plan.TotalChunks, workers)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var cursor int64 = -1
	errs := make(chan error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.runWorker(workerCtx, path, plan, pending, &cursor, sender, gate, onChunk); err != nil {
				errs <- err
				cancel()
			}
		}()
	}
	wg.Wait()
	close(errs)

	if err := <-errs; err != nil {
		return err
	}
	return ctx.Err()
}

// runWorker claims and uploads chunks until the pending list is exhausted or
// the context is cancelled. A cancelled context is not an error here: either
// the caller gave up (reported by Upload) or a sibling already failed.
func (p *Pool) runWorker(ctx context.Context, path string, plan Plan, pending []int, cursor *int64, sender ChunkSender, gate Gate, onChunk func(index int, size int64)) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func(file *os.File) {
		if err := file.Close(); err != nil {
			p.logger.Errorf("failed to close file: %s", err)
		}
	}(file)

	for {
		next := atomic.AddInt64(cursor, 1)
		if next >= int64(len(pending)) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		index := pending[next]

		if err := gate.Wait(ctx); err != nil {
			return nil
		}

		size := ChunkByteSize(plan.TotalSize, plan.ChunkSize, index)
		data, err := io.ReadAll(io.NewSectionReader(file, int64(index)*plan.ChunkSize, size))
		if err != nil {
			return fmt.Errorf("read chunk %d: %w", index, err)
		}

		if err := sender.UploadChunk(ctx, plan.UploadID, index, data); err != nil {
			return &ChunkError{Index: index, Err: err}
		}

		onChunk(index, size)
	}
}

// PendingChunks returns the 0-based indices of plan not yet held by the
// store, in ascending order. Out-of-range indices in Received are ignored.
func PendingChunks(plan Plan) []int {
	received := make(map[int]bool, len(plan.Received))
	for _, index := range plan.Received {
		if index >= 0 && index < plan.TotalChunks {
			received[index] = true
		}
	}

	pending := make([]int, 0, plan.TotalChunks-len(received))
	for i := 0; i < plan.TotalChunks; i++ {
		if !received[i] {
			pending = append(pending, i)
		}
	}
	return pending
}

// TotalChunks returns ceil(size / chunkSize).
func TotalChunks(size, chunkSize int64) int {
	return int((size + chunkSize - 1) / chunkSize)
}

// ChunkByteSize returns the byte length of the chunk at index: chunkSize for
// every chunk except possibly the last, which holds the remainder.
func ChunkByteSize(totalSize, chunkSize int64, index int) int64 {
	remaining := totalSize - int64(index)*chunkSize
	if remaining < chunkSize {
		return remaining
	}
	return chunkSize
}

// concurrency bounds the worker count by the configured maximum, half the
// CPU count and the amount of pending work, with a floor of one.
func concurrency(maxParallel, pending int) int {
	c := runtime.NumCPU() / 2
	if c > maxParallel {
		c = maxParallel
	}
	if c > pending {
		c = pending
	}
	if c < 1 {
		c = 1
	}
	return c
}
