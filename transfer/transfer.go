// Package transfer implements a resumable, chunked file upload against the
// remote share store. A file is split into fixed-size chunks, missing chunks
// are uploaded in parallel under a bounded worker pool, and the session is
// finalized with a single gap-recovery round. Resume tokens persisted in the
// resume store let an interrupted upload rejoin its session after a process
// restart.
package transfer

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"

	"github.com/dshare/go-transfer/resume"
	"github.com/dshare/go-transfer/transfer/chunkpool"
	"github.com/dshare/go-transfer/transfer/network"
)

// Transfer state machine. A terminal state (complete or failed) only applies
// to the finished invocation; the next Start call re-enters the machine.
const (
	stateIdle int32 = iota
	stateNegotiating
	stateTransferring
	stateFinalizing
	stateComplete
	stateFailed
)

// Notifier receives a notification when a transfer completes. Implemented by
// the presentation layer (e.g. a local notification center).
type Notifier interface {
	TransferCompleted(filename string)
}

// Transfer uploads files to the remote share store. At most one upload runs
// at a time; Start returns ErrBusy otherwise.
type Transfer struct {
	opts         Options
	client       network.Client
	store        *resume.Store
	notifier     Notifier
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	logger       log.Logger

	gate  *gate
	state int32
}

// Job is one transfer invocation. Progress delivers a monotonically
// non-decreasing fraction in [0,1] and is closed on termination; Wait blocks
// until the terminal outcome.
type Job struct {
	progress chan float64
	done     chan struct{}
	err      error
}

// Progress returns the progress event channel. The channel is latest-wins:
// a slow consumer misses intermediate fractions, never the final one.
func (j *Job) Progress() <-chan float64 {
	return j.progress
}

// Wait blocks until the transfer terminates and returns its outcome.
func (j *Job) Wait() error {
	<-j.done
	return j.err
}

// NewTransfer creates a transfer client. `client` can be nil, unless you want
// to provide a custom store client implementation.
func NewTransfer(
	opts Options,
	store *resume.Store,
	notifier Notifier,
	pathModifier pathutil.PathModifier,
	pathChecker pathutil.PathChecker,
	logger log.Logger,
	client network.Client,
) *Transfer {
	opts = opts.withDefaults()
	if client == nil {
		client = network.NewClient(nil, opts.APIBaseURL, string(opts.AccessToken), logger)
	}
	return &Transfer{
		opts:         opts,
		client:       client,
		store:        store,
		notifier:     notifier,
		pathModifier: pathModifier,
		pathChecker:  pathChecker,
		logger:       logger,
		gate:         newGate(),
	}
}

// Start begins uploading the file at path. It validates the file
// synchronously, then negotiates, transfers and finalizes in the background;
// the returned Job carries progress events and the terminal outcome.
// Start returns ErrBusy while a previous transfer is still running.
func (t *Transfer) Start(ctx context.Context, path string) (*Job, error) {
	if !t.begin() {
		return nil, ErrBusy
	}

	desc, err := t.describeFile(path)
	if err != nil {
		atomic.StoreInt32(&t.state, stateIdle)
		return nil, err
	}

	reporter := newProgressReporter(desc.size)
	job := &Job{
		progress: reporter.events,
		done:     make(chan struct{}),
	}

	go func() {
		err := t.execute(ctx, desc, reporter)
		if err != nil {
			t.logger.Errorf("Transfer of %s failed: %s", desc.filename(), err)
			atomic.StoreInt32(&t.state, stateFailed)
		} else {
			atomic.StoreInt32(&t.state, stateComplete)
		}
		job.err = err
		reporter.close()
		close(job.done)
	}()

	return job, nil
}

// Pause suspends chunk uploads at the next chunk boundary. Uploads already
// in flight finish and still count as received.
func (t *Transfer) Pause() {
	t.gate.Pause()
	t.logger.Infof("Transfer paused")
}

// Resume wakes suspended chunk workers.
func (t *Transfer) Resume() {
	t.gate.Resume()
	t.logger.Infof("Transfer resumed")
}

// Paused reports whether the pause gate is currently engaged.
func (t *Transfer) Paused() bool {
	return t.gate.Paused()
}

// begin moves the state machine into negotiating, but only from idle or a
// terminal state. This is the single-flight guard.
func (t *Transfer) begin() bool {
	for {
		current := atomic.LoadInt32(&t.state)
		switch current {
		case stateIdle, stateComplete, stateFailed:
		default:
			return false
		}
		if atomic.CompareAndSwapInt32(&t.state, current, stateNegotiating) {
			return true
		}
	}
}

func (t *Transfer) execute(ctx context.Context, desc fileDescriptor, reporter *progressReporter) error {
	key := desc.identityKey()

	chunkSize := t.opts.ChunkSize
	resumeToken := ""
	entry, found, err := t.store.Get(key)
	if err != nil {
		t.logger.Warnf("Failed to read resume store: %s", err)
	} else if found {
		resumeToken = entry.UploadID
		chunkSize = entry.ChunkSize
		t.logger.Debugf("Found resume token for %s", desc.filename())
	}

	session, err := t.client.StartUpload(ctx, network.StartUploadRequest{
		Filename:    desc.filename(),
		Size:        desc.size,
		ChunkSize:   chunkSize,
		ContentType: desc.contentType(),
		UploadID:    resumeToken,
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNegotiationFailed, err)
	}

	// The store's received set is the source of truth on resume; losing the
	// token only costs resumability, so a failed write is not fatal.
	if err := t.store.Put(key, resume.Entry{UploadID: session.UploadID, ChunkSize: session.ChunkSize}); err != nil {
		t.logger.Warnf("Failed to persist resume token: %s", err)
	}

	plan := chunkpool.Plan{
		UploadID:    session.UploadID,
		ChunkSize:   session.ChunkSize,
		TotalSize:   desc.size,
		TotalChunks: session.TotalChunks,
		Received:    session.ReceivedChunks,
	}
	state := newTransferState(desc.size, session.ChunkSize, session.ReceivedChunks, session.TotalChunks)
	if uploaded := state.uploaded(); uploaded > 0 {
		t.logger.Infof("Resuming session %s: store already has %s of %s",
			session.UploadID,
			units.HumanSizeWithPrecision(float64(uploaded), 3),
			units.HumanSizeWithPrecision(float64(desc.size), 3))
	}
	reporter.add(state.uploaded())

	atomic.StoreInt32(&t.state, stateTransferring)
	t.logger.Infof("Uploading %s (%s, %d chunks)",
		desc.filename(),
		units.HumanSizeWithPrecision(float64(desc.size), 3),
		session.TotalChunks)

	pool := chunkpool.New(t.opts.MaxParallel, t.logger)
	err = pool.Upload(ctx, desc.path, plan, t.client, t.gate, func(index int, _ int64) {
		if added := state.markReceived(index); added > 0 {
			reporter.add(added)
		}
	})
	if err != nil {
		return err
	}

	atomic.StoreInt32(&t.state, stateFinalizing)
	if err := t.finalize(ctx, desc, plan, state, reporter); err != nil {
		return err
	}

	if err := t.store.Clear(key); err != nil {
		t.logger.Warnf("Failed to clear resume token: %s", err)
	}
	if t.notifier != nil {
		t.notifier.TransferCompleted(desc.filename())
	}
	t.logger.Donef("Transfer of %s complete", desc.filename())

	return nil
}
