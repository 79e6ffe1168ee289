package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dshare/go-transfer/transfer/chunkpool"
	"github.com/dshare/go-transfer/transfer/network"
)

// finalize completes the upload session. If the store reports missing chunks
// the listed chunks are re-uploaded sequentially and completion is attempted
// exactly once more; the recovery pass is bounded to that single round, a
// second conflict is terminal.
func (t *Transfer) finalize(ctx context.Context, desc fileDescriptor, plan chunkpool.Plan, state *transferState, reporter *progressReporter) error {
	err := t.client.CompleteUpload(ctx, plan.UploadID)
	if err == nil {
		return nil
	}

	var conflict *network.ConflictError
	if !errors.As(err, &conflict) {
		return fmt.Errorf("%w: %s", ErrCompletionFailed, err)
	}

	t.logger.Warnf("Store reports %d missing chunks, re-uploading: %v", len(conflict.MissingChunks), conflict.MissingChunks)
	if err := t.uploadMissing(ctx, desc, plan, state, reporter, conflict.MissingChunks); err != nil {
		return fmt.Errorf("%w: %s", ErrRecoveryFailed, err)
	}

	if err := t.client.CompleteUpload(ctx, plan.UploadID); err != nil {
		return fmt.Errorf("%w: %s", ErrRecoveryFailed, err)
	}
	return nil
}

// uploadMissing re-sends the listed chunks one by one, each gated by the
// pause gate. Re-sent chunks were already counted when first uploaded, so
// progress only moves for indices the local set never saw.
func (t *Transfer) uploadMissing(ctx context.Context, desc fileDescriptor, plan chunkpool.Plan, state *transferState, reporter *progressReporter, missing []int) error {
	file, err := os.Open(desc.path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func(file *os.File) {
		if err := file.Close(); err != nil {
			t.logger.Errorf("failed to close file: %s", err)
		}
	}(file)

	for _, index := range missing {
		if index < 0 || index >= plan.TotalChunks {
			return fmt.Errorf("store reported out-of-range chunk %d", index)
		}

		if err := t.gate.Wait(ctx); err != nil {
			return err
		}

		size := chunkpool.ChunkByteSize(plan.TotalSize, plan.ChunkSize, index)
		data, err := io.ReadAll(io.NewSectionReader(file, int64(index)*plan.ChunkSize, size))
		if err != nil {
			return fmt.Errorf("read chunk %d: %w", index, err)
		}

		if err := t.client.UploadChunk(ctx, plan.UploadID, index, data); err != nil {
			return fmt.Errorf("re-upload chunk %d: %w", index, err)
		}

		if added := state.markReceived(index); added > 0 {
			reporter.add(added)
		}
	}

	return nil
}
