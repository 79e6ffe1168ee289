package transfer

import (
	"sync"

	"github.com/dshare/go-transfer/transfer/chunkpool"
)

// transferState tracks which chunks the store holds during one transfer
// attempt. Workers on separate goroutines report completions concurrently,
// so the set is mutex-guarded. Invariant: uploadedBytes equals the summed
// byte length of the indices in received.
type transferState struct {
	mu            sync.Mutex
	received      map[int]bool
	uploadedBytes int64

	totalSize int64
	chunkSize int64
}

func newTransferState(totalSize, chunkSize int64, received []int, totalChunks int) *transferState {
	s := &transferState{
		received:  make(map[int]bool, totalChunks),
		totalSize: totalSize,
		chunkSize: chunkSize,
	}
	for _, index := range received {
		if index >= 0 && index < totalChunks {
			s.markReceived(index)
		}
	}
	return s
}

// markReceived adds index to the received set and returns the number of
// bytes newly accounted for: zero if the index was already present, the
// chunk's byte length otherwise. Re-uploads during gap recovery must not be
// counted twice.
func (s *transferState) markReceived(index int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.received[index] {
		return 0
	}
	s.received[index] = true
	size := chunkpool.ChunkByteSize(s.totalSize, s.chunkSize, index)
	s.uploadedBytes += size
	return size
}

func (s *transferState) uploaded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadedBytes
}

func (s *transferState) has(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received[index]
}
