package transfer

import "sync"

// progressReporter turns uploaded byte counts into a monotonically
// non-decreasing fraction in [0,1] and publishes it on a latest-wins channel.
// Chunk completions arrive in any order across workers; only the byte total
// matters.
type progressReporter struct {
	total int64

	mu       sync.Mutex
	uploaded int64
	last     float64

	events chan float64
}

func newProgressReporter(total int64) *progressReporter {
	return &progressReporter{
		total:  total,
		events: make(chan float64, 1),
	}
}

// add records n newly uploaded bytes and publishes the updated fraction.
// A slow consumer only ever misses intermediate values, never the latest.
// Publishing happens under the mutex so a concurrent smaller fraction can
// never overwrite a larger one in the buffer.
func (r *progressReporter) add(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.uploaded += n
	fraction := float64(r.uploaded) / float64(r.total)
	if fraction > 1 {
		fraction = 1
	}
	if fraction < r.last {
		return
	}
	r.last = fraction

	select {
	case r.events <- fraction:
	default:
		select {
		case <-r.events:
		default:
		}
		r.events <- fraction
	}
}

func (r *progressReporter) close() {
	close(r.events)
}
