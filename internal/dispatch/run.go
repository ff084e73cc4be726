package dispatch

import (
	"sort"
	"sync"
	"time"
)

// run is the mutable state of one batch. Counters and results share one lock
// so a snapshot always satisfies Processed == Successful+Failed == len(Results).
type run struct {
	id   string
	done chan struct{}

	mu      sync.Mutex
	batch   Batch
	results map[int]DeliveryResult
	faulted bool
}

func newRun(id, templateName string, total int, now time.Time) *run {
	started := now
	return &run{
		id:   id,
		done: make(chan struct{}),
		batch: Batch{
			ID:           id,
			TemplateName: templateName,
			Total:        total,
			Status:       StatusRunning,
			CreatedAt:    now,
			StartedAt:    &started,
		},
		results: make(map[int]DeliveryResult, total),
	}
}

// record stores the terminal outcome for the client at index. A second
// outcome for the same index is ignored.
func (r *run) record(index int, res DeliveryResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.results[index]; dup {
		return
	}
	r.results[index] = res
	r.batch.Processed++
	if res.Status == DeliverySent {
		r.batch.Successful++
	} else {
		r.batch.Failed++
	}
}

func (r *run) isFaulted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.faulted
}

// markFaultedIfNoSuccess flags the batch as faulted when nothing has been
// delivered yet. It reports whether the batch is faulted afterwards.
func (r *run) markFaultedIfNoSuccess() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.batch.Successful == 0 {
		r.faulted = true
	}
	return r.faulted
}

// complete settles the final status. A send already in flight when the batch
// faulted may still succeed, and then the batch is not FAILED.
func (r *run) complete(at time.Time) Batch {
	r.mu.Lock()
	if r.faulted && r.batch.Successful == 0 {
		r.batch.Status = StatusFailed
	} else {
		r.batch.Status = StatusCompleted
	}
	finished := at
	r.batch.FinishedAt = &finished
	r.mu.Unlock()
	return r.snapshot()
}

// snapshot copies the batch with results ordered as the input clients.
func (r *run) snapshot() Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.batch
	if b.StartedAt != nil {
		v := *b.StartedAt
		b.StartedAt = &v
	}
	if b.FinishedAt != nil {
		v := *b.FinishedAt
		b.FinishedAt = &v
	}
	indexes := make([]int, 0, len(r.results))
	for i := range r.results {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	b.Results = make([]DeliveryResult, 0, len(indexes))
	for _, i := range indexes {
		b.Results = append(b.Results, r.results[i])
	}
	return b
}
