package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/noetl/noetl-sub001/pkg/errors"
)

func newEntry(execID int64, step string) *Entry {
	return &Entry{
		ExecutionID: execID,
		CatalogID:   1,
		NodeID:      NodeID(execID, step),
		NodeName:    step,
		Action:      map[string]interface{}{"kind": "http", "url": "https://example"},
		MaxAttempts: 3,
	}
}

func TestMemoryQueue_EnqueueIdempotent(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(0)

	id1, err := q.Enqueue(ctx, newEntry(1, "fetch"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	id2, err := q.Enqueue(ctx, newEntry(1, "fetch"))
	if err != nil {
		t.Fatalf("Enqueue duplicate: %v", err)
	}
	if id1 != id2 {
		t.Errorf("duplicate enqueue should return existing id: %d != %d", id1, id2)
	}
	entries, _ := q.ListByExecution(ctx, 1)
	if len(entries) != 1 {
		t.Errorf("stored %d entries", len(entries))
	}
}

func TestMemoryQueue_LeaseAndComplete(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(0)
	id, _ := q.Enqueue(ctx, newEntry(1, "fetch"))

	e, err := q.Lease(ctx, "w1", time.Minute, LeaseFilter{})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if e == nil || e.QueueID != id {
		t.Fatalf("Lease: got %+v", e)
	}
	if e.Status != StatusLeased || e.WorkerID != "w1" || e.Attempts != 1 {
		t.Errorf("lease state: %+v", e)
	}

	// 已租出，二次领取为空
	e2, err := q.Lease(ctx, "w2", time.Minute, LeaseFilter{})
	if err != nil {
		t.Fatalf("Lease second: %v", err)
	}
	if e2 != nil {
		t.Errorf("second lease should be empty, got %+v", e2)
	}

	if err := q.Complete(ctx, id, "w1", map[string]interface{}{"status": "success"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, _ := q.Get(ctx, id)
	if got.Status != StatusDone {
		t.Errorf("status after Complete: %s", got.Status)
	}
}

func TestMemoryQueue_LeaseKindFilter(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(0)
	_, _ = q.Enqueue(ctx, newEntry(1, "fetch"))

	e, err := q.Lease(ctx, "w1", time.Minute, LeaseFilter{Kinds: []string{"python"}})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if e != nil {
		t.Errorf("kind filter should exclude http entry")
	}
	e, err = q.Lease(ctx, "w1", time.Minute, LeaseFilter{Kinds: []string{"python", "http"}})
	if err != nil || e == nil {
		t.Fatalf("Lease with matching kind: e=%v err=%v", e, err)
	}
}

func TestMemoryQueue_PriorityOrder(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(0)
	low := newEntry(1, "low")
	_, _ = q.Enqueue(ctx, low)
	high := newEntry(1, "high")
	high.Priority = 10
	_, _ = q.Enqueue(ctx, high)

	e, _ := q.Lease(ctx, "w1", time.Minute, LeaseFilter{})
	if e == nil || e.NodeName != "high" {
		t.Errorf("high priority should lease first, got %+v", e)
	}
}

func TestMemoryQueue_HeartbeatStolen(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(0)
	id, _ := q.Enqueue(ctx, newEntry(1, "fetch"))
	_, _ = q.Lease(ctx, "w1", time.Millisecond, LeaseFilter{})

	if err := q.Heartbeat(ctx, id, "w1", time.Minute); err != nil {
		t.Fatalf("Heartbeat by lessee: %v", err)
	}
	if err := q.Heartbeat(ctx, id, "w2", 0); !errors.Is(err, ErrLeaseStolen) {
		t.Errorf("Heartbeat by other worker: %v", err)
	}
}

func TestMemoryQueue_SweepRequeuesExpired(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(0)
	id, _ := q.Enqueue(ctx, newEntry(1, "fetch"))
	_, _ = q.Lease(ctx, "w1", time.Millisecond, LeaseFilter{})
	time.Sleep(5 * time.Millisecond)

	n, err := q.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep requeued %d", n)
	}
	// 原 worker 的心跳与完成都应失败
	if err := q.Heartbeat(ctx, id, "w1", 0); !errors.Is(err, ErrLeaseStolen) {
		t.Errorf("Heartbeat after sweep: %v", err)
	}
	e, _ := q.Lease(ctx, "w2", time.Minute, LeaseFilter{})
	if e == nil || e.Attempts != 2 {
		t.Errorf("re-lease after sweep: %+v", e)
	}
}

func TestMemoryQueue_FailRetryThenDead(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(0)
	entry := newEntry(1, "fetch")
	entry.MaxAttempts = 2
	id, _ := q.Enqueue(ctx, entry)

	_, _ = q.Lease(ctx, "w1", time.Minute, LeaseFilter{})
	if err := q.Fail(ctx, id, "w1", "boom", true, time.Now()); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, _ := q.Get(ctx, id)
	if got.Status != StatusQueued {
		t.Fatalf("status after retryable fail: %s", got.Status)
	}

	_, _ = q.Lease(ctx, "w1", time.Minute, LeaseFilter{})
	if err := q.Fail(ctx, id, "w1", "boom again", true, time.Now()); err != nil {
		t.Fatalf("Fail second: %v", err)
	}
	got, _ = q.Get(ctx, id)
	if got.Status != StatusDead {
		t.Errorf("status after max attempts: %s", got.Status)
	}
}

func TestMemoryQueue_FailNoRetry(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(0)
	id, _ := q.Enqueue(ctx, newEntry(1, "fetch"))
	_, _ = q.Lease(ctx, "w1", time.Minute, LeaseFilter{})
	if err := q.Fail(ctx, id, "w1", "fatal", false, time.Time{}); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, _ := q.Get(ctx, id)
	if got.Status != StatusDead {
		t.Errorf("status: %s", got.Status)
	}
}

func TestMemoryQueue_AvailableAtDelaysLease(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(0)
	entry := newEntry(1, "fetch")
	entry.AvailableAt = time.Now().Add(time.Hour)
	_, _ = q.Enqueue(ctx, entry)

	e, _ := q.Lease(ctx, "w1", time.Minute, LeaseFilter{})
	if e != nil {
		t.Errorf("entry should not be leasable before available_at")
	}
}

func TestMemoryQueue_ConcurrentLeaseExclusive(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(0)
	for i := 0; i < 10; i++ {
		_, _ = q.Enqueue(ctx, newEntry(int64(i+1), "fetch"))
	}

	var mu sync.Mutex
	seen := make(map[int64]string)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				e, err := q.Lease(ctx, worker, time.Minute, LeaseFilter{})
				if err != nil || e == nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[e.QueueID]; dup {
					t.Errorf("entry %d leased by both %s and %s", e.QueueID, prev, worker)
				}
				seen[e.QueueID] = worker
				mu.Unlock()
			}
		}("w" + string(rune('a'+w)))
	}
	wg.Wait()
	if len(seen) != 10 {
		t.Errorf("leased %d of 10 entries", len(seen))
	}
}

func TestMemoryQueue_Stats(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(0)
	_, _ = q.Enqueue(ctx, newEntry(1, "a"))
	_, _ = q.Enqueue(ctx, newEntry(1, "b"))
	_, _ = q.Lease(ctx, "w1", time.Minute, LeaseFilter{})

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[StatusQueued] != 1 || stats[StatusLeased] != 1 {
		t.Errorf("Stats: %v", stats)
	}
}
