// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"
)

func testDSN(t *testing.T) string {
	dsn := os.Getenv("TEST_QUEUE_DSN")
	if dsn == "" {
		t.Skip("TEST_QUEUE_DSN not set, skipping Postgres queue tests")
	}
	return dsn
}

func newTestPgQueue(t *testing.T, ctx context.Context) (*PgQueue, func()) {
	q, err := NewPgQueue(ctx, testDSN(t), 1)
	if err != nil {
		t.Fatalf("NewPgQueue: %v", err)
	}
	// 清空表以便测试独立
	_, _ = q.pool.Exec(ctx, `DELETE FROM queue`)
	return q, func() { q.Close() }
}

func TestPgQueue_EnqueueConflictReturnsExisting(t *testing.T) {
	ctx := context.Background()
	q, cleanup := newTestPgQueue(t, ctx)
	defer cleanup()

	id1, err := q.Enqueue(ctx, newEntry(1, "fetch"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	id2, err := q.Enqueue(ctx, newEntry(1, "fetch"))
	if err != nil {
		t.Fatalf("Enqueue duplicate: %v", err)
	}
	if id1 != id2 {
		t.Errorf("duplicate enqueue: %d != %d", id1, id2)
	}
}

func TestPgQueue_LeaseHeartbeatComplete(t *testing.T) {
	ctx := context.Background()
	q, cleanup := newTestPgQueue(t, ctx)
	defer cleanup()

	id, _ := q.Enqueue(ctx, newEntry(1, "fetch"))
	e, err := q.Lease(ctx, "w1", time.Minute, LeaseFilter{})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if e == nil || e.QueueID != id || e.Attempts != 1 {
		t.Fatalf("Lease: %+v", e)
	}
	if err := q.Heartbeat(ctx, id, "w1", time.Minute); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := q.Heartbeat(ctx, id, "w2", 0); err != ErrLeaseStolen {
		t.Errorf("Heartbeat wrong worker: %v", err)
	}
	if err := q.Complete(ctx, id, "w1", map[string]interface{}{"status": "success"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, _ := q.Get(ctx, id)
	if got.Status != StatusDone {
		t.Errorf("status: %s", got.Status)
	}
}

func TestPgQueue_ConcurrentLeaseExclusive(t *testing.T) {
	ctx := context.Background()
	q, cleanup := newTestPgQueue(t, ctx)
	defer cleanup()

	for i := 0; i < 20; i++ {
		_, _ = q.Enqueue(ctx, newEntry(int64(i+1), "fetch"))
	}

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				e, err := q.Lease(ctx, worker, time.Minute, LeaseFilter{})
				if err != nil {
					t.Errorf("Lease: %v", err)
					return
				}
				if e == nil {
					return
				}
				mu.Lock()
				if seen[e.QueueID] {
					t.Errorf("entry %d leased twice", e.QueueID)
				}
				seen[e.QueueID] = true
				mu.Unlock()
			}
		}("w" + string(rune('a'+w)))
	}
	wg.Wait()
	if len(seen) != 20 {
		t.Errorf("leased %d of 20", len(seen))
	}
}

func TestPgQueue_SweepAndRedelivery(t *testing.T) {
	ctx := context.Background()
	q, cleanup := newTestPgQueue(t, ctx)
	defer cleanup()

	id, _ := q.Enqueue(ctx, newEntry(1, "fetch"))
	if _, err := q.Lease(ctx, "w1", time.Millisecond, LeaseFilter{}); err != nil {
		t.Fatalf("Lease: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	n, err := q.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep requeued %d", n)
	}
	if err := q.Heartbeat(ctx, id, "w1", 0); err != ErrLeaseStolen {
		t.Errorf("Heartbeat after sweep: %v", err)
	}
	e, _ := q.Lease(ctx, "w2", time.Minute, LeaseFilter{})
	if e == nil || e.Attempts != 2 {
		t.Errorf("re-lease: %+v", e)
	}
}

func TestPgQueue_FailRetryThenDead(t *testing.T) {
	ctx := context.Background()
	q, cleanup := newTestPgQueue(t, ctx)
	defer cleanup()

	entry := newEntry(1, "fetch")
	entry.MaxAttempts = 2
	id, _ := q.Enqueue(ctx, entry)

	if _, err := q.Lease(ctx, "w1", time.Minute, LeaseFilter{}); err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if err := q.Fail(ctx, id, "w1", "boom", true, time.Now()); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, _ := q.Get(ctx, id)
	if got.Status != StatusQueued {
		t.Fatalf("status after first fail: %s", got.Status)
	}

	if _, err := q.Lease(ctx, "w1", time.Minute, LeaseFilter{}); err != nil {
		t.Fatalf("Lease second: %v", err)
	}
	if err := q.Fail(ctx, id, "w1", "boom", true, time.Now()); err != nil {
		t.Fatalf("Fail second: %v", err)
	}
	got, _ = q.Get(ctx, id)
	if got.Status != StatusDead {
		t.Errorf("status after max attempts: %s", got.Status)
	}
}
