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

package event

import (
	"context"
	"os"
	"testing"

	"github.com/noetl/noetl-sub001/pkg/errors"
)

func testDSN(t *testing.T) string {
	dsn := os.Getenv("TEST_EVENT_DSN")
	if dsn == "" {
		t.Skip("TEST_EVENT_DSN not set, skipping Postgres event store tests")
	}
	return dsn
}

func newTestPgStore(t *testing.T, ctx context.Context) (*PgStore, func()) {
	store, err := NewPgStore(ctx, testDSN(t), 1)
	if err != nil {
		t.Fatalf("NewPgStore: %v", err)
	}
	// 清空表以便测试独立
	_, _ = store.pool.Exec(ctx, `DELETE FROM error_log`)
	_, _ = store.pool.Exec(ctx, `DELETE FROM workload`)
	_, _ = store.pool.Exec(ctx, `DELETE FROM event`)
	return store, func() { store.Close() }
}

func TestPgStore_AppendAndInference(t *testing.T) {
	ctx := context.Background()
	store, cleanup := newTestPgStore(t, ctx)
	defer cleanup()

	rootID, err := store.Append(ctx, newRoot(100, 7))
	if err != nil {
		t.Fatalf("Append root: %v", err)
	}
	id2, err := store.Append(ctx, &Event{
		ExecutionID:   100,
		ParentEventID: rootID,
		EventType:     TypeWorkflowInitialized,
		Status:        StatusRunning,
	})
	if err != nil {
		t.Fatalf("Append second: %v", err)
	}
	e, err := store.Get(ctx, id2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.CatalogID != 7 {
		t.Errorf("catalog_id 未推断: %d", e.CatalogID)
	}
	if e.ParentEventID != rootID {
		t.Errorf("parent_event_id: %d", e.ParentEventID)
	}
}

func TestPgStore_MarkerIdempotent(t *testing.T) {
	ctx := context.Background()
	store, cleanup := newTestPgStore(t, ctx)
	defer cleanup()

	if _, err := store.Append(ctx, newRoot(200, 1)); err != nil {
		t.Fatalf("Append root: %v", err)
	}
	mk := func() *Event {
		return &Event{
			ExecutionID: 200,
			EventType:   TypeStepCompleted,
			NodeName:    "fetch",
			NodeID:      "200:fetch",
			Status:      StatusCompleted,
		}
	}
	first, err := store.Append(ctx, mk())
	if err != nil {
		t.Fatalf("Append marker: %v", err)
	}
	second, err := store.Append(ctx, mk())
	if err != nil {
		t.Fatalf("Append duplicate: %v", err)
	}
	if first != second {
		t.Errorf("duplicate marker: %d != %d", first, second)
	}
	events, err := store.ListByExecution(ctx, 200, Filter{Types: []Type{TypeStepCompleted}})
	if err != nil {
		t.Fatalf("ListByExecution: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("marker stored %d times", len(events))
	}
}

func TestPgStore_Workload(t *testing.T) {
	ctx := context.Background()
	store, cleanup := newTestPgStore(t, ctx)
	defer cleanup()

	if err := store.SetWorkload(ctx, 1, map[string]interface{}{"city": "oslo"}); err != nil {
		t.Fatalf("SetWorkload: %v", err)
	}
	// upsert 覆盖
	if err := store.SetWorkload(ctx, 1, map[string]interface{}{"city": "bergen"}); err != nil {
		t.Fatalf("SetWorkload upsert: %v", err)
	}
	w, err := store.GetWorkload(ctx, 1)
	if err != nil {
		t.Fatalf("GetWorkload: %v", err)
	}
	if w["city"] != "bergen" {
		t.Errorf("GetWorkload: %v", w)
	}
	if _, err := store.GetWorkload(ctx, 42); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("GetWorkload missing: %v", err)
	}
}

func TestPgStore_LogError(t *testing.T) {
	ctx := context.Background()
	store, cleanup := newTestPgStore(t, ctx)
	defer cleanup()

	err := store.LogError(ctx, &ErrorEntry{
		ExecutionID: 1,
		NodeName:    "fetch",
		Component:   "broker",
		Message:     "step failed terminally",
	})
	if err != nil {
		t.Fatalf("LogError: %v", err)
	}
}
