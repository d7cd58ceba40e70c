package planner

import (
	"context"
	"testing"
	"time"

	"github.com/noetl/noetl-sub001/internal/catalog"
	"github.com/noetl/noetl-sub001/internal/event"
	"github.com/noetl/noetl-sub001/pkg/errors"
)

const weatherPlaybook = `
name: weather
path: examples/weather
workload:
  city: oslo
  threshold: 25
workflow:
  - step: start
    next:
      - step: fetch
  - step: fetch
    tool:
      kind: http
      url: "https://api/{{ workload.city }}"
    next:
      - when: "{{ fetch.temp > workload.threshold }}"
        step: alert
      - step: end
  - step: alert
    tool:
      kind: http
      url: "https://hooks/alert"
  - step: end
workbook:
  - name: notify
    kind: http
    url: "https://hooks/notify"
`

func newPlanner(t *testing.T) (*Planner, *catalog.Service, event.Store, DefStore, int64) {
	t.Helper()
	cat := catalog.NewService(catalog.NewMemoryStore(0), nil, time.Minute)
	events := event.NewMemoryStore(0)
	defs := NewMemoryDefStore()
	p, err := New(cat, events, defs, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, _, err := cat.Register(context.Background(), "", "", weatherPlaybook)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return p, cat, events, defs, id
}

func TestPlanner_Plan(t *testing.T) {
	ctx := context.Background()
	p, _, events, defs, catalogID := newPlanner(t)

	res, err := p.Plan(ctx, &Request{
		CatalogID: catalogID,
		Payload:   map[string]interface{}{"city": "bergen"},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if res.ExecutionID == 0 || res.RootEventID == 0 {
		t.Fatalf("Plan: %+v", res)
	}
	// payload 覆盖 workload 同名键，未覆盖键保留
	if res.Workload["city"] != "bergen" {
		t.Errorf("workload city: %v", res.Workload["city"])
	}
	if res.Workload["threshold"] != 25 {
		t.Errorf("workload threshold: %v", res.Workload["threshold"])
	}

	// 根事件 + workflow_initialized
	evs, _ := events.ListByExecution(ctx, res.ExecutionID, event.Filter{})
	if len(evs) != 2 {
		t.Fatalf("events: %d", len(evs))
	}
	if evs[0].EventType != event.TypeExecutionStarted || evs[0].CatalogID != catalogID {
		t.Errorf("root event: %+v", evs[0])
	}
	if evs[1].EventType != event.TypeWorkflowInitialized || evs[1].ParentEventID != res.RootEventID {
		t.Errorf("init event: %+v", evs[1])
	}

	// workload 落库
	w, err := events.GetWorkload(ctx, res.ExecutionID)
	if err != nil || w["city"] != "bergen" {
		t.Errorf("stored workload: %v err=%v", w, err)
	}

	// 定义行
	d, err := defs.Get(ctx, res.ExecutionID)
	if err != nil {
		t.Fatalf("defs: %v", err)
	}
	if len(d.Workflow) != 4 {
		t.Errorf("workflow rows: %d", len(d.Workflow))
	}
	if len(d.Transitions) != 3 {
		t.Errorf("transition rows: %d", len(d.Transitions))
	}
	if len(d.Workbook) != 1 || d.Workbook[0].TaskName != "notify" {
		t.Errorf("workbook rows: %+v", d.Workbook)
	}
}

func TestPlanner_PlanInvalidPlaybook(t *testing.T) {
	ctx := context.Background()
	// 绕过 Service 校验直接注册坏剧本，规划时必须再拦一次
	store := catalog.NewMemoryStore(0)
	cat := catalog.NewService(store, nil, time.Minute)
	id, err := store.Register(ctx, "bad", "1.0.0", `
workflow:
  - step: start
    next:
      - step: missing
`)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	p, _ := New(cat, event.NewMemoryStore(0), NewMemoryDefStore(), 0)
	if _, err := p.Plan(ctx, &Request{CatalogID: id}); !errors.Is(err, errors.ErrInvalidArg) {
		t.Errorf("invalid playbook: %v", err)
	}
}

func TestPlanner_SubPlaybookLineage(t *testing.T) {
	ctx := context.Background()
	p, _, events, _, catalogID := newPlanner(t)

	res, err := p.Plan(ctx, &Request{
		CatalogID:         catalogID,
		ParentExecutionID: 900,
		ParentEventID:     901,
		ParentStep:        "spawn",
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	root, _ := events.FirstByType(ctx, res.ExecutionID, event.TypeExecutionStarted)
	if root.ParentExecutionID != 900 || root.ParentEventID != 901 {
		t.Errorf("lineage: %+v", root)
	}
	if root.Meta["parent_step"] != "spawn" {
		t.Errorf("meta: %v", root.Meta)
	}
}
