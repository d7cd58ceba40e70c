package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/noetl/noetl-sub001/internal/cache"
	"github.com/noetl/noetl-sub001/pkg/errors"
)

const validPlaybook = `
name: weather
path: examples/weather
workload:
  city: oslo
workflow:
  - step: start
    next:
      - step: fetch
  - step: fetch
    tool:
      kind: http
      url: "https://api/{{ workload.city }}"
  - step: end
`

func TestService_RegisterValidates(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(0), nil, time.Minute)

	_, _, err := svc.Register(ctx, "", "", "workflow: [}")
	if !errors.Is(err, errors.ErrInvalidArg) {
		t.Errorf("bad yaml: %v", err)
	}

	// 迁移目标不存在
	_, _, err = svc.Register(ctx, "p", "1.0.0", `
workflow:
  - step: start
    next:
      - step: missing
`)
	if !errors.Is(err, errors.ErrInvalidArg) {
		t.Errorf("invalid playbook: %v", err)
	}
}

func TestService_RegisterAutoVersion(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(0), nil, time.Minute)

	// 剧本未声明版本：首次注册分配 0.1.0，重复注册递增
	pb := `
name: weather
path: examples/weather
workflow:
  - step: start
    next:
      - step: end
  - step: end
`
	_, v1, err := svc.Register(ctx, "", "", pb)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if v1 != "0.1.0" {
		t.Errorf("first version: %s", v1)
	}
	_, v2, err := svc.Register(ctx, "", "", pb)
	if err != nil {
		t.Fatalf("Register second: %v", err)
	}
	if v2 != "0.1.1" {
		t.Errorf("second version: %s", v2)
	}
}

func TestService_PlaybookCached(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	svc := NewService(store, cache.NewMemoryStore(), time.Minute)

	id, _, err := svc.Register(ctx, "", "", validPlaybook)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	pb, err := svc.Playbook(ctx, id)
	if err != nil {
		t.Fatalf("Playbook: %v", err)
	}
	if pb.Name != "weather" || len(pb.Workflow) != 3 {
		t.Errorf("Playbook: %+v", pb)
	}
	// 二次读取走缓存
	pb2, err := svc.Playbook(ctx, id)
	if err != nil {
		t.Fatalf("Playbook cached: %v", err)
	}
	if pb2.Name != pb.Name {
		t.Errorf("cached playbook: %+v", pb2)
	}
}

func TestService_Resolve(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(0), nil, time.Minute)

	id1, _, _ := svc.Register(ctx, "p", "0.1.0", validPlaybook)
	id2, _, _ := svc.Register(ctx, "p", "0.2.0", validPlaybook)

	e, err := svc.Resolve(ctx, "p", "0.1.0")
	if err != nil || e.CatalogID != id1 {
		t.Errorf("Resolve pinned: %+v err=%v", e, err)
	}
	e, err = svc.Resolve(ctx, "p", "latest")
	if err != nil || e.CatalogID != id2 {
		t.Errorf("Resolve latest: %+v err=%v", e, err)
	}
	if _, err := svc.Resolve(ctx, "missing", ""); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Resolve missing: %v", err)
	}
}
