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

package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"

	"github.com/noetl/noetl-sub001/internal/api/http/middleware"
	"github.com/noetl/noetl-sub001/internal/broker"
	"github.com/noetl/noetl-sub001/internal/cache"
	"github.com/noetl/noetl-sub001/internal/catalog"
	"github.com/noetl/noetl-sub001/internal/event"
	"github.com/noetl/noetl-sub001/internal/planner"
	"github.com/noetl/noetl-sub001/internal/queue"
	"github.com/noetl/noetl-sub001/pkg/config"
)

const greetYAML = `
name: greet
path: demo/greet
workload:
  who: world
workflow:
  - step: start
    next:
      - step: hello
  - step: hello
    tool:
      kind: http
      url: http://svc/hello
      args:
        who: "{{ workload.who }}"
    next:
      - step: end
  - step: end
`

func buildServerForTest(t *testing.T) *server.Hertz {
	t.Helper()
	events := event.NewMemoryStore(1)
	q := queue.NewMemoryQueue(1)
	cat := catalog.NewService(catalog.NewMemoryStore(1), cache.NewMemoryStore(), time.Minute)
	pl, err := planner.New(cat, events, planner.NewMemoryDefStore(), 1)
	if err != nil {
		t.Fatalf("planner: %v", err)
	}
	bk := broker.New(events, q, cat, nil)
	events.Subscribe(bk.Listener())

	h := NewHandler(cat, pl, bk, events, q, nil)
	mw := middleware.NewMiddleware(config.CORSConfig{}, config.MiddlewareConfig{})
	return NewRouter(h, mw).Build(":0")
}

func postJSON(t *testing.T, s *server.Hertz, path string, body interface{}) *ut.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ut.PerformRequest(s.Engine, "POST", path,
		&ut.Body{Body: bytes.NewReader(raw), Len: len(raw)},
		ut.Header{Key: "Content-Type", Value: "application/json"})
}

func getJSON(t *testing.T, s *server.Hertz, path string) *ut.ResponseRecorder {
	t.Helper()
	return ut.PerformRequest(s.Engine, "GET", path, &ut.Body{Body: bytes.NewReader(nil), Len: 0})
}

func decode(t *testing.T, w *ut.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Result().Body(), &out); err != nil {
		t.Fatalf("响应不是 JSON 对象: %v (%s)", err, w.Result().Body())
	}
	return out
}

func registerGreet(t *testing.T, s *server.Hertz) int64 {
	t.Helper()
	w := postJSON(t, s, "/api/catalog/register", map[string]interface{}{"content": greetYAML})
	if w.Result().StatusCode() != 200 {
		t.Fatalf("register status = %d: %s", w.Result().StatusCode(), w.Result().Body())
	}
	body := decode(t, w)
	return int64(body["catalog_id"].(float64))
}

func TestRegisterPlaybookInvalidYAML(t *testing.T) {
	s := buildServerForTest(t)
	w := postJSON(t, s, "/api/catalog/register", map[string]interface{}{"content": "workflow: {broken"})
	if got := w.Result().StatusCode(); got != 400 {
		t.Fatalf("status = %d, want 400", got)
	}
}

func TestRegisterAndGetPlaybook(t *testing.T) {
	s := buildServerForTest(t)
	id := registerGreet(t, s)

	w := getJSON(t, s, fmt.Sprintf("/api/catalog/%d", id))
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("get status = %d", got)
	}
	body := decode(t, w)
	if body["path"] != "demo/greet" {
		t.Fatalf("path = %v", body["path"])
	}

	w = getJSON(t, s, "/api/catalog")
	list := decode(t, w)
	if list["total"] != float64(1) {
		t.Fatalf("total = %v", list["total"])
	}
}

func TestGetPlaybookNotFound(t *testing.T) {
	s := buildServerForTest(t)
	w := getJSON(t, s, "/api/catalog/999")
	if got := w.Result().StatusCode(); got != 404 {
		t.Fatalf("status = %d, want 404", got)
	}
}

func TestRunExecutionAndLeaseCycle(t *testing.T) {
	s := buildServerForTest(t)
	registerGreet(t, s)

	// path 定位剧本，payload 覆盖 workload
	w := postJSON(t, s, "/api/executions/run", map[string]interface{}{
		"path":    "demo/greet",
		"payload": map[string]interface{}{"who": "gopher"},
	})
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("run status = %d: %s", got, w.Result().Body())
	}
	run := decode(t, w)
	if run["status"] != "running" {
		t.Fatalf("status = %v", run["status"])
	}
	executionID := int64(run["execution_id"].(float64))
	if run["id"] != fmt.Sprintf("%d", executionID) {
		t.Fatalf("id 与 execution_id 不一致: %v", run["id"])
	}

	// 首步已入队，lease 取出
	w = postJSON(t, s, "/api/queue/lease", map[string]interface{}{
		"worker_id":     "w1",
		"lease_seconds": 60,
	})
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("lease status = %d: %s", got, w.Result().Body())
	}
	entry := decode(t, w)
	if entry["node_name"] != "hello" {
		t.Fatalf("node_name = %v", entry["node_name"])
	}
	queueID := int64(entry["queue_id"].(float64))
	action := entry["action"].(map[string]interface{})
	args := action["args"].(map[string]interface{})
	if args["who"] != "gopher" {
		t.Fatalf("args.who = %v（应已按 payload 渲染）", args["who"])
	}

	// 他人心跳 → 409
	w = postJSON(t, s, fmt.Sprintf("/api/queue/%d/heartbeat", queueID), map[string]interface{}{
		"worker_id": "w2",
	})
	if got := w.Result().StatusCode(); got != 409 {
		t.Fatalf("stolen heartbeat status = %d, want 409", got)
	}

	// 持有者心跳 → 200
	w = postJSON(t, s, fmt.Sprintf("/api/queue/%d/heartbeat", queueID), map[string]interface{}{
		"worker_id": "w1",
	})
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("heartbeat status = %d", got)
	}

	// 完成 + 结果事件 → 执行走到 end
	envelope := map[string]interface{}{
		"status": "success",
		"data":   map[string]interface{}{"greeting": "hello gopher"},
	}
	w = postJSON(t, s, fmt.Sprintf("/api/queue/%d/complete", queueID), map[string]interface{}{
		"worker_id": "w1",
		"result":    envelope,
	})
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("complete status = %d", got)
	}
	w = postJSON(t, s, "/api/events", map[string]interface{}{
		"execution_id": executionID,
		"event_type":   "action_completed",
		"node_id":      entry["node_id"],
		"node_name":    "hello",
		"status":       "COMPLETED",
		"result":       envelope,
	})
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("event status = %d: %s", got, w.Result().Body())
	}

	// 摘要应为 completed，最终结果透传
	w = getJSON(t, s, fmt.Sprintf("/api/executions/%d", executionID))
	summary := decode(t, w)
	if summary["status"] != "completed" {
		t.Fatalf("summary status = %v", summary["status"])
	}
	result := summary["result"].(map[string]interface{})
	if result["greeting"] != "hello gopher" {
		t.Fatalf("result = %v", summary["result"])
	}

	// 事件流可回放
	w = getJSON(t, s, fmt.Sprintf("/api/executions/%d/events", executionID))
	evs := decode(t, w)
	if evs["total"].(float64) < 5 {
		t.Fatalf("事件数 = %v", evs["total"])
	}
}

func TestLeaseEmptyQueue(t *testing.T) {
	s := buildServerForTest(t)
	w := postJSON(t, s, "/api/queue/lease", map[string]interface{}{"worker_id": "w1"})
	if got := w.Result().StatusCode(); got != 204 {
		t.Fatalf("status = %d, want 204", got)
	}
}

func TestAppendEventInvalidType(t *testing.T) {
	s := buildServerForTest(t)
	w := postJSON(t, s, "/api/events", map[string]interface{}{
		"execution_id": 1,
		"event_type":   "made_up_event",
	})
	if got := w.Result().StatusCode(); got != 400 {
		t.Fatalf("status = %d, want 400", got)
	}
}

func TestRenderContext(t *testing.T) {
	s := buildServerForTest(t)
	registerGreet(t, s)
	w := postJSON(t, s, "/api/executions/run", map[string]interface{}{"path": "demo/greet"})
	run := decode(t, w)
	executionID := int64(run["execution_id"].(float64))

	w = postJSON(t, s, "/api/context/render", map[string]interface{}{
		"execution_id": executionID,
		"task": map[string]interface{}{
			"url":  "http://svc/{{ workload.who }}",
			"name": "{{ name }}",
		},
		"context": map[string]interface{}{"name": "ada"},
	})
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("render status = %d: %s", got, w.Result().Body())
	}
	body := decode(t, w)
	task := body["task"].(map[string]interface{})
	if task["url"] != "http://svc/world" {
		t.Fatalf("url = %v", task["url"])
	}
	if task["name"] != "ada" {
		t.Fatalf("name = %v（context 覆盖应生效）", task["name"])
	}
}

func TestCancelExecution(t *testing.T) {
	s := buildServerForTest(t)
	registerGreet(t, s)
	w := postJSON(t, s, "/api/executions/run", map[string]interface{}{"path": "demo/greet"})
	run := decode(t, w)
	executionID := int64(run["execution_id"].(float64))

	w = postJSON(t, s, fmt.Sprintf("/api/executions/%d/cancel", executionID), map[string]interface{}{
		"reason": "operator abort",
	})
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("cancel status = %d", got)
	}

	// 再取消 → 409（已终态）
	w = postJSON(t, s, fmt.Sprintf("/api/executions/%d/cancel", executionID), nil)
	if got := w.Result().StatusCode(); got != 409 {
		t.Fatalf("second cancel status = %d, want 409", got)
	}

	w = getJSON(t, s, fmt.Sprintf("/api/executions/%d", executionID))
	summary := decode(t, w)
	if summary["status"] != "failed" {
		t.Fatalf("summary status = %v", summary["status"])
	}
	errInfo := summary["error"].(map[string]interface{})
	if errInfo["kind"] != "cancelled" {
		t.Fatalf("error.kind = %v", errInfo["kind"])
	}
}

func TestSystemStatus(t *testing.T) {
	s := buildServerForTest(t)
	w := getJSON(t, s, "/api/system/status")
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d", got)
	}
	body := decode(t, w)
	if body["server"] != "running" {
		t.Fatalf("server = %v", body["server"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := buildServerForTest(t)
	w := getJSON(t, s, "/metrics")
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d", got)
	}
	if !bytes.Contains(w.Result().Body(), []byte("noetl_")) {
		t.Fatalf("指标输出缺少 noetl_ 前缀: %.120s", w.Result().Body())
	}
}
