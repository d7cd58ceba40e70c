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

package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl-sub001/internal/event"
	"github.com/noetl/noetl-sub001/internal/plugin"
	"github.com/noetl/noetl-sub001/internal/queue"
	"github.com/noetl/noetl-sub001/pkg/config"
)

// stubAPI 进程内 API 桩：记录调用顺序，渲染原样返回
type stubAPI struct {
	mu           sync.Mutex
	events       []*event.Event
	completes    []map[string]interface{}
	calls        []string
	heartbeatErr error
	renderErr    error
	nextEventID  int64
}

func (s *stubAPI) Lease(ctx context.Context, workerID string, kinds []string, lease time.Duration) (*queue.Entry, error) {
	return nil, nil
}

func (s *stubAPI) Heartbeat(ctx context.Context, queueID int64, workerID string, extend time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "heartbeat")
	return s.heartbeatErr
}

func (s *stubAPI) Complete(ctx context.Context, queueID int64, workerID string, result map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "complete")
	s.completes = append(s.completes, result)
	return nil
}

func (s *stubAPI) Fail(ctx context.Context, queueID int64, workerID, errMsg string, retry bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "fail")
	return nil
}

func (s *stubAPI) EmitEvent(ctx context.Context, e *event.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	s.events = append(s.events, e)
	s.calls = append(s.calls, "event:"+string(e.EventType))
	return s.nextEventID, nil
}

func (s *stubAPI) RenderContext(ctx context.Context, executionID int64, task, extra map[string]interface{}) (map[string]interface{}, error) {
	if s.renderErr != nil {
		return nil, s.renderErr
	}
	out := make(map[string]interface{}, len(task))
	for k, v := range task {
		out[k] = v
	}
	// 元素绑定透传，便于断言逐项渲染发生过
	if item, ok := extra["name"]; ok {
		out["rendered_name"] = item
	}
	return out, nil
}

func (s *stubAPI) StartExecution(ctx context.Context, req *plugin.ChildRequest) (int64, error) {
	return 0, nil
}

func (s *stubAPI) Credentials(ctx context.Context, name string, executionID, catalogID int64) (map[string]string, error) {
	return nil, nil
}

func (s *stubAPI) eventTypes() []event.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Type, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

// echoPlugin 回显 args 的测试插件
type echoPlugin struct {
	mu    sync.Mutex
	jobs  []*plugin.Job
	env   *plugin.Envelope
	delay time.Duration
}

func (e *echoPlugin) Kind() string { return "echo" }

func (e *echoPlugin) Execute(ctx context.Context, job *plugin.Job) *plugin.Envelope {
	e.mu.Lock()
	e.jobs = append(e.jobs, job)
	e.mu.Unlock()
	if e.delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(e.delay):
		}
	}
	if e.env != nil {
		return e.env
	}
	return plugin.Success(job.Action["args"])
}

func newTestPool(api API, handlers ...plugin.Handler) *Pool {
	return New(api, plugin.NewRegistry(handlers...), config.WorkerConfig{
		ID:    "w-test",
		Lease: "300ms",
	}, config.LimitsConfig{}, nil)
}

func testEntry(kind string, action map[string]interface{}) *queue.Entry {
	return &queue.Entry{
		QueueID:     7,
		ExecutionID: 100,
		CatalogID:   1,
		NodeID:      "100:fetch",
		NodeName:    "fetch",
		Kind:        kind,
		Action:      action,
		Context:     map[string]interface{}{"workload": map[string]interface{}{}},
		Meta:        map[string]interface{}{"parent_event_id": int64(42), "parent_step": "start"},
		Attempts:    1,
	}
}

func TestProcessSuccess(t *testing.T) {
	api := &stubAPI{}
	echo := &echoPlugin{}
	p := newTestPool(api, echo)

	p.process(context.Background(), testEntry("echo", map[string]interface{}{
		"kind": "echo",
		"args": map[string]interface{}{"n": 1},
	}))

	types := api.eventTypes()
	require.Equal(t, []event.Type{event.TypeActionStarted, event.TypeActionCompleted}, types)
	require.Len(t, api.completes, 1)
	assert.Equal(t, "success", api.completes[0]["status"])

	// 队列先落状态，结果事件在后
	var completeIdx, resultIdx int
	for i, c := range api.calls {
		switch c {
		case "complete":
			completeIdx = i
		case "event:action_completed":
			resultIdx = i
		}
	}
	assert.Less(t, completeIdx, resultIdx, "Complete 必须先于结果事件")

	// 结果事件携带父事件与 worker 标识
	last := api.events[len(api.events)-1]
	assert.Equal(t, int64(42), last.ParentEventID)
	assert.Equal(t, "w-test", last.Meta["worker_id"])

	// 作业 meta 完整带出：审计消费方不依赖队列表即可追溯血缘
	for _, ev := range api.events {
		qm, ok := ev.Meta["queue_meta"].(map[string]interface{})
		require.True(t, ok, "事件 %s 缺少 meta.queue_meta", ev.EventType)
		assert.Equal(t, int64(42), qm["parent_event_id"])
		assert.Equal(t, "start", qm["parent_step"])
	}
}

func TestProcessError(t *testing.T) {
	api := &stubAPI{}
	echo := &echoPlugin{env: plugin.Failure("http_error", "上游 503")}
	p := newTestPool(api, echo)

	p.process(context.Background(), testEntry("echo", map[string]interface{}{"kind": "echo"}))

	types := api.eventTypes()
	require.Equal(t, []event.Type{event.TypeActionStarted, event.TypeActionError}, types)
	last := api.events[len(api.events)-1]
	assert.Equal(t, event.StatusFailed, last.Status)
	assert.Equal(t, "上游 503", last.Error)
	// 失败也走 Complete：重投由编排层 Requeue 完成
	require.Len(t, api.completes, 1)
	assert.Equal(t, "error", api.completes[0]["status"])
}

func TestProcessRenderError(t *testing.T) {
	api := &stubAPI{renderErr: context.DeadlineExceeded}
	p := newTestPool(api, &echoPlugin{})

	p.process(context.Background(), testEntry("echo", map[string]interface{}{"kind": "echo"}))

	types := api.eventTypes()
	require.Equal(t, []event.Type{event.TypeActionStarted, event.TypeActionError}, types)
	last := api.events[len(api.events)-1]
	result, _ := last.Result["error"].(map[string]interface{})
	assert.Equal(t, "render_error", result["kind"])
}

func TestProcessAsyncEnvelope(t *testing.T) {
	api := &stubAPI{}
	echo := &echoPlugin{env: plugin.Success(nil).WithMeta("async", true).WithMeta("child_execution_id", int64(200))}
	p := newTestPool(api, echo)

	p.process(context.Background(), testEntry("echo", map[string]interface{}{"kind": "echo"}))

	// 异步作业只发 action_started；结果由子执行终态合成
	types := api.eventTypes()
	require.Equal(t, []event.Type{event.TypeActionStarted}, types)
	require.Len(t, api.completes, 1)
}

func TestProcessStolenLeaseDropsResult(t *testing.T) {
	api := &stubAPI{heartbeatErr: queue.ErrLeaseStolen}
	echo := &echoPlugin{delay: 500 * time.Millisecond}
	p := newTestPool(api, echo) // lease 300ms → 心跳 100ms

	p.process(context.Background(), testEntry("echo", map[string]interface{}{"kind": "echo"}))

	// 租约易主：不 Complete，不发结果事件
	assert.Empty(t, api.completes)
	types := api.eventTypes()
	require.Equal(t, []event.Type{event.TypeActionStarted}, types)
}

func TestRunLoopSequential(t *testing.T) {
	api := &stubAPI{}
	echo := &echoPlugin{}
	p := newTestPool(api, echo)

	job := &plugin.Job{
		ExecutionID: 100,
		NodeID:      "100:greet",
		NodeName:    "greet",
		Kind:        "echo",
		Action: map[string]interface{}{
			"kind": "echo",
			"args": map[string]interface{}{"greeting": "hi"},
			"loop": map[string]interface{}{},
		},
		Context: map[string]interface{}{},
		Meta:    map[string]interface{}{"parent_event_id": int64(42)},
	}
	env := p.runLoop(context.Background(), job, map[string]interface{}{
		"items":   []interface{}{"ada", "bob"},
		"element": "name",
	})

	require.True(t, env.OK())
	data, _ := env.Data.(map[string]interface{})
	results, _ := data["results"].([]interface{})
	require.Len(t, results, 2)
	stats, _ := data["stats"].(map[string]interface{})
	assert.Equal(t, 2, stats["total"])
	assert.Equal(t, 2, stats["success"])
	assert.Equal(t, 0, stats["failed"])

	// 每项一个 iteration_started 标记，序号齐全
	types := api.eventTypes()
	require.Equal(t, []event.Type{event.TypeIterationStarted, event.TypeIterationStarted}, types)
	assert.Equal(t, 0, api.events[0].Meta["iteration_index"])
	assert.Equal(t, 1, api.events[1].Meta["iteration_index"])
	assert.Equal(t, "100:greet:0", api.events[0].NodeID)
	qm, ok := api.events[0].Meta["queue_meta"].(map[string]interface{})
	require.True(t, ok, "iteration_started 缺少 meta.queue_meta")
	assert.Equal(t, int64(42), qm["parent_event_id"])

	// 逐项渲染：元素绑定透传到了任务
	require.Len(t, echo.jobs, 2)
	assert.Equal(t, "ada", echo.jobs[0].Action["rendered_name"])
	assert.Equal(t, "bob", echo.jobs[1].Action["rendered_name"])
	assert.NotContains(t, echo.jobs[0].Action, "loop", "loop 配置不应下发到插件")
}

func TestRunLoopParallel(t *testing.T) {
	api := &stubAPI{}
	echo := &echoPlugin{delay: 10 * time.Millisecond}
	p := newTestPool(api, echo)

	items := make([]interface{}, 8)
	for i := range items {
		items[i] = i
	}
	job := &plugin.Job{
		ExecutionID: 100,
		NodeID:      "100:fan",
		Kind:        "echo",
		Action:      map[string]interface{}{"kind": "echo"},
		Context:     map[string]interface{}{},
	}
	start := time.Now()
	env := p.runLoop(context.Background(), job, map[string]interface{}{
		"items":       items,
		"mode":        "parallel",
		"concurrency": 4,
	})
	require.True(t, env.OK())
	assert.Less(t, time.Since(start), 80*time.Millisecond, "并发执行应快于串行")
	data, _ := env.Data.(map[string]interface{})
	stats, _ := data["stats"].(map[string]interface{})
	assert.Equal(t, 8, stats["success"])
}

func TestRunLoopPartialFailure(t *testing.T) {
	api := &stubAPI{}
	var n int
	p := newTestPool(api, &echoPlugin{}, &countingFailPlugin{failAt: 1, n: &n})

	job := &plugin.Job{
		ExecutionID: 100,
		NodeID:      "100:mix",
		Kind:        "flaky",
		Action:      map[string]interface{}{"kind": "flaky"},
		Context:     map[string]interface{}{},
	}
	env := p.runLoop(context.Background(), job, map[string]interface{}{
		"items": []interface{}{"a", "b", "c"},
	})

	// 单项失败不中断循环，信封整体仍为 success
	require.True(t, env.OK())
	data, _ := env.Data.(map[string]interface{})
	stats, _ := data["stats"].(map[string]interface{})
	assert.Equal(t, 3, stats["total"])
	assert.Equal(t, 2, stats["success"])
	assert.Equal(t, 1, stats["failed"])
	results, _ := data["results"].([]interface{})
	failed, _ := results[1].(map[string]interface{})
	assert.Equal(t, "error", failed["status"])
}

func TestRunLoopExtendCollect(t *testing.T) {
	api := &stubAPI{}
	echo := &echoPlugin{}
	p := newTestPool(api, echo)

	job := &plugin.Job{
		ExecutionID: 100,
		NodeID:      "100:pages",
		Kind:        "echo",
		Action: map[string]interface{}{
			"kind": "echo",
			"args": []interface{}{1, 2},
		},
		Context: map[string]interface{}{},
	}
	env := p.runLoop(context.Background(), job, map[string]interface{}{
		"items":   []interface{}{"x", "y"},
		"collect": "extend",
	})
	require.True(t, env.OK())
	data, _ := env.Data.(map[string]interface{})
	results, _ := data["results"].([]interface{})
	assert.Len(t, results, 4, "extend 应展平子列表")
}

// countingFailPlugin 在第 failAt 次调用返回失败信封
type countingFailPlugin struct {
	mu     sync.Mutex
	failAt int
	n      *int
}

func (c *countingFailPlugin) Kind() string { return "flaky" }

func (c *countingFailPlugin) Execute(ctx context.Context, job *plugin.Job) *plugin.Envelope {
	c.mu.Lock()
	i := *c.n
	*c.n++
	c.mu.Unlock()
	if i == c.failAt {
		return plugin.Failure("http_error", "第 %d 项失败", i)
	}
	return plugin.Success(map[string]interface{}{"index": i})
}
