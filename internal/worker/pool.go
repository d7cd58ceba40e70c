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
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/noetl/noetl-sub001/internal/event"
	"github.com/noetl/noetl-sub001/internal/plugin"
	"github.com/noetl/noetl-sub001/internal/queue"
	"github.com/noetl/noetl-sub001/pkg/config"
	"github.com/noetl/noetl-sub001/pkg/errors"
	"github.com/noetl/noetl-sub001/pkg/log"
	"github.com/noetl/noetl-sub001/pkg/metrics"
)

// Pool 租约驱动的工作池：并发领取作业，心跳续约，插件执行后上报事件。
// 心跳失败（租约易主）视为取消信号：作业结果静默丢弃，由新持有者重做。
type Pool struct {
	api      API
	registry *plugin.Registry
	id       string
	kinds    []string
	conc     int
	poll     time.Duration
	lease    time.Duration
	limiters map[string]*rate.Limiter
	log      *log.Logger
}

// New 创建工作池
func New(api API, registry *plugin.Registry, cfg config.WorkerConfig, limits config.LimitsConfig, logger *log.Logger) *Pool {
	id := cfg.ID
	if id == "" {
		id = "worker-" + uuid.NewString()
	}
	conc := cfg.Concurrency
	if conc <= 0 {
		conc = 2
	}
	kinds := cfg.Kinds
	if len(kinds) == 0 {
		kinds = registry.Kinds()
	}
	limiters := make(map[string]*rate.Limiter, len(limits.Kinds))
	for kind, lc := range limits.Kinds {
		if lc.QPS > 0 {
			burst := lc.Burst
			if burst <= 0 {
				burst = 1
			}
			limiters[kind] = rate.NewLimiter(rate.Limit(lc.QPS), burst)
		}
	}
	if logger == nil {
		logger, _ = log.NewLogger(nil)
	}
	return &Pool{
		api:      api,
		registry: registry,
		id:       id,
		kinds:    kinds,
		conc:     conc,
		poll:     config.Duration(cfg.PollInterval, 2*time.Second),
		lease:    config.Duration(cfg.Lease, 30*time.Second),
		limiters: limiters,
		log:      logger.With("component", "worker", "worker_id", id),
	}
}

// ID 返回 worker 标识
func (p *Pool) ID() string { return p.id }

// Run 轮询执行直至 ctx 取消；在途作业收尾后返回
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker 启动", "concurrency", p.conc, "kinds", p.kinds)
	sem := make(chan struct{}, p.conc)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			p.log.Info("worker 退出")
			return nil
		case sem <- struct{}{}:
		}

		entry, err := p.api.Lease(ctx, p.id, p.kinds, p.lease)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				continue
			}
			p.log.Error("租约请求失败", "err", err)
			p.sleep(ctx, p.poll)
			continue
		}
		if entry == nil {
			<-sem
			p.sleep(ctx, p.poll)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			p.process(ctx, entry)
		}()
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (p *Pool) limiter(kind string) *rate.Limiter {
	return p.limiters[kind]
}

// process 执行单个作业的完整生命周期
func (p *Pool) process(ctx context.Context, entry *queue.Entry) {
	start := time.Now()
	metrics.WorkerBusy.WithLabelValues(p.id).Inc()
	defer metrics.WorkerBusy.WithLabelValues(p.id).Dec()

	jctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stolen atomic.Bool
	stopHB := p.startHeartbeat(jctx, entry.QueueID, &stolen, cancel)
	defer stopHB()

	if lim := p.limiter(entry.Kind); lim != nil {
		if err := lim.Wait(jctx); err != nil {
			return
		}
	}

	job := &plugin.Job{
		QueueID:     entry.QueueID,
		ExecutionID: entry.ExecutionID,
		CatalogID:   entry.CatalogID,
		NodeID:      entry.NodeID,
		NodeName:    entry.NodeName,
		Kind:        entry.Kind,
		Action:      entry.Action,
		Context:     entry.Context,
		Meta:        entry.Meta,
		Attempt:     entry.Attempts,
	}

	p.emit(jctx, entry, event.TypeActionStarted, event.StatusRunning, nil, "", 0)

	var envelope *plugin.Envelope
	if loopCfg := job.ActionMap("loop"); loopCfg != nil {
		envelope = p.runLoop(jctx, job, loopCfg)
	} else {
		rendered, err := p.api.RenderContext(jctx, entry.ExecutionID, job.Action, entry.Context)
		if err != nil {
			envelope = plugin.Failure("render_error", "任务渲染失败: %v", err)
		} else {
			job.Action = rendered
			envelope = p.registry.Execute(jctx, job)
		}
	}

	if envelope.OK() && !envelope.Async() {
		if save := job.ActionMap("save"); save != nil {
			if err := p.runSave(jctx, job, save, envelope); err != nil {
				envelope = plugin.Failure("save_error", "save 指令失败: %v", err)
			}
		}
	}

	if stolen.Load() {
		// 租约已易主：结果丢弃，新持有者重做
		metrics.JobTotal.WithLabelValues("stolen").Inc()
		p.log.Warn("租约易主，作业结果丢弃", "queue_id", entry.QueueID, "node_id", entry.NodeID)
		return
	}

	dur := time.Since(start)
	metrics.JobDurationSeconds.WithLabelValues(entry.Kind).Observe(dur.Seconds())
	if envelope.OK() {
		metrics.JobTotal.WithLabelValues("success").Inc()
	} else {
		metrics.JobTotal.WithLabelValues("error").Inc()
	}

	// 先落队列状态，结果事件触发的编排裁决依赖条目已出租约
	if err := p.api.Complete(ctx, entry.QueueID, p.id, envelope.Map()); err != nil {
		if errors.Is(err, queue.ErrLeaseStolen) {
			metrics.JobTotal.WithLabelValues("stolen").Inc()
			return
		}
		p.log.Error("队列完成上报失败", "queue_id", entry.QueueID, "err", err)
	}

	if envelope.Async() {
		return // 结果由子执行终态合成
	}
	if envelope.OK() {
		p.emit(ctx, entry, event.TypeActionCompleted, event.StatusCompleted, envelope.Map(), "", dur)
	} else {
		p.emit(ctx, entry, event.TypeActionError, event.StatusFailed, envelope.Map(), envelope.Message(), dur)
	}
}

// startHeartbeat 按租约三分之一周期续约；易主时取消作业
func (p *Pool) startHeartbeat(ctx context.Context, queueID int64, stolen *atomic.Bool, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		t := time.NewTicker(p.lease / 3)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := p.api.Heartbeat(ctx, queueID, p.id, p.lease); err != nil {
					if errors.Is(err, queue.ErrLeaseStolen) {
						stolen.Store(true)
						cancel()
						return
					}
					p.log.Warn("心跳失败", "queue_id", queueID, "err", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// runSave 渲染并执行 save 指令；渲染上下文附带执行结果
func (p *Pool) runSave(ctx context.Context, job *plugin.Job, save map[string]interface{}, envelope *plugin.Envelope) error {
	extra := cloneMap(job.Context)
	extra["result"] = envelope.Data
	extra["this"] = envelope.Map()
	rendered, err := p.api.RenderContext(ctx, job.ExecutionID, save, extra)
	if err != nil {
		return err
	}
	return p.registry.ExecuteSave(ctx, job, rendered)
}

// emit 上报事件；失败只记日志（编排可经重评恢复）。
// 作业 meta 随事件带出（queue_meta），审计链路不依赖队列表。
func (p *Pool) emit(ctx context.Context, entry *queue.Entry, t event.Type, status event.Status, result map[string]interface{}, errMsg string, dur time.Duration) {
	parent, _ := metaInt64(entry.Meta, "parent_event_id")
	meta := map[string]interface{}{"worker_id": p.id, "attempt": entry.Attempts}
	if entry.Meta != nil {
		meta["queue_meta"] = entry.Meta
	}
	ev := &event.Event{
		ExecutionID:   entry.ExecutionID,
		ParentEventID: parent,
		CatalogID:     entry.CatalogID,
		EventType:     t,
		NodeID:        entry.NodeID,
		NodeName:      entry.NodeName,
		NodeType:      entry.Kind,
		Status:        status,
		Result:        result,
		Error:         errMsg,
		Duration:      dur.Seconds(),
		Meta:          meta,
	}
	if _, err := p.api.EmitEvent(ctx, ev); err != nil {
		p.log.Error("事件上报失败", "event_type", t, "node_id", entry.NodeID, "err", err)
	}
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func metaInt64(meta map[string]interface{}, key string) (int64, bool) {
	if meta == nil {
		return 0, false
	}
	switch n := meta[key].(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
