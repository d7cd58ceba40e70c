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
	"fmt"
	"sync"

	"github.com/noetl/noetl-sub001/internal/event"
	"github.com/noetl/noetl-sub001/internal/plugin"
	"github.com/noetl/noetl-sub001/pkg/metrics"
)

// runLoop 单作业循环（迭代器模式 A）：按循环模式逐项渲染并执行任务，
// 聚合为 {results, stats} 信封。单项失败不中断循环，计入 stats.failed。
func (p *Pool) runLoop(ctx context.Context, job *plugin.Job, loopCfg map[string]interface{}) *plugin.Envelope {
	items, _ := loopCfg["items"].([]interface{})
	element, _ := loopCfg["element"].(string)
	if element == "" {
		element = "item"
	}
	mode, _ := loopCfg["mode"].(string)
	collect, _ := loopCfg["collect"].(string)

	task := make(map[string]interface{}, len(job.Action))
	for k, v := range job.Action {
		if k == "loop" || k == "save" {
			continue
		}
		task[k] = v
	}

	results := make([]*plugin.Envelope, len(items))
	runOne := func(i int, item interface{}) {
		p.emitIteration(ctx, job, i, len(items), item)
		extra := cloneMap(job.Context)
		extra[element] = item
		rendered, err := p.api.RenderContext(ctx, job.ExecutionID, task, extra)
		var env *plugin.Envelope
		if err != nil {
			env = plugin.Failure("render_error", "第 %d 项渲染失败: %v", i, err)
		} else {
			sub := *job
			sub.Action = rendered
			sub.NodeID = fmt.Sprintf("%s:%d", job.NodeID, i)
			env = p.registry.Execute(ctx, &sub)
		}
		results[i] = env
		if env.OK() {
			metrics.IterationTotal.WithLabelValues("success").Inc()
		} else {
			metrics.IterationTotal.WithLabelValues("failed").Inc()
		}
	}

	switch mode {
	case "parallel", "async":
		limit := intFrom(loopCfg["concurrency"], 4)
		if mode == "async" || limit <= 0 || limit > len(items) {
			limit = len(items)
		}
		if limit < 1 {
			limit = 1
		}
		sem := make(chan struct{}, limit)
		var wg sync.WaitGroup
		for i, item := range items {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, item interface{}) {
				defer wg.Done()
				defer func() { <-sem }()
				runOne(i, item)
			}(i, item)
		}
		wg.Wait()
	default: // sequential
		for i, item := range items {
			runOne(i, item)
		}
	}

	values := make([]interface{}, 0, len(results))
	success, failed := 0, 0
	for _, env := range results {
		if env == nil {
			failed++
			values = append(values, map[string]interface{}{
				"status": "error",
				"error":  map[string]interface{}{"kind": "internal", "message": "迭代项未执行"},
			})
			continue
		}
		if env.OK() {
			success++
			if collect == "collect" {
				values = append(values, env.Map())
			} else {
				values = append(values, env.Data)
			}
		} else {
			failed++
			values = append(values, map[string]interface{}{"status": "error", "error": env.Error})
		}
	}

	return plugin.Success(map[string]interface{}{
		"results": aggregateValues(values, collect),
		"stats": map[string]interface{}{
			"total":   len(items),
			"success": success,
			"failed":  failed,
		},
	})
}

// emitIteration 发 iteration_started 幂等标记
func (p *Pool) emitIteration(ctx context.Context, job *plugin.Job, index, count int, item interface{}) {
	parent, _ := metaInt64(job.Meta, "parent_event_id")
	meta := map[string]interface{}{
		"iteration_index": index,
		"iteration_count": count,
		"element":         item,
	}
	if job.Meta != nil {
		meta["queue_meta"] = job.Meta
	}
	ev := &event.Event{
		ExecutionID:   job.ExecutionID,
		ParentEventID: parent,
		CatalogID:     job.CatalogID,
		EventType:     event.TypeIterationStarted,
		NodeID:        fmt.Sprintf("%s:%d", job.NodeID, index),
		NodeName:      job.NodeName,
		Status:        event.StatusStarted,
		Meta:          meta,
	}
	if _, err := p.api.EmitEvent(ctx, ev); err != nil {
		p.log.Error("iteration_started 上报失败", "node_id", ev.NodeID, "err", err)
	}
}

// aggregateValues 按策略聚合迭代结果
func aggregateValues(values []interface{}, strategy string) interface{} {
	switch strategy {
	case "replace":
		if len(values) == 0 {
			return nil
		}
		return values[len(values)-1]
	case "extend":
		out := make([]interface{}, 0, len(values))
		for _, v := range values {
			if list, ok := v.([]interface{}); ok {
				out = append(out, list...)
			} else {
				out = append(out, v)
			}
		}
		return out
	default: // append 与 collect 保留逐项列表
		return values
	}
}

func intFrom(v interface{}, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}
