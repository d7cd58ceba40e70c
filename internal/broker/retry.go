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

package broker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/noetl/noetl-sub001/internal/event"
	"github.com/noetl/noetl-sub001/internal/playbook"
	"github.com/noetl/noetl-sub001/internal/queue"
	"github.com/noetl/noetl-sub001/pkg/metrics"
)

// handleError 评估失败步骤的重试策略。retry 是 first-match：
// 顺序求值，第一条 when 为真的规则生效；无命中或次数耗尽则执行终态失败。
func (b *Broker) handleError(ctx context.Context, e *event.Event) error {
	pb, root, err := b.loadPlaybook(ctx, e.ExecutionID)
	if err != nil {
		return err
	}
	step := pb.FindStep(e.NodeName)
	if step == nil {
		b.log.Error("失败事件指向未知步骤", "execution_id", e.ExecutionID, "node_name", e.NodeName)
		return nil
	}

	nodeID := e.NodeID
	if nodeID == "" {
		nodeID = queue.NodeID(e.ExecutionID, e.NodeName)
	}
	entry, _ := b.queue.GetByNode(ctx, e.ExecutionID, nodeID)

	attempt := 1
	if entry != nil {
		attempt = entry.Attempts
		if attempt < 1 {
			attempt = 1
		}
	}

	ectx, err := b.evalContext(ctx, e.ExecutionID, root)
	if err != nil {
		return err
	}
	rctx := retryContext(ectx, e.Result, attempt)
	if e.Error != "" {
		if _, ok := rctx["error"]; !ok {
			rctx["error"] = e.Error
		}
	}

	rule := b.matchRule(e.ExecutionID, step, rctx)
	if rule == nil || attempt >= rule.Then.MaxAttempts || entry == nil {
		metrics.RetryDecisionTotal.WithLabelValues("exhausted").Inc()
		return b.failTerminal(ctx, e, root, step, attempt, entry)
	}

	delay := computeDelay(&rule.Then, attempt)
	availableAt := time.Now().Add(delay)
	if err := b.queue.Requeue(ctx, entry.QueueID, availableAt, nil); err != nil {
		return err
	}
	metrics.RetryDecisionTotal.WithLabelValues("requeue").Inc()
	_, err = b.events.Append(ctx, &event.Event{
		ExecutionID:   e.ExecutionID,
		ParentEventID: e.EventID,
		CatalogID:     root.CatalogID,
		EventType:     event.TypeStepRetry,
		NodeID:        nodeID,
		NodeName:      e.NodeName,
		Status:        event.StatusRetry,
		Meta: map[string]interface{}{
			"attempt":       attempt,
			"delay_seconds": delay.Seconds(),
			"available_at":  availableAt.Format(time.RFC3339),
		},
	})
	return err
}

// failTerminal 终态失败链：step_retry_exhausted → step_failed_terminal →
// 埋葬队列条目 → execution_failed（meta.error 携带失败归因）
func (b *Broker) failTerminal(ctx context.Context, e *event.Event, root *event.Event, step *playbook.Step, attempt int, entry *queue.Entry) error {
	nodeID := e.NodeID
	if nodeID == "" {
		nodeID = queue.NodeID(e.ExecutionID, step.Step)
	}
	if len(step.Retry) > 0 {
		if _, err := b.events.Append(ctx, &event.Event{
			ExecutionID:   e.ExecutionID,
			ParentEventID: e.EventID,
			CatalogID:     root.CatalogID,
			EventType:     event.TypeStepRetryExhausted,
			NodeID:        nodeID,
			NodeName:      step.Step,
			Status:        event.StatusFailed,
			Meta:          map[string]interface{}{"attempts": attempt},
		}); err != nil {
			return err
		}
	}
	if _, err := b.events.Append(ctx, &event.Event{
		ExecutionID:   e.ExecutionID,
		ParentEventID: e.EventID,
		CatalogID:     root.CatalogID,
		EventType:     event.TypeStepFailedTerminal,
		NodeID:        nodeID,
		NodeName:      step.Step,
		Status:        event.StatusFailed,
		Error:         e.Error,
	}); err != nil {
		return err
	}
	if entry != nil {
		if err := b.queue.Bury(ctx, entry.QueueID); err != nil {
			b.log.Error("队列条目埋葬失败", "queue_id", entry.QueueID, "err", err)
		}
	}
	b.logError(ctx, e.ExecutionID, step.Step, "worker", e.Error)

	kind := "action_error"
	if errVal, ok := errorValue(e.Result); ok {
		if m, ok := errVal.(map[string]interface{}); ok {
			if k, ok := m["kind"].(string); ok && k != "" {
				kind = k
			}
		}
	}
	_, err := b.events.Append(ctx, &event.Event{
		ExecutionID:       e.ExecutionID,
		ParentExecutionID: root.ParentExecutionID,
		ParentEventID:     e.EventID,
		CatalogID:         root.CatalogID,
		EventType:         event.TypeExecutionFailed,
		NodeID:            nodeID,
		NodeName:          step.Step,
		Status:            event.StatusFailed,
		Meta: map[string]interface{}{
			"error": map[string]interface{}{
				"kind":        kind,
				"message":     e.Error,
				"failed_step": step.Step,
				"attempts":    attempt,
			},
		},
	})
	return err
}

// successContinuation 成功续页评估：action 成功但重试策略仍命中且带 next_call 时，
// 以改写后的参数重投作业并累积页结果；策略不再命中时返回聚合后的信封。
// 返回 (是否已重投, 聚合信封, err)。
func (b *Broker) successContinuation(ctx context.Context, executionID int64, step *playbook.Step, ae *event.Event, ectx map[string]interface{}) (bool, map[string]interface{}, error) {
	if !hasNextCall(step) {
		return false, nil, nil
	}
	nodeID := ae.NodeID
	if nodeID == "" {
		nodeID = queue.NodeID(executionID, step.Step)
	}
	entry, err := b.queue.GetByNode(ctx, executionID, nodeID)
	if err != nil || entry == nil {
		return false, nil, nil
	}

	envelope := ae.Result
	attempt := entry.Attempts
	if attempt < 1 {
		attempt = 1
	}
	rctx := retryContext(ectx, envelope, attempt)
	rule := b.matchRule(executionID, step, rctx)

	collected, _ := entry.Meta["collected"].([]interface{})
	strategy := collectStrategy(step)

	if rule != nil && rule.Then.NextCall != nil && attempt < rule.Then.MaxAttempts {
		collected = append(collected, pageValue(envelope, strategy))
		nc, err := b.tpl.RenderMap(rule.Then.NextCall, rctx)
		if err != nil {
			return false, nil, err
		}
		action := cloneCtx(entry.Action)
		args, _ := action["args"].(map[string]interface{})
		action["args"] = mergeMaps(args, nc)
		meta := cloneCtx(entry.Meta)
		if meta == nil {
			meta = map[string]interface{}{}
		}
		meta["collected"] = collected
		if err := b.queue.Requeue(ctx, entry.QueueID, time.Now(), &queue.Patch{Action: action, Meta: meta}); err != nil {
			return false, nil, err
		}
		metrics.RetryDecisionTotal.WithLabelValues("requeue").Inc()
		if _, err := b.events.Append(ctx, &event.Event{
			ExecutionID:   executionID,
			ParentEventID: ae.EventID,
			CatalogID:     ae.CatalogID,
			EventType:     event.TypeStepRetry,
			NodeID:        nodeID,
			NodeName:      step.Step,
			Status:        event.StatusRetry,
			Meta:          map[string]interface{}{"attempt": attempt, "reason": "next_call"},
		}); err != nil {
			return false, nil, err
		}
		return true, nil, nil
	}

	if len(collected) > 0 {
		pages := append(collected, pageValue(envelope, strategy))
		return false, map[string]interface{}{
			"status": "success",
			"data":   aggregate(pages, strategy),
		}, nil
	}
	return false, nil, nil
}

// matchRule first-match 求值重试规则；条件求值失败按不命中并记日志
func (b *Broker) matchRule(executionID int64, step *playbook.Step, rctx map[string]interface{}) *playbook.RetryRule {
	for _, r := range step.Retry {
		ok, err := b.tpl.Truthy(r.When, rctx)
		if err != nil {
			b.log.Error("重试条件求值失败",
				"execution_id", executionID, "step", step.Step, "when", r.When, "err", err)
			continue
		}
		if ok {
			return r
		}
	}
	return nil
}

// retryContext 重试条件的求值上下文：this=信封、result=解包数据、
// error/status_code 提升到顶层
func retryContext(ectx, envelope map[string]interface{}, attempt int) map[string]interface{} {
	rctx := cloneCtx(ectx)
	rctx["attempt"] = attempt
	if envelope == nil {
		return rctx
	}
	rctx["this"] = envelope
	rctx["result"] = envelopeData(envelope)
	if errVal, ok := errorValue(envelope); ok {
		rctx["error"] = errVal
	}
	if meta, ok := envelope["meta"].(map[string]interface{}); ok {
		if sc, ok := meta["status_code"]; ok {
			rctx["status_code"] = sc
		}
	}
	return rctx
}

func errorValue(envelope map[string]interface{}) (interface{}, bool) {
	if envelope == nil {
		return nil, false
	}
	v, ok := envelope["error"]
	return v, ok
}

func hasNextCall(step *playbook.Step) bool {
	for _, r := range step.Retry {
		if r.Then.NextCall != nil {
			return true
		}
	}
	return false
}

// collectStrategy 取首条带 next_call 规则的聚合策略，缺省 append
func collectStrategy(step *playbook.Step) string {
	for _, r := range step.Retry {
		if r.Then.NextCall != nil {
			if r.Then.Collect != "" {
				return r.Then.Collect
			}
			break
		}
	}
	return "append"
}

// pageValue 单页的累积值：collect 策略保留完整信封，其余取解包数据
func pageValue(envelope map[string]interface{}, strategy string) interface{} {
	if strategy == "collect" {
		return envelope
	}
	return envelopeData(envelope)
}

// aggregate 按策略聚合各页/各迭代的值
func aggregate(items []interface{}, strategy string) interface{} {
	switch strategy {
	case "replace":
		if len(items) == 0 {
			return nil
		}
		return items[len(items)-1]
	case "extend":
		var out []interface{}
		for _, it := range items {
			if list, ok := it.([]interface{}); ok {
				out = append(out, list...)
			} else {
				out = append(out, it)
			}
		}
		if out == nil {
			out = []interface{}{}
		}
		return out
	default: // append 与 collect 都保留逐项列表
		return items
	}
}

// computeDelay 退避延迟：min(initial * multiplier^(attempt-1), max_delay)，
// jitter 时乘以 uniform(0.5, 1.5)
func computeDelay(p *playbook.RetryPolicy, attempt int) time.Duration {
	// initial_delay: 0 合法，表示立即重新入队
	initial := p.InitialDelay
	if initial < 0 {
		initial = 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	d := initial * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d * float64(time.Second))
}
