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
	"fmt"
	"sort"

	"github.com/noetl/noetl-sub001/internal/event"
	"github.com/noetl/noetl-sub001/internal/playbook"
	"github.com/noetl/noetl-sub001/internal/queue"
	"github.com/noetl/noetl-sub001/pkg/errors"
)

// expandIterator 展开迭代器步骤。
// 模式 A（单作业循环）：循环配置随作业下发，worker 逐项执行。
// 模式 B（子剧本迭代，tool.kind=playbook 强制）：每项入队一个子剧本作业，
// 子执行全部终态后聚合为 iterator_completed。
func (b *Broker) expandIterator(ctx context.Context, executionID int64, root *event.Event, pb *playbook.Playbook, step *playbook.Step, parentEventID int64, overlay map[string]interface{}, ectx map[string]interface{}) error {
	loop := step.Loop
	tool := pb.ResolveTool(step)
	if tool == nil {
		return fmt.Errorf("迭代器步骤 %s 缺少任务定义", step.Step)
	}

	items, err := b.materializeItems(loop, ectx)
	if err != nil {
		return errors.Wrapf(err, "迭代器 %s 的集合求值失败", step.Step)
	}

	nodeID := queue.NodeID(executionID, step.Step)
	startedID, err := b.events.Append(ctx, &event.Event{
		ExecutionID:   executionID,
		ParentEventID: parentEventID,
		CatalogID:     root.CatalogID,
		EventType:     event.TypeStepStarted,
		NodeID:        nodeID,
		NodeName:      step.Step,
		NodeType:      "iterator",
		Status:        event.StatusStarted,
		Meta:          map[string]interface{}{"iteration_count": len(items)},
	})
	if err != nil {
		return err
	}

	// 空集合：无作业可派发，立即收束
	if len(items) == 0 {
		_, err := b.events.Append(ctx, &event.Event{
			ExecutionID:   executionID,
			ParentEventID: startedID,
			CatalogID:     root.CatalogID,
			EventType:     event.TypeIteratorCompleted,
			NodeID:        nodeID,
			NodeName:      step.Step,
			Status:        event.StatusCompleted,
			Result: map[string]interface{}{
				"status": "success",
				"data": map[string]interface{}{
					"results": []interface{}{},
					"stats":   iterStats(0, 0, 0),
				},
			},
		})
		return err
	}

	if tool.Kind == "playbook" {
		return b.spawnIterations(ctx, executionID, root, step, tool, startedID, items, ectx)
	}

	// 模式 A：循环配置随单作业下发
	element := loop.Element
	if element == "" {
		element = "item"
	}
	// 任务模板保留原样：元素按项绑定，worker 逐项经 /context/render 渲染
	rendered := tool.ToMap()
	rendered["loop"] = map[string]interface{}{
		"element":     element,
		"mode":        loop.Mode,
		"concurrency": loop.Concurrency,
		"collect":     loop.Collect,
		"items":       items,
	}
	if step.Save != nil {
		rendered["save"] = step.Save.ToMap()
	}
	_, err = b.queue.Enqueue(ctx, &queue.Entry{
		ExecutionID: executionID,
		CatalogID:   root.CatalogID,
		NodeID:      nodeID,
		NodeName:    step.Step,
		Kind:        tool.Kind,
		Action:      rendered,
		Context:     map[string]interface{}{"workload": ectx["workload"]},
		Meta:        map[string]interface{}{"parent_event_id": startedID},
		MaxAttempts: queueMaxAttempts(step),
	})
	return err
}

// spawnIterations 模式 B：逐项发 iteration_started 标记并入队子剧本作业
func (b *Broker) spawnIterations(ctx context.Context, executionID int64, root *event.Event, step *playbook.Step, tool *playbook.Task, startedID int64, items []interface{}, ectx map[string]interface{}) error {
	element := step.Loop.Element
	if element == "" {
		element = "item"
	}
	for i, item := range items {
		ictx := cloneCtx(ectx)
		ictx[element] = item

		iterID, err := b.events.Append(ctx, &event.Event{
			ExecutionID:   executionID,
			ParentEventID: startedID,
			CatalogID:     root.CatalogID,
			EventType:     event.TypeIterationStarted,
			NodeID:        queue.IterationNodeID(executionID, step.Step, i),
			NodeName:      step.Step,
			Status:        event.StatusStarted,
			Meta: map[string]interface{}{
				"iteration_index": i,
				"iteration_count": len(items),
				"element":         item,
			},
		})
		if err != nil {
			return err
		}

		rendered, err := b.tpl.RenderMap(tool.ToMap(), ictx)
		if err != nil {
			return errors.Wrapf(err, "迭代器 %s 第 %d 项渲染失败", step.Step, i)
		}
		if _, err := b.queue.Enqueue(ctx, &queue.Entry{
			ExecutionID: executionID,
			CatalogID:   root.CatalogID,
			NodeID:      queue.IterationNodeID(executionID, step.Step, i),
			NodeName:    step.Step,
			Kind:        "playbook",
			Action:      rendered,
			Context:     map[string]interface{}{"workload": ectx["workload"], element: item},
			Meta: map[string]interface{}{
				"parent_event_id": iterID,
				"iterator_step":   step.Step,
				"iteration_index": i,
				"iteration_count": len(items),
			},
			MaxAttempts: queueMaxAttempts(step),
		}); err != nil {
			return err
		}
	}
	return nil
}

// handleChildTerminal 子执行终态后的父执行重评：
// 单子剧本步骤合成 action_completed / action_error；
// 迭代器子执行全部终态后按序聚合为 iterator_completed。
func (b *Broker) handleChildTerminal(ctx context.Context, e *event.Event) error {
	parentID := e.ParentExecutionID
	done, err := b.events.HasTerminal(ctx, parentID)
	if err != nil || done {
		return err
	}

	childRoot, err := b.events.FirstByType(ctx, e.ExecutionID, event.TypeExecutionStarted)
	if err != nil {
		return err
	}
	parentStep, _ := childRoot.Meta["parent_step"].(string)
	if parentStep == "" {
		return nil
	}
	iterIdx := metaInt(childRoot.Meta, "iteration_index", -1)

	_, root, err := b.loadPlaybook(ctx, parentID)
	if err != nil {
		return err
	}

	if iterIdx < 0 {
		return b.completeSubPlaybook(ctx, parentID, root, parentStep, childRoot, e)
	}
	return b.completeIteration(ctx, parentID, root, parentStep, e)
}

// completeSubPlaybook 单子剧本步骤：子执行结果合成为父步骤的 action 结果
func (b *Broker) completeSubPlaybook(ctx context.Context, parentID int64, root *event.Event, parentStep string, childRoot, e *event.Event) error {
	nodeID := queue.NodeID(parentID, parentStep)
	base := &event.Event{
		ExecutionID:   parentID,
		ParentEventID: childRoot.ParentEventID,
		CatalogID:     root.CatalogID,
		NodeID:        nodeID,
		NodeName:      parentStep,
		NodeType:      "playbook",
		Meta:          map[string]interface{}{"child_execution_id": e.ExecutionID},
	}
	if e.EventType == event.TypeExecutionCompleted {
		base.EventType = event.TypeActionCompleted
		base.Status = event.StatusCompleted
		base.Result = map[string]interface{}{
			"status": "success",
			"data":   envelopeData(e.Result),
		}
	} else {
		base.EventType = event.TypeActionError
		base.Status = event.StatusFailed
		base.Error = childErrorMessage(e)
		base.Result = map[string]interface{}{
			"status": "error",
			"error":  childErrorDetail(e),
		}
	}
	_, err := b.events.Append(ctx, base)
	return err
}

// completeIteration 迭代器子执行终态：全部子执行终态后按 iteration_index
// 升序聚合，发 iterator_completed（幂等标记，多路并发收束只生效一次）
func (b *Broker) completeIteration(ctx context.Context, parentID int64, root *event.Event, parentStep string, e *event.Event) error {
	children, err := b.events.Children(ctx, parentID)
	if err != nil {
		return err
	}
	type childExec struct {
		index int
		root  *event.Event
	}
	var execs []childExec
	expected := 0
	for _, c := range children {
		if ps, _ := c.Meta["parent_step"].(string); ps != parentStep {
			continue
		}
		idx := metaInt(c.Meta, "iteration_index", -1)
		if idx < 0 {
			continue
		}
		execs = append(execs, childExec{index: idx, root: c})
		if n := metaInt(c.Meta, "iteration_count", 0); n > expected {
			expected = n
		}
	}
	if expected == 0 {
		expected = len(execs)
	}
	if len(execs) < expected {
		return nil
	}

	sort.Slice(execs, func(i, j int) bool { return execs[i].index < execs[j].index })

	loop := b.loopOf(ctx, root, parentStep)
	strategy := "append"
	if loop != nil && loop.Collect != "" {
		strategy = loop.Collect
	}

	var values []interface{}
	success, failed := 0, 0
	for _, c := range execs {
		if comp, err := b.events.FirstByType(ctx, c.root.ExecutionID, event.TypeExecutionCompleted); err == nil {
			success++
			if strategy == "collect" {
				values = append(values, map[string]interface{}{
					"status": "success",
					"data":   envelopeData(comp.Result),
				})
			} else {
				values = append(values, envelopeData(comp.Result))
			}
			continue
		}
		fail, err := b.events.FirstByType(ctx, c.root.ExecutionID, event.TypeExecutionFailed)
		if err != nil {
			// 该子执行尚未终态，等待其终态事件再收束
			return nil
		}
		failed++
		values = append(values, map[string]interface{}{
			"status": "error",
			"error":  childErrorDetail(fail),
		})
	}

	_, err = b.events.Append(ctx, &event.Event{
		ExecutionID: parentID,
		CatalogID:   root.CatalogID,
		EventType:   event.TypeIteratorCompleted,
		NodeID:      queue.NodeID(parentID, parentStep),
		NodeName:    parentStep,
		Status:      event.StatusCompleted,
		Result: map[string]interface{}{
			"status": "success",
			"data": map[string]interface{}{
				"results": aggregate(values, strategy),
				"stats":   iterStats(len(execs), success, failed),
			},
		},
	})
	return err
}

// loopOf 取父剧本中某步骤的循环配置
func (b *Broker) loopOf(ctx context.Context, root *event.Event, stepName string) *playbook.Loop {
	pb, err := b.catalog.Playbook(ctx, root.CatalogID)
	if err != nil {
		return nil
	}
	if s := pb.FindStep(stepName); s != nil {
		return s.Loop
	}
	return nil
}

// materializeItems 求值集合并应用 where / order_by / limit
func (b *Broker) materializeItems(loop *playbook.Loop, ectx map[string]interface{}) ([]interface{}, error) {
	var raw interface{}
	var err error
	switch c := loop.Collection.(type) {
	case string:
		raw, err = b.tpl.Render(c, ectx)
	case nil:
		return nil, fmt.Errorf("迭代器缺少 collection")
	default:
		raw, err = b.tpl.RenderValue(c, ectx)
	}
	if err != nil {
		return nil, err
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("collection 求值结果不是列表: %T", raw)
	}

	element := loop.Element
	if element == "" {
		element = "item"
	}

	if loop.Where != "" {
		var filtered []interface{}
		for _, it := range items {
			ictx := cloneCtx(ectx)
			ictx[element] = it
			ok, err := b.tpl.Truthy(loop.Where, ictx)
			if err != nil {
				return nil, err
			}
			if ok {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}

	if loop.OrderBy != "" {
		type keyed struct {
			key  interface{}
			item interface{}
		}
		pairs := make([]keyed, len(items))
		for i, it := range items {
			ictx := cloneCtx(ectx)
			ictx[element] = it
			k, err := b.tpl.Render("{{ "+loop.OrderBy+" }}", ictx)
			if err != nil {
				return nil, err
			}
			pairs[i] = keyed{key: k, item: it}
		}
		sort.SliceStable(pairs, func(i, j int) bool { return lessValue(pairs[i].key, pairs[j].key) })
		for i, p := range pairs {
			items[i] = p.item
		}
	}

	if loop.Limit > 0 && len(items) > loop.Limit {
		items = items[:loop.Limit]
	}
	return items, nil
}

func lessValue(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af < bf
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func metaInt(meta map[string]interface{}, key string, def int) int {
	if meta == nil {
		return def
	}
	if f, ok := toFloat(meta[key]); ok {
		return int(f)
	}
	return def
}

func iterStats(total, success, failed int) map[string]interface{} {
	return map[string]interface{}{
		"total":   total,
		"success": success,
		"failed":  failed,
	}
}

func childErrorMessage(e *event.Event) string {
	if m, ok := e.Meta["error"].(map[string]interface{}); ok {
		if msg, ok := m["message"].(string); ok && msg != "" {
			return msg
		}
	}
	if e.Error != "" {
		return e.Error
	}
	return "子剧本执行失败"
}

func childErrorDetail(e *event.Event) interface{} {
	if m, ok := e.Meta["error"].(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{"kind": "execution_failed", "message": childErrorMessage(e)}
}
