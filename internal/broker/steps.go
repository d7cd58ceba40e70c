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

	"github.com/noetl/noetl-sub001/internal/event"
	"github.com/noetl/noetl-sub001/internal/playbook"
	"github.com/noetl/noetl-sub001/internal/queue"
	"github.com/noetl/noetl-sub001/pkg/errors"
)

// evalContext 构建模板求值上下文：workload、execution_id，以及每个已出结果步骤
// 按步骤名绑定的解包值。步骤值为 data；data 为 map 时附带 status/meta/error 信封字段。
func (b *Broker) evalContext(ctx context.Context, executionID int64, root *event.Event) (map[string]interface{}, error) {
	ectx := map[string]interface{}{
		"execution_id": executionID,
	}
	workload, err := b.events.GetWorkload(ctx, executionID)
	if err != nil {
		if !errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		if w, ok := root.Context["workload"].(map[string]interface{}); ok {
			workload = w
		}
	}
	if workload == nil {
		workload = map[string]interface{}{}
	}
	ectx["workload"] = workload

	evs, err := b.events.ListByExecution(ctx, executionID, event.Filter{
		Types: []event.Type{
			event.TypeActionCompleted,
			event.TypeStepResult,
			event.TypeStepCompleted,
			event.TypeIteratorCompleted,
		},
	})
	if err != nil {
		return nil, err
	}
	// 后出现的事件覆盖先前绑定：聚合后的 step_completed 优先于单次 action_completed
	for _, e := range evs {
		if e.Result == nil || e.NodeName == "" {
			continue
		}
		ectx[e.NodeName] = unwrapEnvelope(e.Result)
	}
	return ectx, nil
}

// unwrapEnvelope 解包执行结果信封：步骤值取 data，
// data 为 map 时并入 status/meta/error 使 {{ step.status }} 可达
func unwrapEnvelope(envelope map[string]interface{}) interface{} {
	data, hasData := envelope["data"]
	if !hasData {
		return envelope
	}
	m, ok := data.(map[string]interface{})
	if !ok {
		return data
	}
	out := make(map[string]interface{}, len(m)+3)
	for k, v := range m {
		out[k] = v
	}
	for _, k := range []string{"status", "meta", "error"} {
		if v, exists := envelope[k]; exists {
			if _, shadowed := out[k]; !shadowed {
				out[k] = v
			}
		}
	}
	return out
}

// envelopeData 取信封的 data 字段；无 data 时返回信封本身
func envelopeData(envelope map[string]interface{}) interface{} {
	if envelope == nil {
		return nil
	}
	if data, ok := envelope["data"]; ok {
		return data
	}
	return envelope
}

// processCompletedSteps 收束已完成但未推进的步骤：发 step_completed 幂等标记，
// 求值其迁移。标记与队列唯一键保证并发重入安全。
func (b *Broker) processCompletedSteps(ctx context.Context, executionID int64) error {
	pb, root, err := b.loadPlaybook(ctx, executionID)
	if err != nil {
		return err
	}
	evs, err := b.events.ListByExecution(ctx, executionID, event.Filter{
		Types: []event.Type{
			event.TypeActionCompleted,
			event.TypeIteratorCompleted,
			event.TypeStepCompleted,
		},
	})
	if err != nil {
		return err
	}
	latest := map[string]*event.Event{} // 每步最新的结果事件
	done := map[string]bool{}
	for _, e := range evs {
		switch e.EventType {
		case event.TypeActionCompleted, event.TypeIteratorCompleted:
			latest[e.NodeName] = e
		case event.TypeStepCompleted:
			done[e.NodeName] = true
		}
	}

	ectx, err := b.evalContext(ctx, executionID, root)
	if err != nil {
		return err
	}

	for _, s := range pb.Workflow {
		ae, ok := latest[s.Step]
		if !ok || done[s.Step] {
			continue
		}
		envelope := ae.Result

		// 成功续页（分页拉取）：策略仍命中时重投而非收束
		handled, aggregated, err := b.successContinuation(ctx, executionID, s, ae, ectx)
		if err != nil {
			return err
		}
		if handled {
			continue
		}
		if aggregated != nil {
			envelope = aggregated
			ectx[s.Step] = unwrapEnvelope(envelope)
		}

		scID, err := b.events.Append(ctx, &event.Event{
			ExecutionID:   executionID,
			ParentEventID: ae.EventID,
			CatalogID:     root.CatalogID,
			EventType:     event.TypeStepCompleted,
			NodeID:        queue.NodeID(executionID, s.Step),
			NodeName:      s.Step,
			Status:        event.StatusCompleted,
			Result:        envelope,
		})
		if err != nil {
			return err
		}
		if err := b.fireTransitions(ctx, executionID, root, pb, s, scID, ectx, envelopeData(envelope)); err != nil {
			return err
		}
	}
	return nil
}

// startStep 发 step_started 标记并入队作业。参数与数据在服务端渲染一次，
// worker 拿到的 action 不再含模板。
func (b *Broker) startStep(ctx context.Context, executionID int64, root *event.Event, pb *playbook.Playbook, step *playbook.Step, parentEventID int64, overlay map[string]interface{}, ectx map[string]interface{}) error {
	tool := pb.ResolveTool(step)
	if tool == nil {
		return fmt.Errorf("步骤 %s 的任务无法解析", step.Step)
	}

	var overlayArgs, overlayData map[string]interface{}
	if overlay != nil {
		overlayArgs, _ = overlay["args"].(map[string]interface{})
		overlayData, _ = overlay["data"].(map[string]interface{})
	}

	// 步骤 data，迁移 data 叠加其上
	stepData, err := b.tpl.RenderMap(mergeMaps(step.Data, overlayData), ectx)
	if err != nil {
		return errors.Wrapf(err, "步骤 %s 的 data 渲染失败", step.Step)
	}
	sctx := ectx
	if stepData != nil {
		sctx = cloneCtx(ectx)
		sctx["data"] = stepData
	}

	action := tool.ToMap()
	if args := mergeMaps(tool.Args, overlayArgs); args != nil {
		action["args"] = args
	}
	rendered, err := b.tpl.RenderMap(action, sctx)
	if err != nil {
		return errors.Wrapf(err, "步骤 %s 的任务渲染失败", step.Step)
	}
	// save 指令引用执行结果，留给结果期渲染
	if step.Save != nil {
		rendered["save"] = step.Save.ToMap()
	}

	nodeID := queue.NodeID(executionID, step.Step)
	startedID, err := b.events.Append(ctx, &event.Event{
		ExecutionID:   executionID,
		ParentEventID: parentEventID,
		CatalogID:     root.CatalogID,
		EventType:     event.TypeStepStarted,
		NodeID:        nodeID,
		NodeName:      step.Step,
		NodeType:      tool.Kind,
		Status:        event.StatusStarted,
		Context:       map[string]interface{}{"data": stepData},
	})
	if err != nil {
		return err
	}

	qctx := map[string]interface{}{"workload": ectx["workload"]}
	if stepData != nil {
		qctx["data"] = stepData
	}
	_, err = b.queue.Enqueue(ctx, &queue.Entry{
		ExecutionID: executionID,
		CatalogID:   root.CatalogID,
		NodeID:      nodeID,
		NodeName:    step.Step,
		Kind:        tool.Kind,
		Action:      rendered,
		Context:     qctx,
		Meta:        map[string]interface{}{"parent_event_id": startedID},
		MaxAttempts: queueMaxAttempts(step),
	})
	return err
}

// queueMaxAttempts 队列层重投上限：取重试策略的最大 max_attempts，
// 无策略时留基础设施重投余量
func queueMaxAttempts(step *playbook.Step) int {
	max := 3
	for _, r := range step.Retry {
		if r.Then.MaxAttempts > max {
			max = r.Then.MaxAttempts
		}
	}
	return max
}

func mergeMaps(base, override map[string]interface{}) map[string]interface{} {
	if base == nil && override == nil {
		return nil
	}
	out := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func cloneCtx(ctx map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(ctx)+1)
	for k, v := range ctx {
		out[k] = v
	}
	return out
}
