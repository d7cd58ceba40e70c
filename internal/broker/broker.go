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

// Package broker 编排核心：事件触发的求值器。每次事件追加触发一次 route_event，
// 推进执行状态机。完全可重入：幂等标记与队列唯一键保证并发求值不重复派发。
// 编排自身的错误只记日志，执行保持 in_progress 等待下一事件或人工介入。
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/noetl/noetl-sub001/internal/catalog"
	"github.com/noetl/noetl-sub001/internal/event"
	"github.com/noetl/noetl-sub001/internal/playbook"
	"github.com/noetl/noetl-sub001/internal/queue"
	"github.com/noetl/noetl-sub001/internal/template"
	"github.com/noetl/noetl-sub001/pkg/errors"
	"github.com/noetl/noetl-sub001/pkg/log"
	"github.com/noetl/noetl-sub001/pkg/metrics"
)

// 执行状态机
type execState int

const (
	stateInitial    execState = iota // 仅 execution_started / workflow_initialized
	stateInProgress                  // 已有 step_started，未终态
	stateCompleted                   // 已有终态事件，路由一律 no-op
)

// Broker 事件驱动的编排器
type Broker struct {
	events  event.Store
	queue   queue.Queue
	catalog *catalog.Service
	tpl     *template.Renderer
	log     *log.Logger
}

// New 创建编排器
func New(events event.Store, q queue.Queue, cat *catalog.Service, logger *log.Logger) *Broker {
	if logger == nil {
		logger, _ = log.NewLogger(nil)
	}
	return &Broker{
		events:  events,
		queue:   q,
		catalog: cat,
		tpl:     template.New(),
		log:     logger.With("component", "broker"),
	}
}

// Listener 返回可注册到事件存储的追加回调
func (b *Broker) Listener() event.Listener {
	return b.RouteEvent
}

// RouteEvent 路由一个事件；幂等，可安全重入
func (b *Broker) RouteEvent(ctx context.Context, e *event.Event) error {
	start := time.Now()
	err := b.route(ctx, e)
	metrics.BrokerEvalDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BrokerEvalErrorsTotal.Inc()
		b.log.Error("事件路由失败",
			"execution_id", e.ExecutionID, "event_type", e.EventType, "err", err)
		b.logError(ctx, e.ExecutionID, e.NodeName, "broker", err.Error())
	}
	return err
}

func (b *Broker) route(ctx context.Context, e *event.Event) error {
	// 子执行终态：父执行重评（在自身状态判定之前，终态子执行自身已 completed）
	if e.ParentExecutionID != 0 && event.IsTerminal(e.EventType) {
		if err := b.handleChildTerminal(ctx, e); err != nil {
			b.log.Error("父执行重评失败",
				"parent_execution_id", e.ParentExecutionID, "child_execution_id", e.ExecutionID, "err", err)
		}
	}

	// 自身终态：清理残留队列条目
	if event.IsTerminal(e.EventType) {
		if n, err := b.queue.CancelByExecution(ctx, e.ExecutionID); err == nil && n > 0 {
			b.log.Info("终态执行的残留队列条目已取消", "execution_id", e.ExecutionID, "count", n)
		}
		return nil
	}

	state, err := b.classify(ctx, e.ExecutionID)
	if err != nil {
		return err
	}
	switch state {
	case stateCompleted:
		return nil
	case stateInitial:
		return b.dispatchFirstStep(ctx, e.ExecutionID)
	}

	switch e.EventType {
	case event.TypeActionCompleted, event.TypeStepResult, event.TypeIteratorCompleted:
		return b.processCompletedSteps(ctx, e.ExecutionID)
	case event.TypeActionError, event.TypeActionFailed:
		return b.handleError(ctx, e)
	}
	return nil
}

// Reevaluate 主动重评执行（队列 complete 后的 best-effort 钩子）
func (b *Broker) Reevaluate(ctx context.Context, executionID int64) error {
	state, err := b.classify(ctx, executionID)
	if err != nil {
		return err
	}
	switch state {
	case stateCompleted:
		return nil
	case stateInitial:
		return b.dispatchFirstStep(ctx, executionID)
	}
	return b.processCompletedSteps(ctx, executionID)
}

// Cancel 操作员取消执行：发 execution_failed，后续事件全部 no-op
func (b *Broker) Cancel(ctx context.Context, executionID int64, reason string) error {
	done, err := b.events.HasTerminal(ctx, executionID)
	if err != nil {
		return err
	}
	if done {
		return errors.Wrapf(errors.ErrConflict, "执行 %d 已终态", executionID)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	_, err = b.events.Append(ctx, &event.Event{
		ExecutionID: executionID,
		EventType:   event.TypeExecutionFailed,
		Status:      event.StatusFailed,
		Meta: map[string]interface{}{
			"error": map[string]interface{}{
				"kind":    "cancelled",
				"message": reason,
			},
		},
	})
	return err
}

func (b *Broker) classify(ctx context.Context, executionID int64) (execState, error) {
	evs, err := b.events.ListByExecution(ctx, executionID, event.Filter{
		Types: []event.Type{
			event.TypeExecutionCompleted,
			event.TypeExecutionFailed,
			event.TypeStepStarted,
		},
	})
	if err != nil {
		return stateInitial, err
	}
	hasStarted := false
	for _, e := range evs {
		if event.IsTerminal(e.EventType) {
			return stateCompleted, nil
		}
		if e.EventType == event.TypeStepStarted {
			hasStarted = true
		}
	}
	if hasStarted {
		return stateInProgress, nil
	}
	return stateInitial, nil
}

// loadPlaybook 取执行对应的剧本与根事件
func (b *Broker) loadPlaybook(ctx context.Context, executionID int64) (*playbook.Playbook, *event.Event, error) {
	root, err := b.events.FirstByType(ctx, executionID, event.TypeExecutionStarted)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "执行 %d 缺少根事件", executionID)
	}
	pb, err := b.catalog.Playbook(ctx, root.CatalogID)
	if err != nil {
		return nil, nil, err
	}
	return pb, root, nil
}

// dispatchFirstStep 派发首个可执行步骤
func (b *Broker) dispatchFirstStep(ctx context.Context, executionID int64) error {
	pb, root, err := b.loadPlaybook(ctx, executionID)
	if err != nil {
		return err
	}
	parentID := root.EventID
	if init, err := b.events.FirstByType(ctx, executionID, event.TypeWorkflowInitialized); err == nil {
		parentID = init.EventID
	}
	ectx, err := b.evalContext(ctx, executionID, root)
	if err != nil {
		return err
	}
	start := pb.StartStep()
	if start == nil {
		return fmt.Errorf("剧本 %s 没有入口步骤", pb.Name)
	}
	if start.Tool != nil || start.IsIterator() {
		return b.fireTransition(ctx, executionID, root, pb, start, parentID, nil, ectx, nil)
	}
	// 入口为纯路由节点：求值其迁移，全部为真者触发
	return b.fireTransitions(ctx, executionID, root, pb, start, parentID, ectx, nil)
}

// fireTransitions 求值并触发步骤的全部为真迁移（all-match，声明序）
func (b *Broker) fireTransitions(ctx context.Context, executionID int64, root *event.Event, pb *playbook.Playbook, from *playbook.Step, parentEventID int64, ectx map[string]interface{}, triggerData interface{}) error {
	fired := 0
	for _, tr := range from.Next {
		ok, err := b.tpl.Truthy(tr.When, ectx)
		if err != nil {
			// 迁移求值失败按 action_error 走重试链路
			b.log.Error("迁移条件求值失败", "execution_id", executionID,
				"from", from.Step, "to", tr.Step, "err", err)
			if _, aerr := b.events.Append(ctx, &event.Event{
				ExecutionID: executionID,
				CatalogID:   root.CatalogID,
				EventType:   event.TypeActionError,
				NodeID:      queue.NodeID(executionID, tr.Step),
				NodeName:    tr.Step,
				Status:      event.StatusFailed,
				Error:       err.Error(),
				Meta:        map[string]interface{}{"phase": "transition_eval"},
			}); aerr != nil {
				return aerr
			}
			continue
		}
		if !ok {
			continue
		}
		target := pb.FindStep(tr.Step)
		if target == nil {
			return fmt.Errorf("迁移目标 %s 不存在", tr.Step)
		}
		overlay := transitionOverlay(tr)
		if err := b.fireTransition(ctx, executionID, root, pb, target, parentEventID, overlay, ectx, triggerData); err != nil {
			return err
		}
		fired++
	}
	if fired == 0 && len(from.Next) == 0 {
		// 无后继：执行在该步骤自然结束
		return b.finishExecution(ctx, executionID, root, from, parentEventID, ectx, triggerData)
	}
	return nil
}

// fireTransition 触发一条迁移：终点步骤收束、迭代器展开、普通步骤入队
func (b *Broker) fireTransition(ctx context.Context, executionID int64, root *event.Event, pb *playbook.Playbook, target *playbook.Step, parentEventID int64, overlay map[string]interface{}, ectx map[string]interface{}, triggerData interface{}) error {
	if target.IsIterator() {
		return b.expandIterator(ctx, executionID, root, pb, target, parentEventID, overlay, ectx)
	}
	if target.Tool == nil {
		if target.IsEnd() {
			return b.finishExecution(ctx, executionID, root, target, parentEventID, ectx, triggerData)
		}
		// 纯路由节点：标记经过并继续触发其迁移
		if _, err := b.events.Append(ctx, &event.Event{
			ExecutionID: executionID,
			CatalogID:   root.CatalogID,
			EventType:   event.TypeStepCompleted,
			NodeID:      queue.NodeID(executionID, target.Step),
			NodeName:    target.Step,
			ParentEventID: parentEventID,
			Status:      event.StatusCompleted,
		}); err != nil {
			return err
		}
		return b.fireTransitions(ctx, executionID, root, pb, target, parentEventID, ectx, triggerData)
	}
	return b.startStep(ctx, executionID, root, pb, target, parentEventID, overlay, ectx)
}

// finishExecution 发 execution_completed；end 步骤的 result 映射渲染为最终结果，
// 无映射时最终结果为触发步骤的解包数据
func (b *Broker) finishExecution(ctx context.Context, executionID int64, root *event.Event, end *playbook.Step, parentEventID int64, ectx map[string]interface{}, triggerData interface{}) error {
	var result interface{} = triggerData
	if end.Result != nil {
		rendered, err := b.tpl.RenderMap(end.Result, ectx)
		if err != nil {
			return errors.Wrapf(err, "end 步骤 %s 的 result 渲染失败", end.Step)
		}
		result = rendered
	}
	_, err := b.events.Append(ctx, &event.Event{
		ExecutionID:       executionID,
		ParentExecutionID: root.ParentExecutionID,
		ParentEventID:     parentEventID,
		CatalogID:         root.CatalogID,
		EventType:         event.TypeExecutionCompleted,
		NodeID:            queue.NodeID(executionID, end.Step),
		NodeName:          end.Step,
		Status:            event.StatusCompleted,
		Result:            map[string]interface{}{"data": result},
	})
	return err
}

// transitionOverlay 迁移覆盖参数；优先级 input > payload > with，data 单独叠加到步骤 data
func transitionOverlay(tr *playbook.Transition) map[string]interface{} {
	if tr == nil {
		return nil
	}
	args := map[string]interface{}{}
	for k, v := range tr.With {
		args[k] = v
	}
	for k, v := range tr.Payload {
		args[k] = v
	}
	for k, v := range tr.Input {
		args[k] = v
	}
	overlay := map[string]interface{}{}
	if len(args) > 0 {
		overlay["args"] = args
	}
	if len(tr.Data) > 0 {
		overlay["data"] = tr.Data
	}
	return overlay
}

// RenderTask 服务端统一渲染：以执行上下文为底，extra 覆盖同名键后渲染 task。
// worker 经 /context/render 调用，自身不做模板求值。
func (b *Broker) RenderTask(ctx context.Context, executionID int64, task, extra map[string]interface{}) (map[string]interface{}, error) {
	root, err := b.events.FirstByType(ctx, executionID, event.TypeExecutionStarted)
	if err != nil {
		return nil, errors.Wrapf(err, "执行 %d 缺少根事件", executionID)
	}
	ectx, err := b.evalContext(ctx, executionID, root)
	if err != nil {
		return nil, err
	}
	for k, v := range extra {
		ectx[k] = v
	}
	return b.tpl.RenderMap(task, ectx)
}

func (b *Broker) logError(ctx context.Context, executionID int64, nodeName, component, message string) {
	if err := b.events.LogError(ctx, &event.ErrorEntry{
		ExecutionID: executionID,
		NodeName:    nodeName,
		Component:   component,
		Message:     message,
	}); err != nil {
		b.log.Error("错误日志写入失败", "execution_id", executionID, "err", err)
	}
}
