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

// Package planner 规划器：校验剧本、铸造 execution_id、落定义行并发出根事件。
// 首个可执行步骤的派发由 broker 在 workflow_initialized 回调中完成，
// 规划与派发共用同一条幂等路径。
package planner

import (
	"context"

	"github.com/noetl/noetl-sub001/internal/catalog"
	"github.com/noetl/noetl-sub001/internal/event"
	"github.com/noetl/noetl-sub001/internal/playbook"
	"github.com/noetl/noetl-sub001/pkg/errors"
	"github.com/noetl/noetl-sub001/pkg/ident"
)

// Planner 执行规划器
type Planner struct {
	catalog *catalog.Service
	events  event.Store
	defs    DefStore
	gen     *ident.Generator
}

// New 创建规划器
func New(cat *catalog.Service, events event.Store, defs DefStore, shardID int64) (*Planner, error) {
	gen, err := ident.NewGenerator(shardID)
	if err != nil {
		return nil, err
	}
	return &Planner{catalog: cat, events: events, defs: defs, gen: gen}, nil
}

// Request 规划请求；Payload 覆盖剧本 workload 的同名键。
// Parent* 字段仅子剧本执行时有值。
type Request struct {
	CatalogID         int64
	Payload           map[string]interface{}
	ParentExecutionID int64
	ParentEventID     int64
	ParentStep        string
	Meta              map[string]interface{} // 额外的根事件元数据（如迭代序号）
}

// Result 规划结果
type Result struct {
	ExecutionID int64
	RootEventID int64
	Workload    map[string]interface{}
}

// Plan 规划一次执行：校验、发 execution_started、落定义行、发 workflow_initialized。
// workflow_initialized 的追加回调触发 broker 派发首个可执行步骤。
func (p *Planner) Plan(ctx context.Context, req *Request) (*Result, error) {
	pb, err := p.catalog.Playbook(ctx, req.CatalogID)
	if err != nil {
		return nil, err
	}
	if reasons := pb.Validate(); len(reasons) > 0 {
		return nil, errors.Wrapf(errors.ErrInvalidArg, "剧本校验失败: %v", reasons)
	}

	executionID := p.gen.Next()
	workload := mergeWorkload(pb.Workload, req.Payload)
	if err := p.events.SetWorkload(ctx, executionID, workload); err != nil {
		return nil, err
	}

	meta := map[string]interface{}{
		"playbook_path":    pb.Path,
		"playbook_version": pb.Version,
	}
	if req.ParentStep != "" {
		meta["parent_step"] = req.ParentStep
	}
	for k, v := range req.Meta {
		meta[k] = v
	}
	rootID, err := p.events.Append(ctx, &event.Event{
		ExecutionID:       executionID,
		ParentExecutionID: req.ParentExecutionID,
		ParentEventID:     req.ParentEventID,
		CatalogID:         req.CatalogID,
		EventType:         event.TypeExecutionStarted,
		NodeName:          pb.Name,
		NodeType:          "playbook",
		Status:            event.StatusStarted,
		Context:           map[string]interface{}{"workload": workload},
		Meta:              meta,
	})
	if err != nil {
		return nil, err
	}

	if err := p.defs.Save(ctx, executionID, buildDefs(executionID, pb)); err != nil {
		return nil, err
	}

	if _, err := p.events.Append(ctx, &event.Event{
		ExecutionID:       executionID,
		ParentExecutionID: req.ParentExecutionID,
		ParentEventID:     rootID,
		CatalogID:         req.CatalogID,
		EventType:         event.TypeWorkflowInitialized,
		NodeName:          pb.Name,
		NodeType:          "playbook",
		Status:            event.StatusRunning,
	}); err != nil {
		return nil, err
	}

	return &Result{ExecutionID: executionID, RootEventID: rootID, Workload: workload}, nil
}

// mergeWorkload 以剧本 workload 为底，请求 payload 覆盖同名键
func mergeWorkload(base, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// buildDefs 从剧本构建定义行
func buildDefs(executionID int64, pb *playbook.Playbook) *Defs {
	defs := &Defs{}
	for _, s := range pb.Workflow {
		cfg := map[string]interface{}{}
		if s.Tool != nil {
			cfg["tool"] = s.Tool.ToMap()
		}
		if len(s.Data) > 0 {
			cfg["data"] = s.Data
		}
		if s.Loop != nil {
			cfg["loop"] = map[string]interface{}{
				"collection":  s.Loop.Collection,
				"element":     s.Loop.Element,
				"mode":        s.Loop.Mode,
				"concurrency": s.Loop.Concurrency,
			}
		}
		defs.Workflow = append(defs.Workflow, &WorkflowRow{
			ExecutionID: executionID,
			StepName:    s.Step,
			StepType:    s.Type,
			Config:      cfg,
		})
		for _, n := range s.Next {
			with := map[string]interface{}{}
			for k, v := range n.With {
				with[k] = v
			}
			for k, v := range n.Data {
				with[k] = v
			}
			defs.Transitions = append(defs.Transitions, &TransitionRow{
				ExecutionID: executionID,
				FromStep:    s.Step,
				ToStep:      n.Step,
				Condition:   n.When,
				With:        with,
			})
		}
	}
	for _, t := range pb.Workbook {
		defs.Workbook = append(defs.Workbook, &WorkbookRow{
			ExecutionID: executionID,
			TaskName:    t.Name,
			Config:      t.ToMap(),
		})
	}
	return defs
}
