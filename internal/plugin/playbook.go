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

package plugin

import (
	"context"
	"encoding/json"
)

// ChildRequest 子剧本执行请求
type ChildRequest struct {
	Path              string
	Version           string
	Payload           map[string]interface{}
	ParentExecutionID int64
	ParentEventID     int64
	ParentStep        string
	Meta              map[string]interface{}
}

// ChildRunner 启动子剧本执行；worker 经服务端 API 实现
type ChildRunner interface {
	StartExecution(ctx context.Context, req *ChildRequest) (int64, error)
}

// PlaybookPlugin 子剧本任务：启动子执行后立即返回异步信封。
// 父步骤的最终结果由 broker 从子执行终态合成。
type PlaybookPlugin struct {
	runner ChildRunner
}

// NewPlaybookPlugin 创建子剧本插件
func NewPlaybookPlugin(runner ChildRunner) *PlaybookPlugin {
	return &PlaybookPlugin{runner: runner}
}

// Kind 实现 Handler
func (p *PlaybookPlugin) Kind() string { return "playbook" }

// Execute 启动子执行
func (p *PlaybookPlugin) Execute(ctx context.Context, job *Job) *Envelope {
	path := job.ActionString("path")
	if path == "" {
		return Failure("invalid_task", "playbook 任务缺少 path")
	}
	req := &ChildRequest{
		Path:              path,
		Version:           job.ActionString("version"),
		Payload:           job.ActionMap("args"),
		ParentExecutionID: job.ExecutionID,
		ParentStep:        job.NodeName,
	}
	if job.Meta != nil {
		if id, ok := toInt64(job.Meta["parent_event_id"]); ok {
			req.ParentEventID = id
		}
		if idx, ok := job.Meta["iteration_index"]; ok {
			req.Meta = map[string]interface{}{
				"iteration_index": idx,
				"iteration_count": job.Meta["iteration_count"],
			}
		}
	}
	childID, err := p.runner.StartExecution(ctx, req)
	if err != nil {
		return Failure("playbook_error", "启动子剧本 %s 失败: %v", path, err)
	}
	return Success(nil).
		WithMeta("async", true).
		WithMeta("child_execution_id", childID)
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
