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
	"fmt"
)

// ExecuteSave 执行 save 后置指令：save.task 经注册表分发，
// 渲染后的 save.data 并入任务 args。与主任务同一作业内执行，失败即作业失败。
func (r *Registry) ExecuteSave(ctx context.Context, job *Job, save map[string]interface{}) error {
	task, _ := save["task"].(map[string]interface{})
	if task == nil {
		return fmt.Errorf("save 指令缺少 task")
	}
	kind, _ := task["kind"].(string)
	if kind == "" {
		if storage, _ := save["storage"].(string); storage != "" {
			kind = storage
		}
	}
	if kind == "" {
		return fmt.Errorf("save 指令缺少 kind/storage")
	}

	action := make(map[string]interface{}, len(task)+1)
	for k, v := range task {
		action[k] = v
	}
	action["kind"] = kind
	if data, ok := save["data"].(map[string]interface{}); ok {
		args, _ := action["args"].(map[string]interface{})
		merged := make(map[string]interface{}, len(args)+len(data))
		for k, v := range args {
			merged[k] = v
		}
		for k, v := range data {
			merged[k] = v
		}
		action["args"] = merged
	}

	sub := &Job{
		QueueID:     job.QueueID,
		ExecutionID: job.ExecutionID,
		CatalogID:   job.CatalogID,
		NodeID:      job.NodeID,
		NodeName:    job.NodeName,
		Kind:        kind,
		Action:      action,
		Context:     job.Context,
		Meta:        job.Meta,
	}
	envelope := r.Execute(ctx, sub)
	if !envelope.OK() {
		return fmt.Errorf("save 执行失败: %s", envelope.Message())
	}
	return nil
}
