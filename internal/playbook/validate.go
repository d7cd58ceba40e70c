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

package playbook

import (
	"fmt"
)

// knownKinds 内建插件可执行的任务类型；workbook 为引用标记
var knownKinds = map[string]bool{
	"http":     true,
	"postgres": true,
	"python":   true,
	"secret":   true,
	"playbook": true,
	"workbook": true,
}

// Validate 校验剧本语义，返回全部问题（空表示通过）：
// 步骤名唯一、迁移目标存在、workbook 引用可解、loop/retry 配置合法。
func (p *Playbook) Validate() []string {
	var reasons []string
	if len(p.Workflow) == 0 {
		reasons = append(reasons, "workflow 为空")
		return reasons
	}
	names := make(map[string]bool, len(p.Workflow))
	for _, s := range p.Workflow {
		if s.Step == "" {
			reasons = append(reasons, "存在未命名步骤")
			continue
		}
		if names[s.Step] {
			reasons = append(reasons, fmt.Sprintf("步骤名重复: %s", s.Step))
		}
		names[s.Step] = true
	}
	taskNames := make(map[string]bool, len(p.Workbook))
	for _, t := range p.Workbook {
		if t.Name == "" {
			reasons = append(reasons, "workbook 任务缺少 name")
			continue
		}
		if taskNames[t.Name] {
			reasons = append(reasons, fmt.Sprintf("workbook 任务名重复: %s", t.Name))
		}
		taskNames[t.Name] = true
	}
	for _, s := range p.Workflow {
		for _, n := range s.Next {
			if n.Step == "" {
				reasons = append(reasons, fmt.Sprintf("步骤 %s 的迁移缺少目标", s.Step))
			} else if !names[n.Step] {
				reasons = append(reasons, fmt.Sprintf("步骤 %s 的迁移目标不存在: %s", s.Step, n.Step))
			}
		}
		if s.Tool != nil {
			if s.Tool.Kind == "" {
				reasons = append(reasons, fmt.Sprintf("步骤 %s 的 tool 缺少 kind", s.Step))
			} else if !knownKinds[s.Tool.Kind] {
				reasons = append(reasons, fmt.Sprintf("步骤 %s 的 tool.kind 未知: %s", s.Step, s.Tool.Kind))
			}
			if s.Tool.Kind == "workbook" && !taskNames[s.Tool.Name] {
				reasons = append(reasons, fmt.Sprintf("步骤 %s 引用的 workbook 任务不存在: %s", s.Step, s.Tool.Name))
			}
			if s.Tool.Kind == "playbook" && s.Tool.Path == "" {
				reasons = append(reasons, fmt.Sprintf("步骤 %s 的子剧本缺少 path", s.Step))
			}
		}
		if s.Loop != nil {
			if s.Loop.Collection == nil {
				reasons = append(reasons, fmt.Sprintf("步骤 %s 的 loop 缺少 collection", s.Step))
			}
			if s.Loop.Element == "" {
				reasons = append(reasons, fmt.Sprintf("步骤 %s 的 loop 缺少 element", s.Step))
			}
			if s.Tool == nil {
				reasons = append(reasons, fmt.Sprintf("步骤 %s 带 loop 但没有 tool", s.Step))
			}
			switch s.Loop.Mode {
			case "", "sequential", "parallel", "async":
			default:
				reasons = append(reasons, fmt.Sprintf("步骤 %s 的 loop.mode 非法: %s", s.Step, s.Loop.Mode))
			}
		}
		for i, r := range s.Retry {
			if r.Then.MaxAttempts < 0 {
				reasons = append(reasons, fmt.Sprintf("步骤 %s 第 %d 条 retry 的 max_attempts 非法", s.Step, i))
			}
			switch r.Then.Collect {
			case "", "append", "extend", "replace", "collect":
			default:
				reasons = append(reasons, fmt.Sprintf("步骤 %s 第 %d 条 retry 的 collect 非法: %s", s.Step, i, r.Then.Collect))
			}
		}
	}
	for _, k := range p.Keychain {
		switch k.Scope {
		case "", "local", "shared", "global":
		default:
			reasons = append(reasons, fmt.Sprintf("keychain %s 的 scope 非法: %s", k.Name, k.Scope))
		}
	}
	return reasons
}
