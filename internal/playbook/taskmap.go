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

// ToMap 将任务转为开放 map，作为队列 action 上下文与渲染输入。
// 只携带非零字段，插件按键取值。
func (t *Task) ToMap() map[string]interface{} {
	if t == nil {
		return nil
	}
	m := map[string]interface{}{"kind": t.Kind}
	if t.Name != "" {
		m["name"] = t.Name
	}
	if t.URL != "" {
		m["url"] = t.URL
	}
	if t.Method != "" {
		m["method"] = t.Method
	}
	if len(t.Headers) > 0 {
		m["headers"] = t.Headers
	}
	if len(t.Payload) > 0 {
		m["payload"] = t.Payload
	}
	if t.Timeout != "" {
		m["timeout"] = t.Timeout
	}
	if t.Command != "" {
		m["command"] = t.Command
	}
	if t.Query != "" {
		m["query"] = t.Query
	}
	if t.DSN != "" {
		m["dsn"] = t.DSN
	}
	if t.Path != "" {
		m["path"] = t.Path
	}
	if t.Version != "" {
		m["version"] = t.Version
	}
	if t.Auth != "" {
		m["auth"] = t.Auth
	}
	if len(t.Args) > 0 {
		m["args"] = t.Args
	}
	return m
}

// SaveToMap 将 save 指令转为 map（随任务一起渲染与下发）
func (s *Save) ToMap() map[string]interface{} {
	if s == nil {
		return nil
	}
	m := map[string]interface{}{}
	if s.Storage != "" {
		m["storage"] = s.Storage
	}
	if s.Task != nil {
		m["task"] = s.Task.ToMap()
	}
	if len(s.Data) > 0 {
		m["data"] = s.Data
	}
	return m
}
