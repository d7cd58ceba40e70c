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

	"gopkg.in/yaml.v3"
)

// Parse 解析 YAML 剧本内容；仅做语法解析，语义校验见 Validate
func Parse(content []byte) (*Playbook, error) {
	var p Playbook
	if err := yaml.Unmarshal(content, &p); err != nil {
		return nil, fmt.Errorf("解析剧本失败: %w", err)
	}
	return &p, nil
}

// ParseString Parse 的字符串便捷入口
func ParseString(content string) (*Playbook, error) {
	return Parse([]byte(content))
}
