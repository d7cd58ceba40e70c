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

// Package playbook 定义 YAML 剧本的数据模型：workflow 步骤、workbook 可复用任务、
// 条件迁移、重试策略、循环与 save 指令。Broker 只消费这里解析出的结构。
package playbook

// Playbook 一份剧本：workflow 为步骤图，workbook 为按名引用的可复用任务
type Playbook struct {
	Name     string                 `yaml:"name"`
	Path     string                 `yaml:"path"`
	Version  string                 `yaml:"version"`
	Workload map[string]interface{} `yaml:"workload"` // 初始工作负载默认值，执行参数覆盖其上
	Workflow []*Step                `yaml:"workflow"`
	Workbook []*Task                `yaml:"workbook"`
	Keychain []*KeychainDecl        `yaml:"keychain"`
}

// Step workflow 中的一个节点；start 为入口，end 为终点
type Step struct {
	Step   string                 `yaml:"step"`
	Type   string                 `yaml:"type"` // 可选的节点类型标注
	Tool   *Task                  `yaml:"tool"` // 为空则是纯路由节点
	Data   map[string]interface{} `yaml:"data"` // 步骤自身数据，可被迁移的 data 覆盖
	Next   []*Transition          `yaml:"next"`
	Retry  []*RetryRule           `yaml:"retry"`
	Loop   *Loop                  `yaml:"loop"`
	Result map[string]interface{} `yaml:"result"` // end 步骤的最终结果映射（模板）
	Save   *Save                  `yaml:"save"`
}

// Task 任务定义；Kind 决定由哪个插件执行。字段是各插件入参的并集，
// 渲染后以 map 形式下发，插件只读取自己关心的键。
type Task struct {
	Kind    string                 `yaml:"kind"` // http | postgres | python | secret | playbook | workbook
	Name    string                 `yaml:"name"` // workbook 任务名（kind=workbook 时为引用）
	URL     string                 `yaml:"url"`
	Method  string                 `yaml:"method"`
	Headers map[string]interface{} `yaml:"headers"`
	Payload map[string]interface{} `yaml:"payload"`
	Timeout string                 `yaml:"timeout"`
	Command string                 `yaml:"command"` // python 代码或脚本
	Query   string                 `yaml:"query"`   // SQL
	DSN     string                 `yaml:"dsn"`
	Path    string                 `yaml:"path"`    // 子剧本路径（kind=playbook）
	Version string                 `yaml:"version"` // 子剧本版本，空为 latest
	Auth    string                 `yaml:"auth"`    // keychain 名称
	Args    map[string]interface{} `yaml:"args"`
}

// Transition 条件迁移；When 为空视为恒真。next 语义是 all-match：
// 所有为真的迁移同时触发（并行扇出）。
type Transition struct {
	When    string                 `yaml:"when"`
	Step    string                 `yaml:"step"`
	Data    map[string]interface{} `yaml:"data"`
	Payload map[string]interface{} `yaml:"payload"`
	Args    map[string]interface{} `yaml:"args"`
	With    map[string]interface{} `yaml:"with"`
	Input   map[string]interface{} `yaml:"input"`
}

// RetryRule 重试规则；与 next 不同，retry 是 first-match：
// 顺序求值，第一条 When 为真的规则生效。
type RetryRule struct {
	When string      `yaml:"when"`
	Then RetryPolicy `yaml:"then"`
}

// RetryPolicy 生效规则的策略体；延迟单位为秒
type RetryPolicy struct {
	MaxAttempts       int                    `yaml:"max_attempts"`
	InitialDelay      float64                `yaml:"initial_delay"`
	BackoffMultiplier float64                `yaml:"backoff_multiplier"`
	MaxDelay          float64                `yaml:"max_delay"`
	Jitter            bool                   `yaml:"jitter"`
	NextCall          map[string]interface{} `yaml:"next_call"` // 成功重试（分页）时覆盖的参数
	Collect           string                 `yaml:"collect"`   // append | extend | replace | collect
	Sink              string                 `yaml:"sink"`
}

// Loop 迭代器配置；Mode B（子剧本迭代）当 tool.kind==playbook 时强制
type Loop struct {
	Collection  interface{} `yaml:"collection"` // 模板字符串或字面列表
	Element     string      `yaml:"element"`    // 每项绑定的变量名
	Mode        string      `yaml:"mode"`       // sequential | parallel | async
	Concurrency int         `yaml:"concurrency"`
	Where       string      `yaml:"where"`
	OrderBy     string      `yaml:"order_by"`
	Limit       int         `yaml:"limit"`
	Collect     string      `yaml:"collect"` // 聚合策略：append | extend | replace | collect
}

// Save 任务后置持久化指令，与主任务同一作业内执行；失败视为作业失败
type Save struct {
	Storage string                 `yaml:"storage"` // postgres | http
	Task    *Task                  `yaml:"task"`
	Data    map[string]interface{} `yaml:"data"`
}

// KeychainDecl 剧本内声明的凭据绑定（首次解析时建立）
type KeychainDecl struct {
	Name      string                 `yaml:"name"`
	Scope     string                 `yaml:"scope"` // local | shared | global
	AutoRenew bool                   `yaml:"auto_renew"`
	TTL       string                 `yaml:"ttl"`
	Renew     map[string]interface{} `yaml:"renew"` // 续期任务定义（通常为 HTTP token 拉取）
	Data      map[string]interface{} `yaml:"data"`  // 初始凭据内容（模板，可引用 secrets）
}

// FindStep 按名查找步骤
func (p *Playbook) FindStep(name string) *Step {
	for _, s := range p.Workflow {
		if s.Step == name {
			return s
		}
	}
	return nil
}

// FindTask 按名查找 workbook 任务
func (p *Playbook) FindTask(name string) *Task {
	for _, t := range p.Workbook {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// StartStep 返回入口步骤（名为 start，否则取第一个）
func (p *Playbook) StartStep() *Step {
	if s := p.FindStep("start"); s != nil {
		return s
	}
	if len(p.Workflow) > 0 {
		return p.Workflow[0]
	}
	return nil
}

// ResolveTool 返回步骤实际执行的任务：kind=workbook 时解引用到 workbook 定义，
// 步骤级 Args 覆盖任务默认 Args
func (p *Playbook) ResolveTool(s *Step) *Task {
	if s == nil || s.Tool == nil {
		return nil
	}
	t := s.Tool
	if t.Kind == "workbook" && t.Name != "" {
		base := p.FindTask(t.Name)
		if base == nil {
			return nil
		}
		resolved := *base
		if len(t.Args) > 0 {
			merged := make(map[string]interface{}, len(base.Args)+len(t.Args))
			for k, v := range base.Args {
				merged[k] = v
			}
			for k, v := range t.Args {
				merged[k] = v
			}
			resolved.Args = merged
		}
		return &resolved
	}
	return t
}

// IsEnd 步骤是否为终点：显式 type=end、名为 end，
// 或既无 tool 也无 next 的纯汇点
func (s *Step) IsEnd() bool {
	if s.Type == "end" || s.Step == "end" {
		return true
	}
	return len(s.Next) == 0 && s.Tool == nil && s.Loop == nil
}

// IsIterator 步骤是否为迭代器
func (s *Step) IsIterator() bool {
	return s.Loop != nil
}
