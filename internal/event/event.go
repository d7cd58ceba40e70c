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

// Package event 事件存储：执行的全部状态迁移都以追加事件的形式落库，
// 事件一经写入不可变更。broker 通过监听追加回调驱动编排。
package event

import (
	"fmt"
	"time"
)

// Type 事件类型，封闭词表
type Type string

const (
	TypeExecutionStarted    Type = "execution_started"
	TypeWorkflowInitialized Type = "workflow_initialized"
	TypeStepStarted         Type = "step_started"
	TypeActionStarted       Type = "action_started"
	TypeActionCompleted     Type = "action_completed"
	TypeActionError         Type = "action_error"
	TypeActionFailed        Type = "action_failed"
	TypeStepResult          Type = "step_result"
	TypeStepCompleted       Type = "step_completed"
	TypeStepRetry           Type = "step_retry"
	TypeStepRetryExhausted  Type = "step_retry_exhausted"
	TypeStepFailedTerminal  Type = "step_failed_terminal"
	TypeIterationStarted    Type = "iteration_started"
	TypeIteratorCompleted   Type = "iterator_completed"
	TypeExecutionCompleted  Type = "execution_completed"
	TypeExecutionFailed     Type = "execution_failed"
)

// Status 事件状态枚举
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusStarted   Status = "STARTED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRetry     Status = "RETRY"
)

var validTypes = map[Type]bool{
	TypeExecutionStarted:    true,
	TypeWorkflowInitialized: true,
	TypeStepStarted:         true,
	TypeActionStarted:       true,
	TypeActionCompleted:     true,
	TypeActionError:         true,
	TypeActionFailed:        true,
	TypeStepResult:          true,
	TypeStepCompleted:       true,
	TypeStepRetry:           true,
	TypeStepRetryExhausted:  true,
	TypeStepFailedTerminal:  true,
	TypeIterationStarted:    true,
	TypeIteratorCompleted:   true,
	TypeExecutionCompleted:  true,
	TypeExecutionFailed:     true,
}

var validStatuses = map[Status]bool{
	StatusPending:   true,
	StatusStarted:   true,
	StatusRunning:   true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusRetry:     true,
}

// ValidType 判定事件类型是否在词表内
func ValidType(t Type) bool { return validTypes[t] }

// ValidStatus 判定状态是否合法；API 边界用它拒绝非法值
func ValidStatus(s Status) bool { return validStatuses[s] }

// markerTypes 幂等标记事件：同 (execution_id, node_name, event_type) 至多一条，
// iteration_started 的键额外包含 iteration_index
var markerTypes = map[Type]bool{
	TypeStepStarted:       true,
	TypeStepCompleted:     true,
	TypeIterationStarted:  true,
	TypeIteratorCompleted: true,
}

// IsMarker 判定事件是否受幂等保护
func IsMarker(t Type) bool { return markerTypes[t] }

// terminalTypes 执行终态事件；出现后不再为该执行派发任何工作
var terminalTypes = map[Type]bool{
	TypeExecutionCompleted: true,
	TypeExecutionFailed:    true,
}

// IsTerminal 判定事件是否为执行终态
func IsTerminal(t Type) bool { return terminalTypes[t] }

// Event 追加事件记录；写入后不可变
type Event struct {
	EventID           int64                  `json:"event_id"`
	ParentEventID     int64                  `json:"parent_event_id,omitempty"`
	ExecutionID       int64                  `json:"execution_id"`
	ParentExecutionID int64                  `json:"parent_execution_id,omitempty"`
	CatalogID         int64                  `json:"catalog_id"`
	EventType         Type                   `json:"event_type"`
	NodeID            string                 `json:"node_id,omitempty"`
	NodeName          string                 `json:"node_name,omitempty"`
	NodeType          string                 `json:"node_type,omitempty"`
	Status            Status                 `json:"status,omitempty"`
	Timestamp         time.Time              `json:"timestamp"`
	Duration          float64                `json:"duration,omitempty"`
	Context           map[string]interface{} `json:"context,omitempty"`
	Result            map[string]interface{} `json:"result,omitempty"`
	Meta              map[string]interface{} `json:"meta,omitempty"`
	Error             string                 `json:"error,omitempty"`
}

// IterationIndex 从 meta 取迭代序号；缺失返回 -1
func (e *Event) IterationIndex() int {
	if e.Meta == nil {
		return -1
	}
	switch v := e.Meta["iteration_index"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return -1
	}
}

// Validate 校验事件类型与状态
func (e *Event) Validate() error {
	if e.ExecutionID == 0 {
		return fmt.Errorf("事件缺少 execution_id")
	}
	if !ValidType(e.EventType) {
		return fmt.Errorf("未知事件类型: %s", e.EventType)
	}
	if e.Status != "" && !ValidStatus(e.Status) {
		return fmt.Errorf("非法事件状态: %s", e.Status)
	}
	return nil
}

// ErrorEntry 错误日志记录（error_log 表），随失败事件写入供排障
type ErrorEntry struct {
	ExecutionID int64     `json:"execution_id"`
	NodeID      string    `json:"node_id,omitempty"`
	NodeName    string    `json:"node_name,omitempty"`
	Component   string    `json:"component"`
	Message     string    `json:"message"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
