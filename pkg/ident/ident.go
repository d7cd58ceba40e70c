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

// Package ident 提供 64 位 Snowflake ID（毫秒时间戳 + 节点 + 序列）。
// 所有 *_id（event/queue/execution/catalog）均由此生成，单调且全局唯一。
package ident

import (
	"github.com/bwmarrin/snowflake"
)

// Generator Snowflake ID 生成器；同一库的多副本需配置互异的 shardID
type Generator struct {
	node *snowflake.Node
}

// NewGenerator 创建生成器；shardID 取值 0..1023
func NewGenerator(shardID int64) (*Generator, error) {
	node, err := snowflake.NewNode(shardID)
	if err != nil {
		return nil, err
	}
	return &Generator{node: node}, nil
}

// Next 返回下一个 ID（同节点内单调递增）
func (g *Generator) Next() int64 {
	return g.node.Generate().Int64()
}
