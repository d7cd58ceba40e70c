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

// Package template 封装 gonja 的 Jinja 求值：when 条件、args/payload 渲染、
// /context/render 的服务端统一渲染。Worker 只消费渲染后的值，不再二次求值。
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nikolalohinski/gonja"
)

// Renderer Jinja 渲染器；无内部状态，可并发使用
type Renderer struct{}

// New 创建渲染器
func New() *Renderer {
	return &Renderer{}
}

var singleExprRe = regexp.MustCompile(`^\{\{\s*(.+?)\s*\}\}$`)
var barePathRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*|\[[0-9]+\])*$`)

// Render 渲染单个模板字符串。整串恰为一个表达式时尽量保留原始类型：
// 裸变量路径直接从上下文取值；其余表达式渲染后尝试按 JSON 还原类型。
func (r *Renderer) Render(tpl string, ctx map[string]interface{}) (interface{}, error) {
	if !strings.Contains(tpl, "{{") && !strings.Contains(tpl, "{%") {
		return tpl, nil
	}
	if m := singleExprRe.FindStringSubmatch(strings.TrimSpace(tpl)); m != nil {
		inner := m[1]
		if barePathRe.MatchString(inner) {
			if v, ok := lookupPath(ctx, inner); ok {
				return v, nil
			}
		}
		out, err := r.execute("{{ "+inner+" }}", ctx)
		if err != nil {
			return nil, err
		}
		return coerce(out), nil
	}
	out, err := r.execute(tpl, ctx)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RenderValue 深度渲染任意值：map/slice 递归，字符串按模板处理
func (r *Renderer) RenderValue(v interface{}, ctx map[string]interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return r.Render(val, ctx)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			rendered, err := r.RenderValue(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("渲染 %q 失败: %w", k, err)
			}
			out[k] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			rendered, err := r.RenderValue(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderMap RenderValue 的 map 便捷入口
func (r *Renderer) RenderMap(m map[string]interface{}, ctx map[string]interface{}) (map[string]interface{}, error) {
	if m == nil {
		return nil, nil
	}
	out, err := r.RenderValue(m, ctx)
	if err != nil {
		return nil, err
	}
	return out.(map[string]interface{}), nil
}

// Truthy 求值 when 表达式；空表达式恒真。表达式可写成 "{{ x > 1 }}" 或 "x > 1"。
func (r *Renderer) Truthy(expr string, ctx map[string]interface{}) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	if m := singleExprRe.FindStringSubmatch(expr); m != nil {
		expr = m[1]
	}
	out, err := r.execute("{% if "+expr+" %}1{% else %}0{% endif %}", ctx)
	if err != nil {
		return false, fmt.Errorf("求值条件 %q 失败: %w", expr, err)
	}
	return strings.TrimSpace(out) == "1", nil
}

func (r *Renderer) execute(tpl string, ctx map[string]interface{}) (string, error) {
	t, err := gonja.FromString(tpl)
	if err != nil {
		return "", fmt.Errorf("模板解析失败: %w", err)
	}
	out, err := t.Execute(gonja.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("模板执行失败: %w", err)
	}
	return out, nil
}

// coerce 将渲染产物尽量还原为 JSON 类型（数字、布尔、对象），失败保留字符串
func coerce(s string) interface{} {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return s
	}
	var v interface{}
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v
	}
	return s
}

// lookupPath 按 a.b[0].c 形式的裸路径取值
func lookupPath(ctx map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = ctx
	rest := path
	for rest != "" {
		var seg string
		if i := strings.IndexAny(rest, ".["); i >= 0 {
			if rest[i] == '.' {
				seg, rest = rest[:i], rest[i+1:]
			} else {
				seg, rest = rest[:i], rest[i:]
			}
		} else {
			seg, rest = rest, ""
		}
		if seg != "" {
			m, ok := cur.(map[string]interface{})
			if !ok {
				return nil, false
			}
			cur, ok = m[seg]
			if !ok {
				return nil, false
			}
		}
		for strings.HasPrefix(rest, "[") {
			end := strings.Index(rest, "]")
			if end < 0 {
				return nil, false
			}
			idx, err := strconv.Atoi(rest[1:end])
			if err != nil {
				return nil, false
			}
			list, ok := cur.([]interface{})
			if !ok || idx < 0 || idx >= len(list) {
				return nil, false
			}
			cur = list[idx]
			rest = rest[end+1:]
			rest = strings.TrimPrefix(rest, ".")
		}
	}
	return cur, true
}
