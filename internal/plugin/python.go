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
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"time"
)

// PythonPlugin 以子进程执行 Python 代码。作业的 args 与 context
// 以 JSON 从 stdin 传入，stdout 的 JSON 输出作为结果数据。
type PythonPlugin struct {
	bin     string
	timeout time.Duration
}

// NewPythonPlugin 创建 Python 插件；bin 为空时用 python3
func NewPythonPlugin(bin string, timeout time.Duration) *PythonPlugin {
	if bin == "" {
		bin = "python3"
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &PythonPlugin{bin: bin, timeout: timeout}
}

// Kind 实现 Handler
func (p *PythonPlugin) Kind() string { return "python" }

// Execute 运行 action.command 指定的代码
func (p *PythonPlugin) Execute(ctx context.Context, job *Job) *Envelope {
	command := job.ActionString("command")
	if command == "" {
		return Failure("invalid_task", "python 任务缺少 command")
	}
	timeout := p.timeout
	if t := job.ActionString("timeout"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input, err := json.Marshal(map[string]interface{}{
		"args":    job.ActionMap("args"),
		"context": job.Context,
	})
	if err != nil {
		return Failure("invalid_task", "序列化输入失败: %v", err)
	}

	cmd := exec.CommandContext(ctx, p.bin, "-c", command)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Failure("timeout", "python 执行超时 (%s)", timeout)
		}
		return Failure("python_error", "python 退出异常: %v: %s", err, truncate(stderr.String(), 512))
	}
	return Success(decodeBody(stdout.Bytes()))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
