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

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("noetl cli 0.1.0")
	case "register":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: noetl register <file.yaml> [path]")
			os.Exit(1)
		}
		path := ""
		if len(args) > 1 {
			path = args[1]
		}
		runRegister(args[0], path)
	case "run":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: noetl run <path> [payload.json]")
			os.Exit(1)
		}
		payloadFile := ""
		if len(args) > 1 {
			payloadFile = args[1]
		}
		runRun(args[0], payloadFile)
	case "status":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: noetl status <execution_id>")
			os.Exit(1)
		}
		runStatus(args[0])
	case "events":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: noetl events <execution_id>")
			os.Exit(1)
		}
		runEvents(args[0])
	case "cancel":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: noetl cancel <execution_id> [reason]")
			os.Exit(1)
		}
		reason := ""
		if len(args) > 1 {
			reason = args[1]
		}
		runCancel(args[0], reason)
	case "catalog":
		runCatalog()
	case "queue":
		runQueue()
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: noetl <command> [args]")
	fmt.Println("  version                       - 显示版本")
	fmt.Println("  register <file.yaml> [path]   - 注册剧本到目录")
	fmt.Println("  run <path> [payload.json]     - 按 path 启动执行")
	fmt.Println("  status <execution_id>         - 执行状态摘要")
	fmt.Println("  events <execution_id>         - 输出执行事件流")
	fmt.Println("  cancel <execution_id> [reason]- 取消执行")
	fmt.Println("  catalog                       - 列出已注册剧本")
	fmt.Println("  queue                         - 队列状态计数")
	fmt.Println("环境变量 NOETL_API_URL 指定服务端地址（默认 http://localhost:8082）")
}

func runRegister(file, path string) {
	out, err := registerPlaybook(path, file)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("已注册 catalog_id=%v path=%v version=%v\n", out["catalog_id"], out["path"], out["version"])
}

func runRun(path, payloadFile string) {
	var payload map[string]interface{}
	if payloadFile != "" {
		raw, err := os.ReadFile(payloadFile)
		if err != nil {
			fatal(err)
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			fatal(fmt.Errorf("payload 不是 JSON 对象: %w", err))
		}
	}
	out, err := runPlaybook(path, "", payload)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("执行已启动 execution_id=%v\n", out["execution_id"])
}

func runStatus(executionID string) {
	out, err := getExecution(executionID)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("执行 %v 状态: %v\n", out["execution_id"], out["status"])
	if r, ok := out["result"]; ok {
		pretty, _ := json.MarshalIndent(r, "", "  ")
		fmt.Printf("结果:\n%s\n", pretty)
	}
	if e, ok := out["error"]; ok {
		pretty, _ := json.MarshalIndent(e, "", "  ")
		fmt.Printf("错误:\n%s\n", pretty)
	}
}

func runEvents(executionID string) {
	events, err := getExecutionEvents(executionID)
	if err != nil {
		fatal(err)
	}
	for _, raw := range events {
		e, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		ts := ""
		if s, ok := e["timestamp"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				ts = t.Format("15:04:05.000")
			}
		}
		fmt.Printf("%s  %-22v %-16v %v\n", ts, e["event_type"], e["node_name"], e["status"])
	}
	fmt.Printf("共 %d 条事件\n", len(events))
}

func runCancel(executionID, reason string) {
	if err := cancelExecution(executionID, reason); err != nil {
		fatal(err)
	}
	fmt.Println("已取消")
}

func runCatalog() {
	entries, err := listCatalog()
	if err != nil {
		fatal(err)
	}
	for _, e := range entries {
		fmt.Printf("%-8v %-32v %v\n", e["catalog_id"], e["path"], e["version"])
	}
	fmt.Printf("共 %d 个剧本\n", len(entries))
}

func runQueue() {
	stats, err := queueStats()
	if err != nil {
		fatal(err)
	}
	pretty, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(pretty))
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "错误:", err)
	os.Exit(1)
}
