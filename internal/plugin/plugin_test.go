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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
)

func TestHTTPPluginGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "2" {
			t.Errorf("查询参数 page = %q", r.URL.Query().Get("page"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items": [1, 2]}`))
	}))
	defer srv.Close()

	p := NewHTTPPlugin(nil)
	env := p.Execute(context.Background(), &Job{
		Kind: "http",
		Action: map[string]interface{}{
			"url":  srv.URL,
			"args": map[string]interface{}{"page": 2},
		},
	})
	if !env.OK() {
		t.Fatalf("执行失败: %v", env.Error)
	}
	data, _ := env.Data.(map[string]interface{})
	if items, _ := data["items"].([]interface{}); len(items) != 2 {
		t.Fatalf("响应数据不符: %v", env.Data)
	}
	if env.Meta["status_code"] != 200 {
		t.Fatalf("meta.status_code = %v", env.Meta["status_code"])
	}
}

func TestHTTPPluginPostPayload(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	p := NewHTTPPlugin(nil)
	env := p.Execute(context.Background(), &Job{
		Action: map[string]interface{}{
			"url":     srv.URL,
			"payload": map[string]interface{}{"name": "x"},
		},
	})
	if !env.OK() {
		t.Fatalf("执行失败: %v", env.Error)
	}
	if got["name"] != "x" {
		t.Fatalf("服务端收到的 body = %v", got)
	}
	if env.Meta["status_code"] != 201 {
		t.Fatalf("meta.status_code = %v", env.Meta["status_code"])
	}
}

func TestHTTPPluginAuthHeader(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	resolver := func(ctx context.Context, name string, executionID, catalogID int64) (map[string]string, error) {
		if name != "api" {
			t.Errorf("keychain 名称 = %q", name)
		}
		return map[string]string{"token": "s3cret"}, nil
	}
	p := NewHTTPPlugin(resolver)
	env := p.Execute(context.Background(), &Job{
		Action: map[string]interface{}{"url": srv.URL, "auth": "api"},
	})
	if !env.OK() {
		t.Fatalf("执行失败: %v", env.Error)
	}
	if auth != "Bearer s3cret" {
		t.Fatalf("Authorization 头 = %q", auth)
	}
	// 凭据绝不回流到信封
	raw, _ := json.Marshal(env.Map())
	if strings.Contains(string(raw), "s3cret") {
		t.Fatal("信封泄漏了凭据明文")
	}
}

func TestHTTPPluginErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"detail": "upstream down"}`))
	}))
	defer srv.Close()

	p := NewHTTPPlugin(nil)
	env := p.Execute(context.Background(), &Job{
		Action: map[string]interface{}{"url": srv.URL},
	})
	if env.OK() {
		t.Fatal("5xx 应产生失败信封")
	}
	if env.Error["kind"] != "http_error" {
		t.Fatalf("error.kind = %v", env.Error["kind"])
	}
	if env.Meta["status_code"] != 502 {
		t.Fatalf("meta.status_code = %v", env.Meta["status_code"])
	}
	// 重试条件仍可读到响应体
	data, _ := env.Data.(map[string]interface{})
	if data["detail"] != "upstream down" {
		t.Fatalf("失败信封应携带响应体: %v", env.Data)
	}
}

func TestRegistryUnknownKind(t *testing.T) {
	r := NewRegistry(NewHTTPPlugin(nil))
	env := r.Execute(context.Background(), &Job{Kind: "duckdb"})
	if env.OK() || env.Error["kind"] != "unknown_kind" {
		t.Fatalf("未知 kind 应失败: %v", env)
	}
	kinds := r.Kinds()
	if len(kinds) != 1 || kinds[0] != "http" {
		t.Fatalf("kinds = %v", kinds)
	}
}

func TestSecretPluginKeysOnly(t *testing.T) {
	resolver := func(ctx context.Context, name string, executionID, catalogID int64) (map[string]string, error) {
		return map[string]string{"token": "t0p", "user": "svc"}, nil
	}
	p := NewSecretPlugin(resolver)
	env := p.Execute(context.Background(), &Job{
		Action: map[string]interface{}{"name": "db"},
	})
	if !env.OK() {
		t.Fatalf("执行失败: %v", env.Error)
	}
	raw, _ := json.Marshal(env.Map())
	if strings.Contains(string(raw), "t0p") {
		t.Fatal("secret 信封不得携带凭据值")
	}
	data, _ := env.Data.(map[string]interface{})
	keys, _ := data["keys"].([]string)
	if len(keys) != 2 {
		t.Fatalf("keys = %v", data["keys"])
	}
}

func TestPythonPlugin(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 不可用")
	}
	p := NewPythonPlugin("", 0)
	env := p.Execute(context.Background(), &Job{
		Action: map[string]interface{}{
			"command": `import sys, json; d = json.load(sys.stdin); print(json.dumps({"doubled": d["args"]["n"] * 2}))`,
			"args":    map[string]interface{}{"n": 21},
		},
	})
	if !env.OK() {
		t.Fatalf("执行失败: %v", env.Error)
	}
	data, _ := env.Data.(map[string]interface{})
	if data["doubled"] != float64(42) {
		t.Fatalf("结果 = %v", env.Data)
	}
}

func TestExecuteSaveHTTP(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	r := NewRegistry(NewHTTPPlugin(nil))
	err := r.ExecuteSave(context.Background(), &Job{ExecutionID: 1}, map[string]interface{}{
		"storage": "http",
		"task": map[string]interface{}{
			"kind":   "http",
			"url":    srv.URL,
			"method": "POST",
		},
		"data": map[string]interface{}{"result": "ok"},
	})
	if err != nil {
		t.Fatalf("save 失败: %v", err)
	}
	if got["result"] != "ok" {
		t.Fatalf("save 写入的数据 = %v", got)
	}
}

func TestExecuteSaveFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRegistry(NewHTTPPlugin(nil))
	err := r.ExecuteSave(context.Background(), &Job{}, map[string]interface{}{
		"task": map[string]interface{}{"kind": "http", "url": srv.URL},
	})
	if err == nil {
		t.Fatal("save 下游失败应返回错误")
	}
}
