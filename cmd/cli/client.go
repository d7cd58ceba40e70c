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
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func apiBaseURL() string {
	if u := os.Getenv("NOETL_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8082"
}

func newClient() *resty.Client {
	return resty.New().
		SetBaseURL(apiBaseURL()).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
}

func registerPlaybook(path, file string) (map[string]interface{}, error) {
	content, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	resp, err := newClient().R().
		SetBody(map[string]interface{}{"path": path, "content": string(content)}).
		SetResult(&out).
		Post("/api/catalog/register")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST /api/catalog/register: %s", resp.String())
	}
	return out, nil
}

func runPlaybook(path, version string, payload map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetBody(map[string]interface{}{"path": path, "version": version, "payload": payload}).
		SetResult(&out).
		Post("/api/executions/run")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST /api/executions/run: %s", resp.String())
	}
	return out, nil
}

func getExecution(executionID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/executions/" + executionID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/executions/%s: %s", executionID, resp.String())
	}
	return out, nil
}

func getExecutionEvents(executionID string) ([]interface{}, error) {
	var out struct {
		Events []interface{} `json:"events"`
	}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/executions/" + executionID + "/events")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET events: %s", resp.String())
	}
	return out.Events, nil
}

func cancelExecution(executionID, reason string) error {
	resp, err := newClient().R().
		SetBody(map[string]string{"reason": reason}).
		Post("/api/executions/" + executionID + "/cancel")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("POST cancel: %s", resp.String())
	}
	return nil
}

func listCatalog() ([]map[string]interface{}, error) {
	var out struct {
		Entries []map[string]interface{} `json:"entries"`
	}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/catalog")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/catalog: %s", resp.String())
	}
	return out.Entries, nil
}

func queueStats() (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/queue/stats")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/queue/stats: %s", resp.String())
	}
	return out, nil
}
