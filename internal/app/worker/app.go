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

// Package worker 工作进程装配：HTTP 客户端、插件注册表与工作池。
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/noetl/noetl-sub001/internal/plugin"
	"github.com/noetl/noetl-sub001/internal/worker"
	"github.com/noetl/noetl-sub001/pkg/config"
	"github.com/noetl/noetl-sub001/pkg/log"
)

// App 工作进程应用
type App struct {
	cfg      *config.Config
	logger   *log.Logger
	pool     *worker.Pool
	postgres *plugin.PostgresPlugin
}

// NewApp 装配工作进程
func NewApp(cfg *config.Config) (*App, error) {
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	baseURL := cfg.API.BaseURL
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8082"
	}
	client := worker.NewHTTPClient(baseURL, config.Duration(cfg.API.Timeout, 30*time.Second))

	pg := plugin.NewPostgresPlugin(cfg.Store.DSN)
	registry := plugin.NewRegistry(
		plugin.NewHTTPPlugin(client.Credentials),
		pg,
		plugin.NewPythonPlugin(cfg.Worker.PythonBin, 0),
		plugin.NewSecretPlugin(client.Credentials),
		plugin.NewPlaybookPlugin(client),
	)

	pool := worker.New(client, registry, cfg.Worker, cfg.Limits, logger)
	logger.Info("工作进程已装配", "server", baseURL, "worker_id", pool.ID())
	return &App{cfg: cfg, logger: logger, pool: pool, postgres: pg}, nil
}

// Run 运行工作池，阻塞至 ctx 取消
func (a *App) Run(ctx context.Context) error {
	return a.pool.Run(ctx)
}

// Shutdown 释放插件资源
func (a *App) Shutdown() {
	a.postgres.Close()
	a.logger.Info("工作进程已关闭")
}
