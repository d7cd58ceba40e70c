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

// Package server 服务端装配：存储、broker、planner、HTTP API 与后台清扫。
package server

import (
	"context"
	"fmt"
	"time"

	hertzserver "github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	apihttp "github.com/noetl/noetl-sub001/internal/api/http"
	"github.com/noetl/noetl-sub001/internal/api/http/middleware"
	"github.com/noetl/noetl-sub001/internal/broker"
	"github.com/noetl/noetl-sub001/internal/cache"
	"github.com/noetl/noetl-sub001/internal/catalog"
	"github.com/noetl/noetl-sub001/internal/event"
	"github.com/noetl/noetl-sub001/internal/keychain"
	"github.com/noetl/noetl-sub001/internal/planner"
	"github.com/noetl/noetl-sub001/internal/queue"
	"github.com/noetl/noetl-sub001/pkg/config"
	"github.com/noetl/noetl-sub001/pkg/log"
	"github.com/noetl/noetl-sub001/pkg/secrets"
)

// otelShutdown 优雅关闭时关闭 OpenTelemetry provider
type otelShutdown interface {
	Shutdown(ctx context.Context) error
}

// App 服务端应用
type App struct {
	cfg      *config.Config
	logger   *log.Logger
	events   event.Store
	queue    queue.Queue
	keystore keychain.Store
	router   *apihttp.Router
	hertz    *hertzserver.Hertz
	otel     otelShutdown
	sweepCtx context.Context
	sweepEnd context.CancelFunc
}

// NewApp 装配服务端
func NewApp(cfg *config.Config) (*App, error) {
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	ctx := context.Background()
	events, err := event.NewStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("初始化事件存储失败: %w", err)
	}
	q, err := queue.New(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("初始化队列失败: %w", err)
	}
	catStore, err := catalog.NewStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("初始化目录存储失败: %w", err)
	}
	c, err := cache.NewCache(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存失败: %w", err)
	}
	cat := catalog.NewService(catStore, c, config.Duration(cfg.Broker.PlaybookCacheTTL, time.Minute))

	defs, err := planner.NewDefStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("初始化定义存储失败: %w", err)
	}
	pl, err := planner.New(cat, events, defs, cfg.Store.ShardID)
	if err != nil {
		return nil, fmt.Errorf("初始化规划器失败: %w", err)
	}

	bk := broker.New(events, q, cat, logger)
	events.Subscribe(bk.Listener())

	handler := apihttp.NewHandler(cat, pl, bk, events, q, logger)

	// 凭据链路：AES-GCM 密文落库，可选 Vault 作为 secret 后端
	keystore, err := keychain.NewStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("初始化凭据存储失败: %w", err)
	}
	if cfg.Keychain.EncryptionKey != "" {
		cipher, err := keychain.NewCipher(cfg.Keychain.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("初始化凭据加密失败: %w", err)
		}
		opts := []keychain.Option{
			keychain.WithRenewBuffer(config.Duration(cfg.Keychain.RenewBuffer, 5*time.Minute)),
			keychain.WithLineage(lineage(events)),
		}
		if cfg.Keychain.Vault.Enable {
			vault, err := secrets.NewStore(secrets.Config{
				Provider: "vault",
				Config: map[string]string{
					"address":     cfg.Keychain.Vault.Address,
					"token":       cfg.Keychain.Vault.Token,
					"path_prefix": cfg.Keychain.Vault.PathPrefix,
				},
			})
			if err != nil {
				return nil, fmt.Errorf("初始化 Vault 失败: %w", err)
			}
			opts = append(opts, keychain.WithSecrets(vault))
		} else {
			opts = append(opts, keychain.WithSecrets(secrets.NewEnvStore()))
		}
		handler.SetKeychain(keychain.NewResolver(keystore, cipher, opts...))
		logger.Info("凭据服务已启用", "vault", cfg.Keychain.Vault.Enable)
	}

	mw := middleware.NewMiddleware(cfg.API.CORS, cfg.API.Middleware)
	router := apihttp.NewRouter(handler, mw)

	if cfg.API.Middleware.Auth && cfg.API.Middleware.JWTKey != "" {
		timeout := config.Duration(cfg.API.Middleware.JWTTimeout, time.Hour)
		jwtAuth, err := middleware.NewJWTAuth([]byte(cfg.API.Middleware.JWTKey), cfg.API.Middleware.JWTKey, timeout, timeout)
		if err != nil {
			logger.Warn("JWT 初始化失败，将跳过认证", "err", err)
		} else {
			router.SetJWT(jwtAuth)
			logger.Info("JWT 认证已启用")
		}
	}

	sweepCtx, sweepEnd := context.WithCancel(context.Background())
	app := &App{
		cfg:      cfg,
		logger:   logger,
		events:   events,
		queue:    q,
		keystore: keystore,
		router:   router,
		sweepCtx: sweepCtx,
		sweepEnd: sweepEnd,
	}
	return app, nil
}

// lineage 由事件存储回溯执行祖先链（shared scope 凭据校验）
func lineage(events event.Store) keychain.LineageFunc {
	return func(ctx context.Context, executionID int64) ([]int64, error) {
		chain := []int64{executionID}
		cur := executionID
		for i := 0; i < 16; i++ { // 嵌套深度保险
			root, err := events.FirstByType(ctx, cur, event.TypeExecutionStarted)
			if err != nil || root.ParentExecutionID == 0 {
				return chain, nil
			}
			cur = root.ParentExecutionID
			chain = append(chain, cur)
		}
		return chain, nil
	}
}

// Run 启动 HTTP 服务与后台清扫；阻塞至服务退出
func (a *App) Run(addr string) error {
	a.logger.Info("服务端启动", "addr", addr, "store", a.cfg.Store.Type)

	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(a.logger.Output()),
	))

	if a.cfg.Tracing.Enable && a.cfg.Tracing.ExportEndpoint != "" {
		serviceName := a.cfg.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "noetl-server"
		}
		opts := []provider.Option{
			provider.WithServiceName(serviceName),
			provider.WithExportEndpoint(a.cfg.Tracing.ExportEndpoint),
		}
		if a.cfg.Tracing.Insecure {
			opts = append(opts, provider.WithInsecure())
		}
		a.otel = provider.NewOpenTelemetryProvider(opts...)
		tracerOpt, tcfg := hertztracing.NewServerTracer()
		a.hertz = a.router.Build(addr, tracerOpt)
		a.hertz.Use(hertztracing.ServerMiddleware(tcfg))
		a.logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", a.cfg.Tracing.ExportEndpoint)
	} else {
		a.hertz = a.router.Build(addr)
	}

	go a.sweepLoop()
	return a.hertz.Run()
}

// sweepLoop 周期回收租约过期的队列条目
func (a *App) sweepLoop() {
	interval := config.Duration(a.cfg.Queue.SweepInterval, 10*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.sweepCtx.Done():
			return
		case <-ticker.C:
			if n, err := a.queue.Sweep(a.sweepCtx); err != nil {
				a.logger.Error("队列清扫失败", "err", err)
			} else if n > 0 {
				a.logger.Info("过期租约已归还", "count", n)
			}
		}
	}
}

// Shutdown 优雅关闭
func (a *App) Shutdown(ctx context.Context) error {
	a.sweepEnd()
	if a.otel != nil {
		_ = a.otel.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	a.keystore.Close()
	a.queue.Close()
	a.events.Close()
	a.logger.Info("服务端已关闭")
	return nil
}
