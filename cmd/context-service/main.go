package main

import (
	"context"
	"flag"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"contextd/cmd/context-service/internal/biz"
	"contextd/cmd/context-service/internal/config"
	"contextd/cmd/context-service/internal/domain"
	infrakafka "contextd/cmd/context-service/internal/infra/kafka"
	"contextd/cmd/context-service/internal/server"
	"contextd/pkg/observability"

	"github.com/go-kratos/kratos/v2/log"
	"go.uber.org/zap"

	_ "go.uber.org/automaxprocs"
)

// go build -ldflags "-X main.Version=x.y.z"
var (
	// Name is the name of the compiled software.
	Name string = "context-service"
	// Version is the version of the compiled software.
	Version string = "v1.0.0"

	configFile = flag.String("config", "", "config path, eg: -config configs/context-service.yaml")

	id, _ = os.Hostname()
)

// App 应用组件
type App struct {
	Server       *server.HTTPServer
	Orchestrator *biz.ContextOrchestrator
	Tasks        *biz.TaskQueue
	Bridge       *infrakafka.EventBridge
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		stdlog.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := initZapLogger(cfg.Observability)
	if err != nil {
		stdlog.Fatalf("Failed to init logger: %v", err)
	}
	defer zapLogger.Sync()

	logger := log.With(newZapAdapter(zapLogger),
		"service.id", id,
		"service.name", Name,
		"service.version", Version,
	)
	helper := log.NewHelper(logger)

	// 初始化追踪
	shutdownTracing, err := observability.InitTracing(context.Background(), observability.TracingConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Environment:    cfg.Observability.Environment,
		Endpoint:       cfg.Observability.OTELEndpoint,
		SamplingRate:   1.0,
		Enabled:        cfg.Observability.EnableTrace && cfg.Observability.OTELEndpoint != "",
	})
	if err != nil {
		helper.Fatalf("Failed to init tracing: %v", err)
	}

	// 初始化应用（通过 Wire 生成）
	app, err := initApp(cfg, logger)
	if err != nil {
		helper.Fatalf("Failed to initialize app: %v", err)
	}

	// 配置热更新：上下文规模与运行模式
	if *configFile != "" {
		if _, err := config.Watch(*configFile, func(next *config.Config) {
			if next.Context.MaxTokens != cfg.Context.MaxTokens {
				if err := app.Orchestrator.UpdateContextSize(context.Background(), next.Context.MaxTokens); err != nil {
					helper.Errorf("hot resize to %d failed: %v", next.Context.MaxTokens, err)
				}
			}
			if next.Context.Mode != cfg.Context.Mode {
				if err := app.Orchestrator.SetMode(domain.Mode(next.Context.Mode)); err != nil {
					helper.Errorf("hot mode change to %s failed: %v", next.Context.Mode, err)
				}
			}
			cfg = next
		}); err != nil {
			helper.Warnf("config watch disabled: %v", err)
		}
	}

	helper.Infof("Starting %s %s on %s", Name, Version, cfg.Server.HTTPAddr)
	go func() {
		if err := app.Server.Start(cfg.Server.HTTPAddr); err != nil {
			helper.Errorf("HTTP server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	helper.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := app.Server.Shutdown(ctx); err != nil {
		helper.Errorf("Server forced to shutdown: %v", err)
	}

	// 等待后台持久化任务落盘
	app.Tasks.Close()

	if app.Bridge != nil {
		if err := app.Bridge.Close(); err != nil {
			helper.Errorf("Kafka bridge close failed: %v", err)
		}
	}

	if err := shutdownTracing(ctx); err != nil {
		helper.Errorf("Tracing shutdown failed: %v", err)
	}

	helper.Info("Server exited")
}

// initZapLogger 创建 zap 日志器
func initZapLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Environment == "development" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if cfg.LogLevel != "" {
		level, err := zap.ParseAtomicLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		zapCfg.Level = level
	}
	return zapCfg.Build()
}
