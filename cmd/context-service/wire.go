//go:build wireinject
// +build wireinject

package main

import (
	"contextd/cmd/context-service/internal/biz"
	"contextd/cmd/context-service/internal/config"
	"contextd/cmd/context-service/internal/data"
	"contextd/cmd/context-service/internal/server"
	"contextd/cmd/context-service/internal/service"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// initApp 初始化应用
func initApp(cfg *config.Config, logger log.Logger) (*App, error) {
	panic(wire.Build(
		// Data 层
		provideRedis,
		provideDBConfig,
		data.ProviderSet,
		provideVRAMMonitor,
		provideArchiver,

		// Biz 层
		provideTokenCounter,
		provideContextPool,
		biz.NewEventBus,
		provideTaskQueue,
		provideMemoryGuard,
		provideSnapshotConfig,
		biz.NewSnapshotManager,
		provideCompressor,
		provideConversation,
		provideStoreConfig,
		biz.NewMessageStore,
		provideOrchestrator,

		// Service 层
		service.NewContextService,

		// Server 层
		server.NewEventHub,
		server.NewHTTPServer,

		// Kafka 事件桥
		provideEventBridge,

		// 组装 App
		wire.Struct(new(App), "*"),
	))
}
