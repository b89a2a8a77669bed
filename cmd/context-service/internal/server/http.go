package server

import (
	"context"
	"net/http"
	"time"

	"contextd/cmd/context-service/internal/domain"
	"contextd/cmd/context-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPServer HTTP 服务器
type HTTPServer struct {
	engine  *gin.Engine
	server  *http.Server
	service *service.ContextService
	hub     *EventHub
	logger  log.Logger
}

// NewHTTPServer 创建 HTTP 服务器
func NewHTTPServer(srv *service.ContextService, hub *EventHub, logger log.Logger) *HTTPServer {
	engine := gin.New()

	s := &HTTPServer{
		engine:  engine,
		service: srv,
		hub:     hub,
		logger:  logger,
	}

	s.registerMiddleware()
	s.registerRoutes()

	return s
}

// registerMiddleware 注册中间件
func (s *HTTPServer) registerMiddleware() {
	// 恢复中间件（必须最先）
	s.engine.Use(RecoveryMiddleware(s.logger))
	s.engine.Use(CORSMiddleware())
	s.engine.Use(TracingMiddleware())
	s.engine.Use(LoggingMiddleware(s.logger))
	s.engine.Use(TimeoutMiddleware(30 * time.Second))
}

// registerRoutes 注册路由
func (s *HTTPServer) registerRoutes() {
	api := s.engine.Group("/api/v1")

	ctx := api.Group("/context")
	{
		ctx.POST("/messages", s.addMessage)
		ctx.POST("/prompt", s.buildPrompt)
		ctx.GET("/usage", s.getUsage)
		ctx.GET("/budget", s.getBudget)
		ctx.GET("/state", s.getState)
		ctx.POST("/compress", s.compress)
		ctx.POST("/clear", s.clear)
		ctx.POST("/memory-check", s.checkMemory)
		ctx.PUT("/size", s.updateSize)
		ctx.PUT("/mode", s.setMode)
		ctx.POST("/inflight", s.reportInflight)
		ctx.DELETE("/inflight", s.clearInflight)
	}

	snapshots := api.Group("/snapshots")
	{
		snapshots.POST("", s.createSnapshot)
		snapshots.GET("", s.listSnapshots)
		snapshots.POST("/:id/restore", s.restoreSnapshot)
		snapshots.DELETE("/:id", s.deleteSnapshot)
	}

	// 事件推送
	s.engine.GET("/ws/events", s.hub.Serve)

	// 运维端点
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// addMessage 接纳一条消息
func (s *HTTPServer) addMessage(c *gin.Context) {
	var req struct {
		Role    string `json:"role" binding:"required"`
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: 400, Message: err.Error()})
		return
	}

	msg, err := s.service.AddMessage(c.Request.Context(), domain.MessageRole(req.Role), req.Content)
	if err != nil {
		Error(c, err)
		return
	}
	Created(c, msg)
}

// buildPrompt 以候选消息装配提示词（不落盘）
func (s *HTTPServer) buildPrompt(c *gin.Context) {
	var req struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: 400, Message: err.Error()})
		return
	}

	var candidate *domain.Message
	if req.Content != "" {
		role := domain.MessageRole(req.Role)
		if role == "" {
			role = domain.RoleUser
		}
		candidate = domain.NewMessage("", role, req.Content)
	}

	Success(c, s.service.BuildPrompt(candidate))
}

// getUsage 使用率视图
func (s *HTTPServer) getUsage(c *gin.Context) {
	Success(c, s.service.Usage())
}

// getBudget 预算视图
func (s *HTTPServer) getBudget(c *gin.Context) {
	Success(c, s.service.Budget())
}

// getState 分档与模式
func (s *HTTPServer) getState(c *gin.Context) {
	Success(c, gin.H{
		"tier": s.service.Tier().String(),
		"mode": string(s.service.Mode()),
	})
}

// compress 显式压缩
func (s *HTTPServer) compress(c *gin.Context) {
	freed, err := s.service.Compress(c.Request.Context())
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"tokens_freed": freed})
}

// clear 清空上下文
func (s *HTTPServer) clear(c *gin.Context) {
	s.service.ClearContext(c.Request.Context())
	NoContent(c)
}

// checkMemory 触发内存等级检查
func (s *HTTPServer) checkMemory(c *gin.Context) {
	level, err := s.service.CheckMemory(c.Request.Context())
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"level": level.String()})
}

// updateSize 调整上下文规模
func (s *HTTPServer) updateSize(c *gin.Context) {
	var req struct {
		Size int `json:"size" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: 400, Message: err.Error()})
		return
	}

	if err := s.service.UpdateContextSize(c.Request.Context(), req.Size); err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"tier": s.service.Tier().String()})
}

// setMode 切换运行模式
func (s *HTTPServer) setMode(c *gin.Context) {
	var req struct {
		Mode string `json:"mode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: 400, Message: err.Error()})
		return
	}

	if err := s.service.SetMode(domain.Mode(req.Mode)); err != nil {
		Error(c, err)
		return
	}
	NoContent(c)
}

// reportInflight 流式生成期间上报增量 Token
func (s *HTTPServer) reportInflight(c *gin.Context) {
	var req struct {
		Delta int `json:"delta" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: 400, Message: err.Error()})
		return
	}

	s.service.ReportInflightTokens(req.Delta)
	NoContent(c)
}

// clearInflight 流式结束后清零在途计数
func (s *HTTPServer) clearInflight(c *gin.Context) {
	s.service.ClearInflightTokens()
	NoContent(c)
}

// createSnapshot 创建快照
func (s *HTTPServer) createSnapshot(c *gin.Context) {
	snapshot, err := s.service.CreateSnapshot(c.Request.Context())
	if err != nil {
		Error(c, err)
		return
	}
	Created(c, snapshot.Meta())
}

// listSnapshots 列出快照
func (s *HTTPServer) listSnapshots(c *gin.Context) {
	metas, err := s.service.ListSnapshots(c.Request.Context())
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, metas)
}

// restoreSnapshot 恢复快照
func (s *HTTPServer) restoreSnapshot(c *gin.Context) {
	if err := s.service.RestoreSnapshot(c.Request.Context(), c.Param("id")); err != nil {
		Error(c, err)
		return
	}
	NoContent(c)
}

// deleteSnapshot 删除快照
func (s *HTTPServer) deleteSnapshot(c *gin.Context) {
	if err := s.service.DeleteSnapshot(c.Request.Context(), c.Param("id")); err != nil {
		Error(c, err)
		return
	}
	NoContent(c)
}

// Start 启动服务器
func (s *HTTPServer) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown 优雅关闭
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
