package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/satoru707/voting-app/internal/api/graph"
	"github.com/satoru707/voting-app/internal/service"
)

type APIConfig struct {
	APIEndpoint string
	Mode        string // gin 运行模式，为空时不修改
	GraphQLPath string
}

// Server 对外HTTP服务：REST、GraphQL、健康检查与指标
type Server struct {
	svc    *service.ElectionService
	graph  *graph.GraphQLServer
	engine *gin.Engine
	http   *http.Server
}

func NewServer(svc *service.ElectionService, cfg APIConfig) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	if cfg.GraphQLPath == "" {
		cfg.GraphQLPath = "/graphql"
	}

	s := &Server{
		svc:    svc,
		graph:  graph.NewGraphQLServer(svc, cfg.GraphQLPath),
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery(), requestLogger())
	s.registerRoutes(s.engine, cfg.GraphQLPath)

	s.http = &http.Server{
		Addr:              cfg.APIEndpoint,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe 阻塞直到服务关闭，正常关闭时返回 nil
func (s *Server) ListenAndServe() error {
	zap.L().Info("HTTP服务已启动", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		zap.L().Debug("HTTP请求",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
