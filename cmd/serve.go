package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satoru707/voting-app/config"
	"github.com/satoru707/voting-app/internal/api"
	intkafka "github.com/satoru707/voting-app/internal/kafka"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP/GraphQL API, the auto-closure sweeper and the ledger event consumer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	cfg := &config.AppConfig

	s, err := buildStack(true)
	if err != nil {
		return err
	}
	defer s.close()

	// 多实例时端口依次递增
	port := cfg.Server.Port + instanceID - 1
	server := api.NewServer(s.app.Service, api.APIConfig{
		APIEndpoint: fmt.Sprintf(":%d", port),
		Mode:        cfg.Server.Mode,
		GraphQLPath: cfg.GraphQL.Path,
	})

	var g run.Group
	{
		g.Add(server.ListenAndServe, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				zap.L().Warn("关闭HTTP服务失败", zap.Error(err))
			}
		})
	}
	{
		sweeper := s.app.Sweeper
		g.Add(func() error {
			return sweeper.Run(context.Background())
		}, func(error) {
			sweeper.Stop()
		})
	}
	if cfg.Kafka.Enabled {
		consumer, err := intkafka.NewConsumer()
		if err != nil {
			return fmt.Errorf("初始化Kafka消费者失败: %w", err)
		}
		zap.L().Info("Kafka消费者初始化成功")

		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			err := consumer.Run(ctx, s.app.Service.ProcessLedgerEvent)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}, func(error) {
			cancel()
			consumer.Close()
		})
	}
	{
		g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	}

	zap.L().Info("选举账本服务已启动",
		zap.Int("instance", instanceID),
		zap.Int("port", port),
		zap.String("graphql", cfg.GraphQL.Path),
	)

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		zap.L().Info("收到退出信号，正在关闭服务", zap.String("signal", sig.Signal.String()))
		return nil
	}
	return err
}
