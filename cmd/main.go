package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satoru707/voting-app/config"
	"github.com/satoru707/voting-app/internal/logging"
)

var (
	configPath string
	instanceID int
)

var rootCmd = &cobra.Command{
	Use:           "voting",
	Short:         "University election ledger service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}
		if _, err := logging.Setup(cfg.Log); err != nil {
			return err
		}
		zap.L().Info("配置加载成功", zap.String("config", configPath), zap.Int("instance", instanceID))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().IntVar(&instanceID, "instance", 1, "实例ID，用于区分多个实例")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
