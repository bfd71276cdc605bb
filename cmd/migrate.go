package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satoru707/voting-app/internal/repository"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the ledger tables on the master database",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := repository.NewMySQLRepository()
		if err != nil {
			return fmt.Errorf("初始化MySQL仓库失败: %w", err)
		}
		defer repo.Close()

		if err := repository.CreateSchema(context.Background(), repo.Master()); err != nil {
			return err
		}
		zap.L().Info("表结构已创建")
		return nil
	},
}
