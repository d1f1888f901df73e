package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bidmesh.com/internal/node"
	"bidmesh.com/pkg/logger"
	"bidmesh.com/pkg/trace"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewRunCmd starts a node and blocks until SIGINT/SIGTERM.
func NewRunCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file (default ./config/market-node.yaml)")
	return cmd
}

func run(configFile string) error {
	// 收到 SIGINT/SIGTERM 时取消 ctx，触发 shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := node.Load(configFile)
	if err != nil {
		return err
	}
	logger.InitWithFile(cfg.Name, cfg.Log.Level, cfg.Log.File)
	defer logger.Sync()

	shutdownTrace, err := trace.InitTrace(ctx, cfg.Name, cfg.Trace)
	if err != nil {
		return fmt.Errorf("init trace: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = shutdownTrace(sctx)
	}()

	n, err := node.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Warn(context.Background(), "close node", zap.Error(err))
		}
	}()

	logger.Info(ctx, "服务开始启动", zap.String("identity", string(n.Identity())))
	if err := n.Run(ctx); err != nil {
		logger.Error(ctx, "node stopped", zap.Error(err))
		return err
	}
	logger.Info(context.Background(), "服务已退出")
	return nil
}
