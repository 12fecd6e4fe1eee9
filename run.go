package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"meshd/config"
	"meshd/node"
	"meshd/utils"
)

func main() {
	conf := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load config if a path is provided; overrides default and env
	if *conf != "" {
		if err := config.Reload(*conf); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	utils.Setup(config.GlobalCfg.LogLevel(), config.GlobalCfg.LogPath())
	defer utils.Logger.Sync()

	n, err := node.New(config.GlobalCfg.Node)
	if err != nil {
		utils.Logger.Error("meshd startup failed", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	utils.Logger.Info("meshd starting", zap.Uint64("node_id", n.LocalNodeID()))
	if err := n.Run(ctx); err != nil {
		utils.Logger.Error("meshd exited with error", zap.Error(err))
		os.Exit(1)
	}
	utils.Logger.Info("meshd stopped")
}
