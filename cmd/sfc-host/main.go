package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/taoyao-code/sfc-host/internal/app/bootstrap"
	cfgpkg "github.com/taoyao-code/sfc-host/internal/config"
	"github.com/taoyao-code/sfc-host/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（默认 $SFC_CONFIG 或 ./configs/example.yaml）")
	flag.Parse()

	// 1) 加载配置
	cfg, err := cfgpkg.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	// 3) 运行直到收到信号
	if err := bootstrap.Run(cfg, zap.L()); err != nil {
		zap.L().Error("sfc host exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
