package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/life2you_mini/creditvault/internal/config"
	"github.com/life2you_mini/creditvault/internal/logger"
	"github.com/life2you_mini/creditvault/internal/services"
)

var (
	configFile = flag.String("config", "config/config.yaml", "配置文件路径")
	console    = flag.Bool("console", true, "同时输出日志到控制台")
)

func main() {
	// 解析命令行参数
	flag.Parse()

	// 配置加载前使用控制台日志
	bootLogger, err := initLogger()
	if err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer bootLogger.Sync()

	// 加载配置
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		bootLogger.Fatal("加载配置失败", zap.Error(err))
	}

	appLogger, err := logger.NewLogger(logger.Options{
		Dir:        cfg.System.LogDir,
		Level:      cfg.System.LogLevel,
		MaxSizeMB:  cfg.System.LogMaxSizeMB,
		MaxBackups: cfg.System.LogMaxBackups,
		MaxAgeDays: cfg.System.LogMaxAgeDays,
		Console:    *console,
	})
	if err != nil {
		bootLogger.Fatal("初始化文件日志失败", zap.Error(err))
	}
	defer appLogger.Close()

	log := appLogger.Logger
	log.Info("加载配置成功",
		zap.String("配置文件", *configFile),
		zap.Strings("链", chainIDs(cfg)))

	// 创建上下文，用于处理信号
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 设置信号处理
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	// 创建服务
	service, err := services.NewCreditVaultService(ctx, cfg, log)
	if err != nil {
		log.Fatal("创建服务失败", zap.Error(err))
	}

	// 启动服务
	if err := service.Start(); err != nil {
		log.Fatal("启动服务失败", zap.Error(err))
	}
	log.Info("服务已启动")

	// 等待终止信号
	sig := <-signalChan
	log.Info("接收到信号，准备关闭服务", zap.String("signal", sig.String()))

	// 创建关闭超时上下文
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// 停止服务
	if err := service.Stop(shutdownCtx); err != nil {
		log.Error("服务关闭失败", zap.Error(err))
		appLogger.Close()
		os.Exit(1)
	}

	log.Info("服务已优雅关闭")
}

// 初始化日志
func initLogger() (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return config.Build()
}

func chainIDs(cfg *config.Config) []string {
	ids := make([]string, 0, len(cfg.Chains))
	for id := range cfg.Chains {
		ids = append(ids, id)
	}
	return ids
}
