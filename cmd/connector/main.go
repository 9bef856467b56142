package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gobroker/internal/broker"
	"github.com/betbot/gobroker/internal/events"
	"github.com/betbot/gobroker/internal/metrics"
	"github.com/betbot/gobroker/internal/services"
	"github.com/betbot/gobroker/pkg/config"
	"github.com/betbot/gobroker/pkg/logger"
	"github.com/betbot/gobroker/pkg/shutdown"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	tickers := flag.String("tickers", "", "启动时订阅合成行情的标的（逗号分隔）")
	flag.Parse()

	// .env 不存在不是错误，环境变量可能来自进程环境
	_ = godotenv.Load()

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	// 加载配置：优先配置文件，否则环境变量 + 默认值
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
		if err != nil {
			logrus.Errorf("加载配置失败: %v", err)
			os.Exit(1)
		}
		logrus.Infof("使用配置文件: %s", *configPath)
	} else {
		cfg = config.LoadFromEnv()
		logrus.Info("未指定配置文件，使用环境变量和默认值")
	}
	if err := cfg.Validate(); err != nil {
		logrus.Errorf("配置验证失败: %v", err)
		os.Exit(1)
	}

	// 使用配置重新初始化日志
	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 10,
		MaxAge:     30,
		Compress:   true,
	}); err != nil {
		logrus.Errorf("重新初始化日志失败: %v", err)
		os.Exit(1)
	}

	if cfg.IsLiveHost() {
		if cfg.LiveTradingOptIn {
			logrus.Warn("⚠️ 实盘主机 + 实盘开闸：订单将使用真实资金")
		} else {
			logrus.Warn("⚠️ 实盘主机但未开闸实盘交易：交易操作将被拒绝（只读模式）")
		}
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// 可选：启动 metrics/pprof（默认关闭，通过环境变量启用）
	if addr := os.Getenv("BROKER_METRICS_ADDR"); addr != "" {
		if _, err := metrics.StartAsync(rootCtx, addr); err != nil {
			logrus.Errorf("metrics/pprof 启动失败: %v", err)
		} else {
			logrus.Infof("📊 metrics/pprof 启用: listen=%s (expvar:/debug/vars, pprof:/debug/pprof)", addr)
		}
	}

	logrus.Info("🚀 启动券商连接器...")

	client := broker.NewClient(cfg.BaseHost, cfg.APIKey, cfg.RequestTimeout())
	connector := services.NewConnector(cfg, client)

	if err := connector.Start(rootCtx); err != nil {
		logrus.Errorf("连接器启动失败: %v", err)
		os.Exit(1)
	}

	if *tickers != "" {
		for _, t := range splitTickers(*tickers) {
			connector.SubscribeTicker(t)
			logrus.Infof("已订阅合成行情: %s", t)
		}
	}

	// 事件消费：示例进程只把事件写进日志
	eventCh := connector.Subscribe(128)
	go consumeEvents(eventCh)

	sm := shutdown.NewManager()
	sm.OnShutdown(func(ctx context.Context) {
		connector.Stop()
	})

	logrus.Info("✅ 连接器已启动，按 Ctrl+C 停止")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logrus.Info("收到停止信号，正在关闭...")
	rootCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sm.Shutdown(shutdownCtx)

	logrus.Info("✅ 连接器已停止")
}

// consumeEvents 事件流消费示例：状态变化和成交写日志
func consumeEvents(ch <-chan interface{}) {
	for ev := range ch {
		switch e := ev.(type) {
		case events.OrderUpdateEvent:
			logrus.Infof("📋 [订单] %s: %s -> %s reason=%s filled=%s",
				e.Order.ClientID, e.Previous, e.Order.Status, e.Order.StatusReason, e.Order.FilledQuantity)
		case events.OrderFillEvent:
			logrus.Infof("💰 [成交] %s: +%s @ %s", e.Order.ClientID, e.FillDelta, e.AvgFillPrice)
		case events.BalanceUpdateEvent:
			logrus.Infof("💵 [资金] free=%s blocked=%s total=%s",
				e.Balance.Free, e.Balance.Blocked, e.Balance.Total)
		case events.PositionUpdateEvent:
			logrus.Infof("📈 [持仓] %d 个仓位更新", len(e.Positions))
		case events.SessionHaltEvent:
			logrus.Errorf("🛑 [停摆] %s", e.Reason)
		}
	}
}

func splitTickers(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
