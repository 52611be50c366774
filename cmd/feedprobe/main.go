package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paper-trading-go/feed"
	"paper-trading-go/metrics"
)

// 行情探针：独立跑随机游走行情，把 tick 打到 stdout 与 /metrics，
// 用于校准符号参数（波动率、价差）而不必起整个服务。
func main() {
	symbol := flag.String("symbol", "BTCUSDT", "交易对")
	price := flag.Float64("price", 50000, "初始价格")
	drift := flag.Float64("drift", 0, "对数漂移（每秒）")
	vol := flag.Float64("vol", 0.0005, "对数波动率（每秒标准差）")
	spreadBps := flag.Float64("spreadBps", 2, "买卖价差（基点）")
	tickSize := flag.Float64("tickSize", 0.1, "价格最小变动单位")
	intervalMs := flag.Int("intervalMs", 500, "tick 间隔（毫秒）")
	seed := flag.Int64("seed", 0, "随机种子，0 表示取当前时间")
	metricsAddr := flag.String("metricsAddr", ":9100", "Prometheus 指标监听地址，留空则关闭")
	flag.Parse()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	if *metricsAddr != "" {
		metrics.StartMetricsServer(*metricsAddr)
		fmt.Printf("metrics at %s/metrics\n", *metricsAddr)
	}

	f := feed.New([]feed.SymbolSpec{{
		Symbol:       *symbol,
		InitialPrice: *price,
		DriftPerSec:  *drift,
		Volatility:   *vol,
		SpreadBps:    *spreadBps,
		TickSize:     *tickSize,
	}}, time.Duration(*intervalMs)*time.Millisecond, *seed, nil)

	f.OnTick(func(tk feed.Tick) {
		last, _ := tk.Last.Float64()
		metrics.UpdateTick(tk.Symbol, last)
		if data, err := json.Marshal(tk); err == nil {
			fmt.Println(string(data))
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	f.Stop()
}
