// Command backtest replays a strategy against historical bars and writes a
// report pair under the reports directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Superandyfre/Openclaw-stock/config"
	"github.com/Superandyfre/Openclaw-stock/internal/asset"
	"github.com/Superandyfre/Openclaw-stock/internal/backtest"
	"github.com/Superandyfre/Openclaw-stock/internal/logging"
	"github.com/Superandyfre/Openclaw-stock/internal/market"
	"github.com/Superandyfre/Openclaw-stock/internal/pipeline"
	"github.com/Superandyfre/Openclaw-stock/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	assetName := flag.String("asset", "", "asset to backtest (symbol, code or alias)")
	days := flag.Int("days", 30, "history depth in days")
	capital := flag.Float64("capital", 10000, "initial capital")
	strategyName := flag.String("strategy", "", "strategy name (default: first registered)")
	list := flag.Bool("list", false, "list available strategies and exit")
	flag.Parse()

	if *list {
		for _, st := range pipeline.DefaultStrategies(nil) {
			fmt.Printf("%-20s weight %.1f  stop %.1f%%  target %.1f%%\n",
				st.Name, st.Weight, st.StopPct*100, st.TPPct*100)
		}
		return
	}
	if *assetName == "" {
		fmt.Fprintln(os.Stderr, "usage: backtest -asset BTCUSDT [-days 30] [-capital 10000] [-strategy name]")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging.Level, "console")

	aliases := asset.NewAliases(nil)
	a, ok := aliases.Resolve(*assetName)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown asset %q\n", *assetName)
		os.Exit(1)
	}

	binance := market.NewBinanceAdapter("")
	fetcher := market.NewFanIn(market.FanInConfig{}, map[asset.Scope][]market.Adapter{
		asset.ScopeSpotCrypto:   {binance},
		asset.ScopeKoreanEquity: {market.NewNaverAdapter(""), market.NewYahooAdapter("")},
		asset.ScopeUSEquity:     {market.NewYahooAdapter("")},
	}, nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	series, err := fetcher.Series(ctx, a, market.Width1h, *days*24)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fetching %d days of bars for %s: %v\n", *days, a.ID, err)
		os.Exit(1)
	}

	strategy := pickStrategy(*strategyName)
	signals := backtest.StrategySignals(series, strategy)
	engine := backtest.NewEngine(logger)
	res, err := engine.Run(backtest.Input{
		InitialCapital: *capital,
		Series:         map[string]market.Series{a.Key(): series},
		Signals:        signals,
		Risk:           cfg.Risk,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "backtest failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s / %s\n%s\n", a.String(), strategy.Name, backtest.Describe(res))
	for cause, n := range res.ExitCauses {
		fmt.Printf("  %-16s %d\n", cause, n)
	}

	writer := store.NewReportWriter(cfg.Reports.Dir, logger)
	path, err := writer.WriteBacktest(fmt.Sprintf("%s_%s", a.ID, strategy.Name), res)
	if err != nil {
		fmt.Fprintf(os.Stderr, "writing report: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("report: %s\n", path)
}

func pickStrategy(name string) pipeline.Strategy {
	strategies := pipeline.DefaultStrategies(nil)
	for _, st := range strategies {
		if strings.EqualFold(st.Name, name) {
			return st
		}
	}
	return strategies[0]
}
