package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	cachekeys "marketpipe/internal/cache"
	"marketpipe/internal/cli"
	"marketpipe/internal/config"
	"marketpipe/internal/svc"
	"marketpipe/pkg/coalesce"
	"marketpipe/pkg/market"

	// Import for side-effects: registers the coingecko provider
	_ "marketpipe/pkg/market/coingecko"
)

const (
	apiTimeout      = 15 * time.Second // Timeout for one refresh round-trip
	shutdownTimeout = 10 * time.Second // Grace period for shutdown
)

// Timeframes refreshed for every tracked token.
var monitoredDays = []int{1, 7, 30}

var configFile = flag.String("f", "etc/marketpipe.yaml", "the config file")

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Println("[main] Starting market monitor...")

	appCfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("[main] Failed to load app config: %v", err)
	}

	log.Printf("[main] Configuration loaded:")
	for _, line := range cli.ConfigSummaryLines(appCfg) {
		log.Printf("  - %s", line)
	}

	if appCfg.Market.Value == nil {
		appCfg.Market.Value = market.MustLoad()
		log.Printf("  - Market Config Path: etc/market.yaml (default)")
	}

	tokens := appCfg.Tokens
	if len(tokens) == 0 {
		tokens = []string{"bitcoin", "ethereum"}
		log.Printf("[main] No tokens configured, defaulting to %v", tokens)
	}
	log.Printf("  - Tracked tokens: %v", tokens)
	log.Printf("  - Refresh interval: %s", appCfg.RefreshInterval())

	svcCtx := svc.NewServiceContext(*appCfg)
	defer svcCtx.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runRefreshLoop(ctx, svcCtx, tokens, appCfg.RefreshInterval())
	}()

	log.Println("[main] Market monitor started. Press Ctrl+C to stop.")

	<-ctx.Done()
	log.Println("[main] Shutdown signal received, stopping tasks...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[main] All tasks stopped cleanly")
	case <-shutdownCtx.Done():
		log.Println("[main] Shutdown timeout exceeded, forcing exit")
	}

	log.Println("[main] Market monitor stopped")
}

// runRefreshLoop refreshes every tracked token on a schedule.
func runRefreshLoop(ctx context.Context, svcCtx *svc.ServiceContext, tokens []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run once immediately on startup
	refreshAll(ctx, svcCtx, tokens)

	for {
		select {
		case <-ctx.Done():
			log.Println("[refresh] Stopping refresh loop")
			return
		case <-ticker.C:
			refreshAll(ctx, svcCtx, tokens)
		}
	}
}

// refreshAll pushes one series request per token/timeframe through the
// coalescing queue and polls the latest price once per token. Duplicate
// submissions within a cycle collapse onto the same in-flight job, so a
// short refresh interval never amplifies upstream traffic.
func refreshAll(parentCtx context.Context, svcCtx *svc.ServiceContext, tokens []string) {
	if parentCtx.Err() != nil {
		return
	}

	for _, token := range tokens {
		for _, days := range monitoredDays {
			func(token string, days int) {
				ctx, cancel := context.WithTimeout(parentCtx, apiTimeout)
				defer cancel()

				start := time.Now()
				series, err := svcCtx.FetchSeries(ctx, token, days, 1, false)
				elapsed := time.Since(start)

				if err != nil {
					log.Printf("[refresh.series.%s_%d] [ERROR] %v, took %dms", token, days, err, elapsed.Milliseconds())
					return
				}

				log.Printf("[refresh.series.%s_%d] [OK] %d candles, took %dms",
					token, days, len(series.Candles), elapsed.Milliseconds())
			}(token, days)
		}

		func(token string) {
			ctx, cancel := context.WithTimeout(parentCtx, apiTimeout)
			defer cancel()

			start := time.Now()
			quote, err := svcCtx.FetchPrice(ctx, token, "")
			elapsed := time.Since(start)

			if err != nil {
				log.Printf("[refresh.price.%s] [ERROR] %v, took %dms", token, err, elapsed.Milliseconds())
				return
			}

			log.Printf("[refresh.price.%s] [OK] price=%.2f, took %dms", token, quote.Price, elapsed.Milliseconds())
		}(token)
	}

	stats := svcCtx.Queue.Stats()
	log.Printf("[refresh] cycle done: pending=%d active=%d completed=%d failed=%d",
		stats.Pending, stats.Active, stats.Completed, stats.Failed)

	log.Printf("[refresh] limiter: %d/%d used, reset in %s",
		svcCtx.Limiter.Count(), svcCtx.Limiter.Limit(), svcCtx.Limiter.TimeUntilReset())

	publishHealthSnapshot(parentCtx, svcCtx, stats)
}

// publishHealthSnapshot mirrors the cycle summary into Redis so other
// processes can read pipeline health without hitting the API server.
func publishHealthSnapshot(ctx context.Context, svcCtx *svc.ServiceContext, stats coalesce.Stats) {
	if svcCtx.Redis == nil {
		return
	}
	snapshot := struct {
		Queue       coalesce.Stats `json:"queue"`
		LimiterUsed int            `json:"limiterUsed"`
		Limit       int            `json:"limit"`
		At          time.Time      `json:"at"`
	}{
		Queue:       stats,
		LimiterUsed: svcCtx.Limiter.Count(),
		Limit:       svcCtx.Limiter.Limit(),
		At:          time.Now().UTC(),
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		log.Printf("[refresh] [ERROR] encode health snapshot: %v", err)
		return
	}
	key := cachekeys.HealthSnapshotKey()
	if err := svcCtx.Redis.SetexCtx(ctx, key, string(payload), 120); err != nil {
		log.Printf("[refresh] [ERROR] publish health snapshot: %v", err)
	}
}
