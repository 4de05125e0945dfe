package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"ipverse/pkg/admission"
	"ipverse/pkg/cache"
	"ipverse/pkg/config"
	"ipverse/pkg/fetch"
	"ipverse/pkg/provider"
	"ipverse/pkg/service"
	"ipverse/pkg/userstore"
	"ipverse/pkg/util/workers"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "serve":
		runServe()
	case "fetch":
		runFetch()
	case "refer":
		runRefer()
	case "purge":
		runPurge()
	case "stats":
		runStats()
	case "version":
		fmt.Printf("ipversed version %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: ipversed <command> [options]

Commands:
  serve    Run the service: open stores, start the cache janitor
  fetch    Run one request through admission + fetch, write the report
  refer    Register a referred user and credit the referrer
  purge    Run one cache janitor sweep
  stats    Show cache and user store statistics
  version  Show version

Options for fetch:
  --country=<CC>     2-letter country code (required)
  --user=<id>        Requesting user ID (default: local)
  --admin            Treat the user as an admin
  --out=<path>       Output file (default: ips-<CC>-<date>.txt)

Examples:
  # Run the janitor loop
  ipversed serve

  # Fetch the US report as an admin
  ipversed fetch --country=US --admin

  # Sweep stale cache entries once
  ipversed purge
`)
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	return cfg
}

func openStores(cfg *config.Config) (*cache.Store, *userstore.Store) {
	store, err := cache.Open(cfg.CacheDBPath())
	if err != nil {
		log.Fatalf("Failed to open report cache: %v", err)
	}
	users, err := userstore.Open(cfg.UserDBPath())
	if err != nil {
		store.Close()
		log.Fatalf("Failed to open user store: %v", err)
	}
	return store, users
}

func buildService(cfg *config.Config, store *cache.Store, users *userstore.Store) *service.Service {
	client := provider.NewClient(provider.Config{
		DirectoryURL: cfg.DirectoryURL,
		RangesURL:    cfg.RangesURL,
		PageSize:     cfg.PageSize,
		RangeWorkers: cfg.RangeWorkers,
		RateLimit:    cfg.ProviderRateLimit,
		Retry:        workers.FixedRetryConfig(cfg.RetryAttempts, cfg.RetryDelay),
	})
	ctrl := admission.NewController(users, admission.Config{
		SpamThreshold: cfg.SpamThreshold,
		Window:        cfg.RateWindow,
		WindowLimit:   cfg.RateLimit,
		DailyFree:     cfg.DailyFree,
		CoinCost:      cfg.CoinCost,
	})
	coord := fetch.New(client, store)
	return service.New(users, ctrl, coord)
}

func runServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.Parse(os.Args[2:])

	cfg := loadConfig()
	store, users := openStores(cfg)
	defer store.Close()
	defer users.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	janitor := cache.NewJanitor(store, cfg.JanitorPeriod, cfg.RetentionDays)

	log.Printf("INFO: ipversed %s serving (data dir: %s)", version, cfg.DataDir)
	janitor.Run(ctx)
	log.Printf("INFO: Shutting down")
}

func runFetch() {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	country := fs.String("country", "", "2-letter country code")
	user := fs.String("user", "local", "Requesting user ID")
	admin := fs.Bool("admin", false, "Treat the user as an admin")
	out := fs.String("out", "", "Output file")
	fs.Parse(os.Args[2:])

	if *country == "" {
		log.Fatalf("--country is required")
	}

	cfg := loadConfig()
	store, users := openStores(cfg)
	defer store.Close()
	defer users.Close()

	svc := buildService(cfg, store, users)

	result, err := svc.HandleRequest(context.Background(), *user, *country, *admin)
	if err != nil {
		var d service.Result
		if result != nil {
			d = *result
		}
		log.Fatalf("Request failed: %v (%s)", err, service.UserMessage(err, d.Decision))
	}

	path := *out
	if path == "" {
		path = fmt.Sprintf("ips-%s-%s.txt", result.Report.Country,
			result.Report.GeneratedAt.Format("2006-01-02"))
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Failed to create output dir: %v", err)
		}
	}
	if err := os.WriteFile(path, []byte(result.Artifact), 0644); err != nil {
		log.Fatalf("Failed to write report: %v", err)
	}

	log.Printf("INFO: Wrote %s: %d ASNs, %d ranges (%d pages)",
		path, result.Report.ASNCount, len(result.Report.Ranges), result.Report.Pages)
}

func runRefer() {
	fs := flag.NewFlagSet("refer", flag.ExitOnError)
	user := fs.String("user", "", "Joining user ID")
	referrer := fs.String("referrer", "", "Referring user ID")
	fs.Parse(os.Args[2:])

	if *user == "" || *referrer == "" {
		log.Fatalf("--user and --referrer are required")
	}

	cfg := loadConfig()
	users, err := userstore.Open(cfg.UserDBPath())
	if err != nil {
		log.Fatalf("Failed to open user store: %v", err)
	}
	defer users.Close()

	if _, err := users.Register(*user, *referrer); err != nil {
		log.Fatalf("Failed to register user %s: %v", *user, err)
	}
	who, awarded, err := users.AwardReferral(*user, cfg.ReferralReward)
	if err != nil {
		log.Fatalf("Failed to award referral: %v", err)
	}
	if awarded {
		log.Printf("INFO: Credited %d coin(s) to %s for referring %s", cfg.ReferralReward, who, *user)
	} else {
		log.Printf("INFO: No referral credit for %s (already awarded or referrer unknown)", *user)
	}
}

func runPurge() {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	fs.Parse(os.Args[2:])

	cfg := loadConfig()
	store, err := cache.Open(cfg.CacheDBPath())
	if err != nil {
		log.Fatalf("Failed to open report cache: %v", err)
	}
	defer store.Close()

	janitor := cache.NewJanitor(store, cfg.JanitorPeriod, cfg.RetentionDays)
	purged, err := janitor.Sweep()
	if err != nil {
		log.Fatalf("Sweep failed: %v", err)
	}
	log.Printf("INFO: Purged %d cache entries", purged)
}

func runStats() {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Parse(os.Args[2:])

	cfg := loadConfig()
	store, users := openStores(cfg)
	defer store.Close()
	defer users.Close()

	cached, err := store.Count()
	if err != nil {
		log.Fatalf("Failed to count cache entries: %v", err)
	}
	stats, err := users.AggregateStats()
	if err != nil {
		log.Fatalf("Failed to aggregate user stats: %v", err)
	}

	fmt.Printf("Cached reports:  %d\n", cached)
	fmt.Printf("Users:           %d\n", stats.Users)
	fmt.Printf("Coins spent:     %d\n", stats.CoinsSpent)
	fmt.Printf("Referrals:       %d\n", stats.Referrals)
}
