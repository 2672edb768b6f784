// Command mattercrawl is the engine's CLI entry point: a cobra root command
// with subcommands for migrating the store, running a crawl, inspecting
// system/session status, and querying stored products. Each subcommand's
// RunE loads config and wires the logger through loadConfigAndLogger.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"mattercrawl/internal/batch"
	"mattercrawl/internal/config"
	"mattercrawl/internal/control"
	"mattercrawl/internal/domain"
	"mattercrawl/internal/events"
	"mattercrawl/internal/fetch"
	"mattercrawl/internal/htmlparse"
	"mattercrawl/internal/logging"
	"mattercrawl/internal/ratelimit"
	"mattercrawl/internal/robots"
	"mattercrawl/internal/store"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "mattercrawl",
	Short: "Incremental crawler for the Matter certified-product directory",
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level; overrides the logging package's default level")

	rootCmd.AddCommand(migrateCmd, crawlCmd, statusCmd, queryCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("load config: %w", err)
	}

	logCfg := logging.Default()
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	log, err := logging.New(logCfg)
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("init logging: %w", err)
	}

	return cfg, log, nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, lg, err := loadConfigAndLogger()
		if err != nil {
			return err
		}

		st, err := store.Open(cmd.Context(), store.Config{DSN: cfg.Database.DSN, MaxOpenConns: cfg.Database.MaxConnections})
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		if err := store.RunMigrations(st.DB(), lg); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		lg.Info().Msg("migrations applied")
		return nil
	},
}

var (
	profileFlag    string
	manualStart    int
	manualEnd      int
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Start a crawling session and block until it finishes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, lg, err := loadConfigAndLogger()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		facade, st, err := buildFacade(ctx, cfg, lg)
		if err != nil {
			return err
		}
		defer st.Close()

		profile := domain.Profile{Kind: domain.ProfileIntelligent}
		switch profileFlag {
		case "manual":
			profile.Kind = domain.ProfileManual
			profile.ManualRange.StartSourcePage = manualStart
			profile.ManualRange.EndSourcePage = manualEnd
		case "verification":
			profile.Kind = domain.ProfileVerification
		}

		sess, err := facade.StartCrawling(ctx, profile)
		if err != nil {
			return fmt.Errorf("start crawling: %w", err)
		}
		lg.Info().Str("session_id", sess.SessionID).Msg("session started")

		for {
			time.Sleep(time.Second)
			current, err := facade.GetSession()
			if err != nil {
				return err
			}
			if current.Status.Terminal() {
				lg.Info().
					Str("status", string(current.Status)).
					Int("success", current.Metrics.SuccessCount).
					Int("failures", current.Metrics.FailureCount).
					Msg("session finished")
				return nil
			}
			select {
			case <-ctx.Done():
				_ = facade.CancelSession()
			default:
			}
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current site/store/session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, lg, err := loadConfigAndLogger()
		if err != nil {
			return err
		}

		facade, st, err := buildFacade(cmd.Context(), cfg, lg)
		if err != nil {
			return err
		}
		defer st.Close()

		status, err := facade.AnalyzeSystemStatus(cmd.Context())
		if err != nil {
			return fmt.Errorf("analyze system status: %w", err)
		}

		fmt.Printf("site: %d pages (%d on last page)\n", status.Site.TotalPages, status.Site.ProductsOnLastPage)
		fmt.Printf("store: %d products, max coordinate (%d,%d)\n", status.Cursor.TotalProducts, status.Cursor.MaxPageID, status.Cursor.MaxIndexInPage)
		if status.ActiveSession != nil {
			fmt.Printf("active session: %s (%s)\n", status.ActiveSession.SessionID, status.ActiveSession.Status)
		} else {
			fmt.Println("no active session")
		}
		return nil
	},
}

var (
	queryManufacturer string
	queryDeviceType   string
	queryLimit        int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "List stored products, optionally filtered",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, lg, err := loadConfigAndLogger()
		if err != nil {
			return err
		}

		st, err := store.Open(cmd.Context(), store.Config{DSN: cfg.Database.DSN, MaxOpenConns: cfg.Database.MaxConnections})
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		records, err := st.Query(cmd.Context(), store.ProductQuery{
			Manufacturer: queryManufacturer,
			DeviceType:   queryDeviceType,
			Limit:        queryLimit,
		})
		if err != nil {
			return err
		}

		for _, r := range records {
			fmt.Printf("%s\t%s\t%s\n", r.SourceURL, r.Manufacturer, r.Model)
		}
		lg.Info().Int("count", len(records)).Msg("query complete")
		return nil
	},
}

func init() {
	crawlCmd.Flags().StringVar(&profileFlag, "profile", "intelligent", "intelligent|manual|verification")
	crawlCmd.Flags().IntVar(&manualStart, "manual-start", 0, "manual profile: newest source page (inclusive)")
	crawlCmd.Flags().IntVar(&manualEnd, "manual-end", 0, "manual profile: oldest source page (inclusive)")

	queryCmd.Flags().StringVar(&queryManufacturer, "manufacturer", "", "filter by exact manufacturer")
	queryCmd.Flags().StringVar(&queryDeviceType, "device-type", "", "filter by exact device type")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 100, "maximum rows to return")
}

// buildFacade wires the store, fetcher, rate limiter, robots policy, and
// site analyzer into a control.Facade, the composition root every
// subcommand shares.
func buildFacade(ctx context.Context, cfg *config.Config, lg zerolog.Logger) (*control.Facade, *store.Store, error) {
	st, err := store.Open(ctx, store.Config{DSN: cfg.Database.DSN, MaxOpenConns: cfg.Database.MaxConnections})
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	if err := store.RunMigrations(st.DB(), lg); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}

	limiter := ratelimit.NewHostLimiter(cfg.HTTP.RateLimitPerSecond, cfg.HTTP.Burst)

	robotsClient := &http.Client{Timeout: cfg.HTTP.Timeout()}
	policy := robots.New(robotsClient, cfg.HTTP.UserAgent, cfg.HTTP.RespectRobotsTxt)

	fetcher := fetch.New(cfg.HTTP.Timeout(), limiter, policy, cfg.HTTP.UserAgent, fetch.WithMaxRetries(cfg.HTTP.MaxRetries))

	listURL := func(page int) string {
		return cfg.Site.BaseURL + fmt.Sprintf(cfg.Site.ListPathTemplate, page)
	}
	detailURL := func(sourceURL string) string {
		return resolveURL(cfg.Site.BaseURL, sourceURL)
	}

	bus := events.NewBus(256)

	analyzer := func(ctx context.Context) (domain.SiteSnapshot, error) {
		first, err := fetcher.Get(ctx, listURL(1))
		if err != nil {
			return domain.SiteSnapshot{}, err
		}
		info, err := htmlparse.ParsePaginationInfo(string(first.Body), string(first.Body))
		if err != nil {
			return domain.SiteSnapshot{}, err
		}
		last, err := fetcher.Get(ctx, listURL(info.TotalPages))
		if err == nil {
			if lastPage, err := htmlparse.ParseListPage(string(last.Body)); err == nil {
				info.ProductsOnLastPage = len(lastPage.Entries)
			}
		}
		return domain.SiteSnapshot{
			TotalPages:         info.TotalPages,
			ProductsOnLastPage: info.ProductsOnLastPage,
			AnalyzedAt:         time.Now(),
			TTL:                cfg.Crawling.CacheTTL.Site(),
		}, nil
	}

	facade := control.New(control.Deps{
		Config:    cfg,
		Log:       lg,
		Bus:       bus,
		Store:     st,
		Fetcher:   fetcher,
		Analyzer:  analyzer,
		ListURL:   batch.ListURLFunc(listURL),
		DetailURL: batch.DetailURLFunc(detailURL),
	})

	return facade, st, nil
}

func resolveURL(base, maybeRelative string) string {
	if len(maybeRelative) > 0 && maybeRelative[0] == '/' {
		return base + maybeRelative
	}
	return maybeRelative
}
