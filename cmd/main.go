// File: main.go

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ndt-reporter/pkg/config"
	"ndt-reporter/pkg/connectivity"
	"ndt-reporter/pkg/database"
	"ndt-reporter/pkg/measurement"
	"ndt-reporter/pkg/models"
	"ndt-reporter/pkg/proxy"
	"ndt-reporter/pkg/session"
	"ndt-reporter/pkg/tester"
)

var (
	debugFlag bool
	logger    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ndt-reporter",
	Short: "Periodic ndt7 speed tests reported to the scoring API",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Set up logging based on the debug flag
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Measure and report for every account now and then on every schedule tick",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()

		// no draining on signals: in-flight cycles are abandoned
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			logger.Error("Error initializing", "error", err)
			os.Exit(1)
		}
		defer a.Close()
		a.serveMetrics(ctx)

		round := func() {
			credentials, err := session.LoadCredentials(cfg.AccountsFile)
			if err != nil {
				logger.Error("Error loading credentials", "error", err)
				return
			}
			a.service.RunAccounts(ctx, credentials)
		}

		c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})))
		spec := fmt.Sprintf("@every %s", cfg.Schedule.Interval)
		if _, err := c.AddFunc(spec, round); err != nil {
			logger.Error("Invalid schedule", "interval", cfg.Schedule.Interval, "error", err)
			os.Exit(1)
		}

		round()
		c.Start()
		logger.Info("Waiting for next round", "interval", cfg.Schedule.Interval)

		<-ctx.Done()
		c.Stop()
		logger.Info("Shutting down")
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single round over every account and exit",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		credentials, err := session.LoadCredentials(cfg.AccountsFile)
		if err != nil {
			logger.Error("Error loading credentials", "error", err)
			os.Exit(1)
		}

		a, err := newApp(ctx, cfg)
		if err != nil {
			logger.Error("Error initializing", "error", err)
			os.Exit(1)
		}
		defer a.Close()

		if ok := a.service.RunAccounts(ctx, credentials); ok == 0 && len(credentials) > 0 {
			logger.Error("No account completed its cycle")
			a.Close()
			os.Exit(1)
		}
	},
}

var checkProxiesCmd = &cobra.Command{
	Use:   "check-proxies",
	Short: "Probe every configured proxy once and print which ones are alive",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		prune, _ := cmd.Flags().GetBool("prune")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			logger.Error("Error initializing", "error", err)
			os.Exit(1)
		}
		defer a.Close()

		opts := tester.Options{Workers: cfg.Proxy.CheckWorkers, Timeout: cfg.Proxy.Timeout}
		if prune {
			if a.db == nil {
				logger.Error("--prune requires proxy.source: database")
				a.Close()
				os.Exit(1)
			}
			opts.Prune = a.db
		}

		results := tester.CheckProxies(ctx, a.pool, a.pool.Descriptors(), opts, logger)
		for _, r := range results {
			status := "dead"
			if r.Alive {
				status = "alive"
			}
			fmt.Printf("%-5s %-6s %s\n", status, r.Proxy.Kind, r.Proxy)
		}

		resolver, _ := cmd.Flags().GetString("dns-resolver")
		domain, _ := cmd.Flags().GetString("dns-domain")
		if resolver == "" {
			return
		}
		for _, r := range results {
			if !r.Alive || r.Proxy.Kind != models.ProxySOCKS5 {
				continue
			}
			report, err := connectivity.ProbeDNS(ctx, r.Proxy, resolver, domain)
			if err != nil {
				logger.Error("DNS test failed", "proxy", r.Proxy.String(), "error", err)
				continue
			}
			if report.IsSuccess() {
				fmt.Printf("dns   ok     %s (%dms)\n", r.Proxy, report.DurationMs)
			} else {
				fmt.Printf("dns   %-6s %s: %s\n", report.Error.Op, r.Proxy, report.Error.Msg)
			}
		}
	},
}

var checkTokensCmd = &cobra.Command{
	Use:   "check-tokens",
	Short: "Print the expiry of every credential without contacting the API",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.LoadOffline(viper.GetViper())
		if err != nil {
			logger.Error("Invalid configuration", "error", err)
			os.Exit(1)
		}

		credentials, err := session.LoadCredentials(cfg.AccountsFile)
		if err != nil {
			logger.Error("Error loading credentials", "error", err)
			os.Exit(1)
		}

		now := time.Now()
		for i, credential := range credentials {
			name := measurement.MaskCredential(credential)
			exp, err := session.ExpiresAt(credential)
			if err != nil {
				fmt.Printf("%3d %s invalid: %v\n", i+1, name, err)
				continue
			}
			status := "ok"
			if err := session.CheckClaims(credential, now, cfg.Session.ExpiryMargin); errors.Is(err, session.ErrExpired) {
				status = "expired"
			}
			fmt.Printf("%3d %s %-7s expires %s (in %s)\n", i+1, name, status,
				exp.Local().Format(time.DateTime), exp.Sub(now).Round(time.Second))
		}
	},
}

var addProxiesCmd = &cobra.Command{
	Use:   "add-proxies [file]",
	Short: "Import a proxy list into the database",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		ctx := context.Background()

		proxies, err := proxy.LoadFile(args[0], logger)
		if err != nil {
			logger.Error("Error reading proxies", "error", err)
			os.Exit(1)
		}

		if resolve, _ := cmd.Flags().GetBool("resolve"); resolve {
			proxies = proxy.ExpandHosts(ctx, proxies, net.DefaultResolver, logger)
		}

		db, err := initDB(ctx, cfg)
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		n, err := db.UpsertProxies(ctx, proxies)
		if err != nil {
			logger.Error("Error adding proxies", "error", err)
			db.Close()
			os.Exit(1)
		}
		logger.Info("Proxies added successfully", "parsed", len(proxies), "stored", n)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	checkProxiesCmd.Flags().Bool("prune", false, "Remove dead proxies from the database")
	checkProxiesCmd.Flags().String("dns-resolver", "", "Also resolve a domain through each live socks5 proxy using this DNS server")
	checkProxiesCmd.Flags().String("dns-domain", "example.com", "Domain resolved by the DNS test")
	addProxiesCmd.Flags().Bool("resolve", false, "Store one entry per resolved address of each proxy hostname")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(checkProxiesCmd)
	rootCmd.AddCommand(checkTokensCmd)
	rootCmd.AddCommand(addProxiesCmd)
}

func initConfig() {
	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("Error reading .env file: %v\n", err)
		os.Exit(1)
	}

	config.SetDefaults(viper.GetViper())

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.ndt-reporter")
	viper.AddConfigPath("/etc/ndt-reporter/")

	viper.SetEnvPrefix("NDT_REPORTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Printf("Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}
}

func mustLoadConfig() config.Config {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	if f := viper.ConfigFileUsed(); f != "" {
		logger.Debug("Loaded configuration", "file", f)
	}
	return cfg
}

func initDB(ctx context.Context, cfg config.Config) (*database.DB, error) {
	db, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	err = db.InitSchema(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return db, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
