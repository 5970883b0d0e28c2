package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/niclaflamme/pgcrab/app"
	"github.com/niclaflamme/pgcrab/pkg/config"
	"github.com/niclaflamme/pgcrab/pkg/crablog"
	"github.com/spf13/cobra"
)

const (
	exitOK         = 0
	exitConfigErr  = 1
	exitListenFail = 2
)

var (
	cfgPath   string
	usersPath string
	host      string
	port      string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "pgcrab run --config `path-to-config`",
	Short: "pgcrab",
	Long:  "pgcrab is a connection pooler and proxy for PostgreSQL",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", envOr("PGCRAB_CONFIG_FILE", "/etc/pgcrab/pgcrab.toml"), "path to config file")
	rootCmd.PersistentFlags().StringVarP(&usersPath, "users", "u", os.Getenv("PGCRAB_USERS_FILE"), "path to a separate users file, overrides the users list in config")
	rootCmd.PersistentFlags().StringVar(&host, "host", os.Getenv("PGCRAB_HOST"), "listen host, overrides config")
	rootCmd.PersistentFlags().StringVar(&port, "port", os.Getenv("PGCRAB_PORT"), "listen port, overrides config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "", "log level, overrides config")
	rootCmd.AddCommand(runCmd)
}

func envOr(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadProxyCfg(cfgPath); err != nil {
			crablog.Zero.Error().Err(err).Msg("failed to load config")
			os.Exit(exitConfigErr)
		}

		cfg := config.ProxyConfig()
		if usersPath != "" {
			users, err := config.LoadUsersCfg(usersPath)
			if err != nil {
				crablog.Zero.Error().Err(err).Msg("failed to load users file")
				os.Exit(exitConfigErr)
			}
			cfg.Users = users
		}
		if host != "" {
			cfg.Host = host
		}
		if port != "" {
			cfg.Port = port
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}

		if err := crablog.UpdateZeroLogLevel(cfg.LogLevel); err != nil {
			os.Exit(exitConfigErr)
		}

		ctx, cancelCtx := context.WithCancel(context.Background())
		defer cancelCtx()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			s := <-sigs
			crablog.Zero.Info().Str("signal", s.String()).Msg("shutting down")
			cancelCtx()
		}()

		application := app.NewApp(cfg)

		listener, err := application.Listen()
		if err != nil {
			crablog.Zero.Error().Err(err).Msg("failed to bind listen socket")
			os.Exit(exitListenFail)
		}

		if err := application.Serve(ctx, listener); err != nil {
			return err
		}

		os.Exit(exitOK)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		crablog.Zero.Error().Err(err).Msg("")
		os.Exit(exitConfigErr)
	}
}
