package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/polyterm/polyterm/gateway"
	"github.com/polyterm/polyterm/internal/profile"
)

var rootCmd = &cobra.Command{
	Use:   "polyterm",
	Short: `A conversational trading gateway: trade prediction markets from Telegram or the browser.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Systemd services carry their environment in the unit file.
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		p := profile.FromEnv(profile.Profile{
			Mode:         viper.GetString("mode"),
			Addr:         viper.GetString("addr"),
			Port:         viper.GetInt("port"),
			Data:         viper.GetString("data"),
			Driver:       viper.GetString("driver"),
			DSN:          viper.GetString("dsn"),
			ConfigPath:   viper.GetString("config"),
			SkillsDir:    viper.GetString("skills-dir"),
			MetricsToken: viper.GetString("metrics-token"),
			InstanceURL:  viper.GetString("instance-url"),
		})
		if err := p.Validate(); err != nil {
			return fmt.Errorf("invalid profile: %w", err)
		}
		setupLogging(p)

		g, err := gateway.New(p)
		if err != nil {
			return fmt.Errorf("failed to build gateway: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), terminationSignals...)
		defer stop()

		printGreetings(p)
		return g.Run(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().String("mode", "demo", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28090, "port of server")
	rootCmd.PersistentFlags().String("data", ".", "data directory")
	rootCmd.PersistentFlags().String("driver", "sqlite", "database driver (sqlite, postgres)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name (aka. DSN)")
	rootCmd.PersistentFlags().String("config", "polyterm.yaml", "path to the hot-reloadable gateway config")
	rootCmd.PersistentFlags().String("skills-dir", "", "directory of agent skill prompts, watched for changes")
	rootCmd.PersistentFlags().String("metrics-token", "", "bearer token required by /metrics")
	rootCmd.PersistentFlags().String("instance-url", "", "the externally reachable url of this instance")

	for _, flag := range []string{
		"mode", "addr", "port", "data", "driver", "dsn",
		"config", "skills-dir", "metrics-token", "instance-url",
	} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("polyterm")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func setupLogging(p *profile.Profile) {
	level := slog.LevelInfo
	if p.IsDev() {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("PolyTerm %s started successfully!\n", p.Version)
	fmt.Printf("Mode: %s\n", p.Mode)
	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Database driver: %s\n", p.Driver)
	if p.Addr == "" {
		fmt.Printf("Server running on port %d\n", p.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", p.Addr, p.Port)
	}
	fmt.Printf("Web chat: ws://localhost:%d/ws\n", p.Port)
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("polyterm exited", "error", err)
		os.Exit(1)
	}
}
