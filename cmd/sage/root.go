package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sageloop/sage/internal/agent/config"
	"github.com/sageloop/sage/internal/agent/schedule"
	"github.com/sageloop/sage/internal/db"
	"github.com/sageloop/sage/internal/logging"
	"github.com/sageloop/sage/internal/server"
)

var (
	flagConfig  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "sage",
	Short: "Sage is a personal AI assistant with long-term memory",
	PersistentPreRun: func(*cobra.Command, []string) {
		_ = godotenv.Load()
		if !flagVerbose {
			logging.Disable()
		}
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the assistant: gateway, scheduler, and background gardener",
	RunE: func(*cobra.Command, []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Println("\nshutting down...")
			cancel()
		}()

		// Due reminders print to the terminal; the gateway's WS clients
		// pick them up on their next poll of pending items.
		fire := func(item *db.ScheduledItem) error {
			fmt.Printf("\n⏰ %s\n", item.Message)
			return nil
		}

		a, err := buildApp(cfg, fire)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.registry.Watch(ctx); err != nil {
			logging.Warnf("[app] skill watch failed: %v", err)
		}
		if err := a.gardener.Start(); err != nil {
			return err
		}

		srv := server.New(a.runner, a.sessions, cfg.Server)
		return srv.Start(ctx)
	},
}

func loadConfig() (*config.Config, error) {
	if flagConfig != "" {
		return config.LoadFrom(flagConfig)
	}
	return config.Load()
}

// Referenced by subcommands that schedule nothing themselves.
var noopFire schedule.FireFunc = func(*db.ScheduledItem) error { return nil }

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config.yaml")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable log output")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(skillsCmd)
}
