package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/WUUUYT/redmine-email-system/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatalf("mailsync: %v", err)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "mailsync",
		Short:         "Keep a Redmine project and an inbound mailbox synchronized",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.json", "path to the config file (JSON or YAML)")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Perform one outbound+inbound pass for every enabled project",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			app, err := newAppFromEnv(cfg)
			if err != nil {
				return err
			}
			return app.runOnce(cmd.Context())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Run passes on the configured interval, reloading config on change",
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchLoop(cmd.Context(), configPath)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load the config file and report whether it is valid",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d enabled project(s))\n", configPath, len(cfg.EnabledProjects()))
			return nil
		},
	})

	return root
}

func stringEnv(name, fallback string) string {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback)
		return fallback
	}
	return value
}
