package main

import (
	"os"

	"quark/config"
	"quark/internal/db"
	"quark/internal/logs"
	"quark/server"

	"github.com/spf13/cobra"
)

func main() {
	if err := mainCmd.Execute(); err != nil {
		logs.Logger.Fatal(err)
	}
}

var (
	mainCmd = &cobra.Command{
		Use:          os.Args[0],
		Short:        "Run the quark address and switch placement service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			var app server.App
			if err := app.Initialize(cfg); err != nil {
				return err
			}
			return app.Run()
		},
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logs.Init(logs.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, File: cfg.Logging.File})
			gdb, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return err
			}
			if err := db.Migrate(gdb); err != nil {
				return err
			}
			logs.For("migrate").WithField("driver", cfg.Database.Driver).Info("schema up to date")
			return nil
		},
	}
)

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func init() {
	mainCmd.PersistentFlags().StringP("config", "c", "", "Config file (default ./quark.{yaml,toml,json})")
	mainCmd.AddCommand(migrateCmd)
}
