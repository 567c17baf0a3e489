package main

import (
	"fmt"
	"io/fs"
	"os"

	"github.com/naok1207/workflow-visualizer/internal/config"
	internal_storage "github.com/naok1207/workflow-visualizer/internal/storage"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "visualizer-migrate"}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := storeConfig(cmd)
		store, err := internal_storage.NewSQLStore(cfg.Driver, cfg.DSN())
		if err != nil {
			fmt.Printf("Failed to connect: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		if err := store.Migrate(); err != nil {
			fmt.Printf("Failed to apply migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Migrations applied successfully to the %s store\n", store.Driver())
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the embedded migrations for the configured driver",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := storeConfig(cmd)
		files, err := internal_storage.Migrations(cfg.Driver)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		names, err := fs.Glob(files, "*.up.sql")
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		for _, name := range names {
			fmt.Println(name)
		}
	},
}

func storeConfig(cmd *cobra.Command) config.StoreConfig {
	config.LoadDotEnv()
	cfg := config.Read()

	if driver, _ := cmd.Flags().GetString("driver"); driver != "" {
		cfg.Store.Driver = driver
	}
	if connStr, _ := cmd.Flags().GetString("db"); connStr != "" {
		cfg.Store.DatabaseURL = connStr
		cfg.Store.SQLitePath = connStr
	}
	if cfg.Store.Driver == config.DriverMemory {
		fmt.Println("Error: the memory store has no schema to migrate")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	return cfg.Store
}

func main() {
	rootCmd.AddCommand(migrateCmd, listCmd)
	rootCmd.PersistentFlags().String("driver", "", "Store driver: sqlite or postgres (default $STORE_DRIVER or sqlite)")
	rootCmd.PersistentFlags().String("db", "", "Database connection string or sqlite file (optional if env vars are set)")
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
