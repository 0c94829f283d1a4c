package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/backydb/backydb/internal/app"
	"github.com/backydb/backydb/internal/config"
	"github.com/backydb/backydb/internal/errs"
	"github.com/backydb/backydb/internal/keyprov"
	"github.com/backydb/backydb/internal/logging"
	"github.com/backydb/backydb/internal/schema"
	"github.com/backydb/backydb/internal/storage"
	"github.com/backydb/backydb/internal/version"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

type overrideFlags struct {
	DBHost        string
	DBPort        int
	DBUser        string
	DBPassword    string
	DBName        string
	MultipleFiles bool
	StorageType   string
	LocalPath     string
	BackupPath    string
	DryRun        bool
	BestEffort    bool
}

func main() {
	root := &rootFlags{}
	overrides := &overrideFlags{}

	rootCmd := &cobra.Command{
		Use:           "backy",
		Short:         "Modular backup and restore engine for relational databases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml/toml/json or .enc)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")

	rootCmd.PersistentFlags().StringVar(&overrides.DBHost, "db-host", "", "Database host")
	rootCmd.PersistentFlags().IntVar(&overrides.DBPort, "db-port", 0, "Database port")
	rootCmd.PersistentFlags().StringVar(&overrides.DBUser, "db-user", "", "Database username")
	rootCmd.PersistentFlags().StringVar(&overrides.DBPassword, "db-password", "", "Database password")
	rootCmd.PersistentFlags().StringVar(&overrides.DBName, "db-name", "", "Database name")
	rootCmd.PersistentFlags().StringVar(&overrides.StorageType, "storage", "", "Storage backend (local, aws)")
	rootCmd.PersistentFlags().StringVar(&overrides.LocalPath, "storage-path", "", "Local storage path")

	rootCmd.AddCommand(newBackupCmd(root, overrides))
	rootCmd.AddCommand(newRestoreCmd(root, overrides))
	rootCmd.AddCommand(newValidateCmd(root, overrides))
	rootCmd.AddCommand(newListCmd(root, overrides))
	rootCmd.AddCommand(newKeygenCmd(root))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(errs.ExitCode(err))
	}
}

func newBackupCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(root, overrides)
			if err != nil {
				return err
			}
			svc, cleanup, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Global.OperationTimeout)
			defer cancel()

			res, err := svc.Backup(ctx)
			if err != nil {
				return err
			}
			logger.Info().Str("prefix", res.Prefix).Int("outputs", len(res.Outputs)).Msg("backup completed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&overrides.MultipleFiles, "multiple-files", false, "One output file per object category")
	return cmd
}

func newRestoreCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(root, overrides)
			if err != nil {
				return err
			}
			if cfg.Restore.BackupPath == "" {
				return errs.New(errs.ConfigInvalid, "cli.restore", "--backup-path is required")
			}
			svc, cleanup, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Global.OperationTimeout)
			defer cancel()

			if err := svc.Restore(ctx); err != nil {
				return err
			}
			logger.Info().Str("backup_path", cfg.Restore.BackupPath).Msg("restore completed")
			return nil
		},
	}
	cmd.Flags().StringVar(&overrides.BackupPath, "backup-path", "", "Backup prefix to restore from")
	cmd.Flags().BoolVar(&overrides.DryRun, "dry-run", false, "Verify the backup without touching the database")
	cmd.Flags().BoolVar(&overrides.BestEffort, "best-effort", false, "Skip non-fatal statement failures")
	return cmd
}

func newValidateCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(root, overrides)
			if err != nil {
				return err
			}
			svc, cleanup, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Global.OperationTimeout)
			defer cancel()
			if err := svc.Validate(ctx); err != nil {
				return err
			}
			logger.Info().Msg("validation succeeded")
			return nil
		},
	}
}

func newListCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(root, overrides)
			if err != nil {
				return err
			}
			svc, cleanup, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Global.OperationTimeout)
			defer cancel()
			items, err := svc.List(ctx)
			if err != nil {
				return err
			}
			for _, item := range items {
				fmt.Printf("%s\t%d\t%s\n", item.Key, item.Size, item.Modified.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newKeygenCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Initialize the local key vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(root, &overrideFlags{})
			if err != nil {
				return err
			}
			vault, err := keyprov.NewLocalVault(cfg.Security)
			if err != nil {
				return err
			}
			params := vault.Params()
			logger.Info().Str("algorithm", params.Algorithm).Int("key_size", params.KeySize).Msg("local key vault ready")
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	var input string
	var output string
	var key string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config utilities",
	}

	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" || output == "" || key == "" {
				return errs.New(errs.ConfigInvalid, "cli.config", "--input, --output, and --key are required")
			}
			return config.EncryptConfigFile(input, output, key)
		},
	}
	encrypt.Flags().StringVar(&input, "input", "", "Input config file")
	encrypt.Flags().StringVar(&output, "output", "", "Output encrypted config file")
	encrypt.Flags().StringVar(&key, "key", "", "Encryption key (base64 or hex)")

	cmd.AddCommand(encrypt)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("backy %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

func loadConfig(root *rootFlags, overrides *overrideFlags) (*config.Settings, zerolog.Logger, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	applyOverrides(cfg, root, overrides)
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat, cfg.Global.LogPath)
	return cfg, logger, nil
}

func applyOverrides(cfg *config.Settings, root *rootFlags, overrides *overrideFlags) {
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}
	if overrides.DBHost != "" {
		cfg.Database.Host = overrides.DBHost
	}
	if overrides.DBPort != 0 {
		cfg.Database.Port = overrides.DBPort
	}
	if overrides.DBUser != "" {
		cfg.Database.User = overrides.DBUser
	}
	if overrides.DBPassword != "" {
		cfg.Database.Password = overrides.DBPassword
	}
	if overrides.DBName != "" {
		cfg.Database.DBName = overrides.DBName
	}
	if overrides.MultipleFiles {
		cfg.Database.MultipleFiles = true
	}
	if overrides.StorageType != "" {
		cfg.Storage.Type = overrides.StorageType
	}
	if overrides.LocalPath != "" {
		cfg.Storage.Local.Path = overrides.LocalPath
	}
	if overrides.BackupPath != "" {
		cfg.Restore.BackupPath = overrides.BackupPath
	}
	if overrides.DryRun {
		cfg.Restore.DryRun = true
	}
	if overrides.BestEffort {
		cfg.Database.BestEffort = true
	}
}

// buildApp wires the engine, storage and orchestrator for one job.
func buildApp(ctx context.Context, cfg *config.Settings, logger zerolog.Logger) (*app.App, func(), error) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	engine, err := schema.Connect(connectCtx, schema.ConnectParams{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		DBName:       cfg.Database.DBName,
		QueryTimeout: cfg.Database.QueryTimeout,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	store, err := storage.New(cfg.Storage)
	if err != nil {
		engine.Close()
		return nil, nil, err
	}

	svc := app.New(cfg, engine, store, logger)
	return svc, func() { engine.Close() }, nil
}
