// Package app provides the commands of the gitkv command line.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	kv "github.com/stacklok/gitkv/internal/app"
	"github.com/stacklok/gitkv/internal/config"
	"github.com/stacklok/gitkv/internal/versions"
)

var rootCmd = &cobra.Command{
	Use:               "gitkv",
	DisableAutoGenTag: true,
	SilenceUsage:      true,
	Short:             "Versioned key-value store backed by a git repository",
	Long: `gitkv stores keys as files in a git repository. Every key carries a content
version and a metadata version, and writes are committed with optimistic
version checks.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			slog.Error("Error displaying help", "error", err)
		}
	},
}

// NewRootCmd creates the root command. The --debug flag lowers level to debug.
func NewRootCmd(level *slog.LevelVar) *cobra.Command {
	rootCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format)")
	rootCmd.PersistentFlags().String("ref", "", "Reference to operate on (defaults to the configured default reference)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	for _, name := range []string{"config", "ref", "debug"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			slog.Error("Error binding flag", "flag", name, "error", err)
		}
	}
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.PersistentPreRun = func(_ *cobra.Command, _ []string) {
		if level != nil && viper.GetBool("debug") {
			level.Set(slog.LevelDebug)
		}
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(refsCmd)

	return rootCmd
}

// openApp loads the configuration named by --config and builds the store
func openApp(ctx context.Context, opts ...kv.Options) (*kv.App, error) {
	configPath := viper.GetString("config")
	if configPath == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Debug("Loaded configuration", "path", configPath, "repository", cfg.Repository.Path)

	return kv.New(ctx, append([]kv.Options{kv.WithConfig(cfg)}, opts...)...)
}

// withApp runs fn against a freshly built store and closes it afterwards
func withApp(cmd *cobra.Command, fn func(context.Context, *kv.App) error, opts ...kv.Options) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(ctx); err != nil {
			slog.Warn("Error closing store", "error", err)
		}
	}()
	return fn(ctx, a)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		info := versions.GetVersionInfo()
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			return fmt.Errorf("failed to get format flag: %w", err)
		}

		if format == "json" {
			output, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to format version info as JSON: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(output))
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "gitkv %s (commit %s, built %s, %s, %s)\n",
			info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
		return err
	},
}

func init() {
	versionCmd.Flags().String("format", "", "Output format (json)")
}
