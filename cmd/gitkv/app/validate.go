package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	kv "github.com/stacklok/gitkv/internal/app"
	"github.com/stacklok/gitkv/internal/store"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the repository for defective entries",
	Long: `Check that the default reference exists and that every data file in every
reference has a well-formed metadata file, and every metadata file has its data
file. With --ref only that reference is checked. Defects are printed one per
line and the command fails when any is found.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *kv.App) error {
			return runValidate(ctx, cmd.OutOrStdout(), a.Storage(), viper.GetString("ref"))
		}, kv.WithoutStartupChecks())
	},
}

func runValidate(ctx context.Context, out io.Writer, storage *store.Storage, ref string) error {
	validator := storage.Validator()
	if err := validator.ValidateDefaultReferenceExists(storage.DefaultRef()); err != nil {
		return err
	}

	var (
		defects []*store.Defect
		err     error
	)
	if ref == "" {
		defects, err = validator.ValidateAll(ctx)
	} else {
		ref = store.NormalizeRef(ref, storage.DefaultRef())
		defects, err = validator.Validate(ctx, ref)
	}
	if err != nil {
		return err
	}

	for _, d := range defects {
		if _, err := fmt.Fprintln(out, d.Error()); err != nil {
			return err
		}
	}
	if len(defects) > 0 {
		return fmt.Errorf("%d defects found: %w", len(defects), store.DefectsError(defects))
	}
	slog.Info("Repository is healthy", "ref", ref)
	return nil
}
