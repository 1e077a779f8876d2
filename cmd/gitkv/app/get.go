package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	kv "github.com/stacklok/gitkv/internal/app"
	"github.com/stacklok/gitkv/internal/store"
)

var errKeyNotFound = errors.New("key not found")

var getCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print the content of a key",
	Long: `Print the content of a key. With --format json the versions and metadata
are printed along with the base64 encoded content.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := cmd.Flags().GetString("format")
		if err != nil {
			return fmt.Errorf("failed to get format flag: %w", err)
		}
		return withApp(cmd, func(ctx context.Context, a *kv.App) error {
			return runGet(ctx, cmd.OutOrStdout(), a.Storage(), viper.GetString("ref"), args[0], format)
		})
	},
}

func init() {
	getCmd.Flags().String("format", "", "Output format (json)")
}

// getResult is the json form of a read entry
type getResult struct {
	Key         string          `json:"key"`
	Ref         string          `json:"ref"`
	Version     string          `json:"version,omitempty"`
	MetaVersion string          `json:"metaVersion"`
	MetaData    *store.MetaData `json:"metadata"`
	Size        int64           `json:"size"`
	Content     []byte          `json:"content,omitempty"`
}

func runGet(ctx context.Context, out io.Writer, storage *store.Storage, ref, key, format string) error {
	ref = store.NormalizeRef(ref, storage.DefaultRef())
	info, err := storage.Read(ctx, key, ref)
	if err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("%w: %s in %s", errKeyNotFound, key, ref)
	}

	if format != "json" {
		if info.IsDirectoryDefault() {
			return fmt.Errorf("%s is a directory default and has no content", key)
		}
		rc, err := info.Content.Open()
		if err != nil {
			return err
		}
		defer rc.Close()
		_, err = io.Copy(out, rc)
		return err
	}

	result := getResult{
		Key:         key,
		Ref:         ref,
		Version:     info.Version,
		MetaVersion: info.MetaVersion,
		MetaData:    info.MetaData,
	}
	if info.IsNormalKey() {
		result.Size = info.Content.Size()
		if result.Content, err = store.ReadAll(info.Content); err != nil {
			return err
		}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
