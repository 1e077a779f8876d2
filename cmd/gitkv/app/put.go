package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	kv "github.com/stacklok/gitkv/internal/app"
	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/store"
)

const (
	putMaxTries       = 5
	putMaxElapsedTime = 10 * time.Second
)

var putCmd = &cobra.Command{
	Use:   "put KEY FILE",
	Short: "Write the content of a key",
	Long: `Write FILE (or standard input when FILE is -) as the content of KEY.

With --version the existing key is modified only if its content version still
matches. Without --version the key is created, with the metadata read from
--metadata or empty metadata. Writes that lose a race for the key lock are
retried with exponential backoff.`,
	Args: cobra.ExactArgs(2),
	RunE: runPutCmd,
}

func init() {
	putCmd.Flags().String("version", "", "Expected content version of the key being modified")
	putCmd.Flags().String("metadata", "", "Metadata file for a new key")
	putCmd.Flags().String("author", "", "Author name recorded in the commit")
	putCmd.Flags().String("email", "", "Author email recorded in the commit")
	putCmd.Flags().StringP("message", "m", "", "Commit message")
}

// putRequest describes one write
type putRequest struct {
	Ref      string
	Key      string
	Version  string
	Data     []byte
	MetaData *store.MetaData
	Commit   git.CommitInfo
}

func runPutCmd(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	version, _ := flags.GetString("version")
	metadataPath, _ := flags.GetString("metadata")
	author, _ := flags.GetString("author")
	email, _ := flags.GetString("email")
	message, _ := flags.GetString("message")

	data, err := readInput(cmd.InOrStdin(), args[1])
	if err != nil {
		return err
	}

	req := putRequest{
		Ref:     viper.GetString("ref"),
		Key:     args[0],
		Version: version,
		Data:    data,
		Commit:  git.CommitInfo{UserName: author, UserMail: email, Message: message},
	}
	if version == "" {
		req.MetaData = &store.MetaData{}
		if metadataPath != "" {
			if req.MetaData, err = readMetaData(metadataPath); err != nil {
				return err
			}
		}
	} else if metadataPath != "" {
		return fmt.Errorf("--metadata only applies to new keys")
	}

	return withApp(cmd, func(ctx context.Context, a *kv.App) error {
		newVersion, err := runPut(ctx, a.Storage(), req)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), newVersion)
		return err
	})
}

// runPut modifies or creates the key and returns its new content version.
// Lock contention is retried; every other failure is returned as is.
func runPut(ctx context.Context, storage *store.Storage, req putRequest, opts ...backoff.RetryOption) (string, error) {
	ref := store.NormalizeRef(req.Ref, storage.DefaultRef())
	attempt := 0
	operation := func() (string, error) {
		attempt++
		var (
			version string
			err     error
		)
		if req.Version != "" {
			version, err = storage.ModifyKey(ctx, req.Key, ref, req.Data, req.Version, req.Commit)
		} else {
			version, _, err = storage.AddKey(ctx, req.Key, ref, req.Data, req.MetaData, req.Commit)
		}
		if errors.Is(err, store.ErrFailedToLock) {
			slog.Debug("Key is locked, retrying", "ref", ref, "key", req.Key, "attempt", attempt)
			return "", err
		}
		if err != nil {
			return "", backoff.Permanent(err)
		}
		return version, nil
	}

	retryOpts := append([]backoff.RetryOption{
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(putMaxTries),
		backoff.WithMaxElapsedTime(putMaxElapsedTime),
	}, opts...)
	return backoff.Retry(ctx, operation, retryOpts...)
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read standard input: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func readMetaData(path string) (*store.MetaData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata file: %w", err)
	}
	defer f.Close()
	md, err := store.ParseMetaData(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return md, nil
}
