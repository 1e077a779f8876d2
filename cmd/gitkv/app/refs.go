package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	kv "github.com/stacklok/gitkv/internal/app"
	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/versions"
)

var refsCmd = &cobra.Command{
	Use:   "refs",
	Short: "List branches and tags",
	Long:  `List branches in name order followed by tags, newest version first.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(_ context.Context, a *kv.App) error {
			return runRefs(cmd.OutOrStdout(), a.Repository())
		}, kv.WithoutStartupChecks())
	},
}

func runRefs(out io.Writer, repo *git.Repository) error {
	names, err := repo.References()
	if err != nil {
		return err
	}

	var branches, tags []string
	for _, name := range names {
		if strings.HasPrefix(name, "refs/tags/") {
			tags = append(tags, name)
		} else {
			branches = append(branches, name)
		}
	}
	versions.SortTags(tags)

	for _, name := range append(branches, tags...) {
		if _, err := fmt.Fprintln(out, name); err != nil {
			return err
		}
	}
	return nil
}
