package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	kv "github.com/stacklok/gitkv/internal/app"
	"github.com/stacklok/gitkv/internal/store"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage stored credentials",
	Long:  `Manage credential records stored under .users/REALM/NAME. Use with 'add', 'get' or 'delete'.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

var usersAddCmd = &cobra.Command{
	Use:   "add REALM/NAME",
	Short: "Create a credential record",
	Long: `Create a credential record. The password is read from the terminal, or
from standard input when it is not a terminal, and only its hash is stored.`,
	Args: cobra.ExactArgs(1),
	RunE: runUsersAdd,
}

var usersGetCmd = &cobra.Command{
	Use:   "get REALM/NAME",
	Short: "Print a credential record without its password hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *kv.App) error {
			return runUsersGet(ctx, cmd.OutOrStdout(), a.Storage(), viper.GetString("ref"), args[0])
		})
	},
}

var usersDeleteCmd = &cobra.Command{
	Use:   "delete REALM/NAME",
	Short: "Remove a credential record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		author, _ := cmd.Flags().GetString("author")
		return withApp(cmd, func(ctx context.Context, a *kv.App) error {
			return a.Storage().DeleteUser(ctx, args[0], viper.GetString("ref"), author)
		})
	},
}

func init() {
	usersCmd.PersistentFlags().String("author", "gitkv", "Author name recorded in the commit")
	usersAddCmd.Flags().StringSlice("role", nil, "Role granted to the user (repeatable)")

	usersCmd.AddCommand(usersAddCmd)
	usersCmd.AddCommand(usersGetCmd)
	usersCmd.AddCommand(usersDeleteCmd)
}

// userResult is the printed form of a credential record
type userResult struct {
	Path    string   `json:"path"`
	Version string   `json:"version"`
	Roles   []string `json:"roles"`
}

func runUsersAdd(cmd *cobra.Command, args []string) error {
	roles, err := cmd.Flags().GetStringSlice("role")
	if err != nil {
		return fmt.Errorf("failed to get role flag: %w", err)
	}
	author, _ := cmd.Flags().GetString("author")

	var reader io.Reader
	if term.IsTerminal(int(os.Stdin.Fd())) {
		slog.Info("Reading password from terminal...")
		passwordReader, err := readerFromTerminal()
		if err != nil {
			return err
		}
		reader = passwordReader
	} else {
		reader = cmd.InOrStdin()
	}
	password, err := readPassword(reader)
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *kv.App) error {
		version, err := runUsersAddWith(ctx, a.Storage(), viper.GetString("ref"), args[0], author, password, roles)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), version)
		return err
	})
}

func runUsersAddWith(
	ctx context.Context, storage *store.Storage, ref, userKeyPath, author, password string, roles []string,
) (string, error) {
	user := &store.UserData{BasicPassword: password, Roles: []store.Role{}}
	for _, r := range roles {
		user.Roles = append(user.Roles, store.Role{Role: r})
	}
	return storage.AddUser(ctx, userKeyPath, ref, author, user)
}

func runUsersGet(ctx context.Context, out io.Writer, storage *store.Storage, ref, userKeyPath string) error {
	version, user, err := storage.User(ctx, userKeyPath, ref)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("%w: user %s", errKeyNotFound, userKeyPath)
	}

	result := userResult{Path: userKeyPath, Version: version, Roles: []string{}}
	for _, r := range user.Roles {
		result.Roles = append(result.Roles, r.Role)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func readerFromTerminal() (io.Reader, error) {
	passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return bytes.NewReader(passwordBytes), nil
}

func readPassword(r io.Reader) (string, error) {
	passwordBytes, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimSpace(string(passwordBytes))
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	return password, nil
}
