package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/aeolun/notcord/pkg/database"
	"github.com/aeolun/notcord/pkg/protocol"
	"github.com/aeolun/notcord/pkg/server"
)

// newTable returns a borderless table in the style of the other admin output
func newTable(out io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func channelsCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List, create and delete channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backends, _, err := openStores(load)
			if err != nil {
				return err
			}
			defer backends.Close()

			channels, err := backends.Store.ListChannels()
			if err != nil {
				return err
			}
			table := newTable(cmd.OutOrStdout(), "Name", "Description", "Created")
			for _, ch := range channels {
				table.Append([]string{ch.Name, ch.Description, formatMillis(ch.CreatedAt)})
			}
			table.Render()
			return nil
		},
	}

	var description string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backends, cfg, err := openStores(load)
			if err != nil {
				return err
			}
			defer backends.Close()

			dir, err := server.NewChannelDirectory(backends.Store, cfg.ToServerConfig().DefaultChannel)
			if err != nil {
				return err
			}
			ch, err := dir.Create(args[0], description)
			if err != nil {
				return fmt.Errorf("create %q: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created channel %s\n", ch.Name)
			return nil
		},
	}
	create.Flags().StringVarP(&description, "description", "d", "", "Channel description")

	del := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a channel and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backends, cfg, err := openStores(load)
			if err != nil {
				return err
			}
			defer backends.Close()

			dir, err := server.NewChannelDirectory(backends.Store, cfg.ToServerConfig().DefaultChannel)
			if err != nil {
				return err
			}
			switch name := args[0]; {
			case name == dir.Default():
				return fmt.Errorf("delete %q: %w", name, server.ErrProtectedChannel)
			case !dir.Exists(name):
				return fmt.Errorf("delete %q: %w", name, server.ErrUnknownChannel)
			}

			// Messages go first, the SQLite cascade would hide the count
			n, err := backends.Messages.DeleteMessages(args[0])
			if err != nil {
				return fmt.Errorf("delete messages of %q: %w", args[0], err)
			}
			if err := dir.Delete(args[0]); err != nil {
				return fmt.Errorf("delete %q: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted channel %s (%d messages)\n", args[0], n)
			return nil
		},
	}

	cmd.AddCommand(create, del)
	return cmd
}

func usersCmd(load configLoader) *cobra.Command {
	var onlyAdmins, onlyRestricted bool

	cmd := &cobra.Command{
		Use:   "users",
		Short: "List known users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backends, _, err := openStores(load)
			if err != nil {
				return err
			}
			defer backends.Close()

			users, err := backends.Store.ListUsers()
			if err != nil {
				return err
			}
			users = lo.Filter(users, func(u *database.User, _ int) bool {
				if onlyAdmins && !u.IsAdmin() {
					return false
				}
				return !onlyRestricted || u.Banned || u.Muted
			})

			table := newTable(cmd.OutOrStdout(), "Username", "Tag", "Role", "Password", "Banned", "Muted", "Created")
			for _, u := range users {
				table.Append([]string{
					u.Username,
					fmt.Sprintf("%04d", u.Tag),
					u.Role,
					yesNo(u.PasswordHash != ""),
					yesNo(u.Banned),
					yesNo(u.Muted),
					formatMillis(u.CreatedAt),
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&onlyAdmins, "admins", false, "Only list admins")
	cmd.Flags().BoolVar(&onlyRestricted, "restricted", false, "Only list banned or muted users")
	return cmd
}

func historyCmd(load configLoader) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history CHANNEL",
		Short: "Print the most recent messages of a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backends, _, err := openStores(load)
			if err != nil {
				return err
			}
			defer backends.Close()

			msgs, err := backends.Messages.RecentMessages(args[0], limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintf(out, "No messages in %s\n", args[0])
				return nil
			}
			for _, m := range msgs {
				line := m.Content
				if m.ImageRef != "" {
					line = strings.TrimSpace(line + " [image " + m.ImageRef + "]")
				}
				fmt.Fprintf(out, "%s  %s#%04d: %s\n", formatMillis(m.CreatedAt), m.Author, m.AuthorTag, line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of messages")
	return cmd
}

func auditCmd(load configLoader) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the moderation audit log, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backends, _, err := openStores(load)
			if err != nil {
				return err
			}
			defer backends.Close()

			actions, err := backends.Store.ListAdminActions(limit)
			if err != nil {
				return err
			}
			table := newTable(cmd.OutOrStdout(), "When", "Admin", "Action", "Target", "Details")
			for _, a := range actions {
				table.Append([]string{formatMillis(a.PerformedAt), a.Admin, a.Action, a.Target, a.Details})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of entries")
	return cmd
}

// readPassword takes the first line of in
func readPassword(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func passwdCmd(load configLoader) *cobra.Command {
	var password string
	var clearPassword bool

	cmd := &cobra.Command{
		Use:   "passwd USERNAME",
		Short: "Set or clear a user's password",
		Long: `Set a user's password. Without --password the new password is read
from the first line of standard input. --clear removes the password so the
next login may set a new one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backends, _, err := openStores(load)
			if err != nil {
				return err
			}
			defer backends.Close()

			username := args[0]
			if _, err := backends.Store.GetUser(username); err != nil {
				return fmt.Errorf("user %q: %w", username, err)
			}

			if clearPassword {
				if err := backends.Store.SetPasswordHash(username, ""); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared password of %s\n", username)
				return nil
			}

			if !cmd.Flags().Changed("password") {
				fmt.Fprintf(cmd.ErrOrStderr(), "New password for %s: ", username)
				if password, err = readPassword(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			if password == "" {
				return errors.New("empty password, use --clear to remove one")
			}
			if len(password) > protocol.MaxPasswordBytes {
				return fmt.Errorf("password longer than %d bytes", protocol.MaxPasswordBytes)
			}

			users := server.NewUserDirectory(backends.Store)
			if err := users.SetPassword(username, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Password of %s updated\n", username)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "New password (prefer standard input)")
	cmd.Flags().BoolVar(&clearPassword, "clear", false, "Remove the password")
	return cmd
}

func roleCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:       "role USERNAME [admin|user]",
		Short:     "Show or change a user's role",
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: []string{database.RoleAdmin, database.RoleUser},
		RunE: func(cmd *cobra.Command, args []string) error {
			backends, _, err := openStores(load)
			if err != nil {
				return err
			}
			defer backends.Close()

			users := server.NewUserDirectory(backends.Store)
			username := args[0]
			u, err := users.Get(username)
			if err != nil {
				return fmt.Errorf("user %q: %w", username, err)
			}

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				fmt.Fprintf(out, "%s#%04d is %s\n", u.Username, u.Tag, u.Role)
				return nil
			}

			role := args[1]
			if role != database.RoleAdmin && role != database.RoleUser {
				return fmt.Errorf("unknown role %q (want %s or %s)", role, database.RoleAdmin, database.RoleUser)
			}
			if err := users.SetRole(username, role); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s is now %s\n", username, role)
			return nil
		},
	}
}
