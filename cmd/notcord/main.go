// Command notcord runs the chat server and offers offline administration of
// its stores.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aeolun/notcord/pkg/server"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

const defaultConfigPath = "~/.notcord/config.toml"

func main() {
	// A .env next to the binary is optional
	_ = godotenv.Load()

	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree writing human output to out
func newRootCmd(out io.Writer) *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "notcord",
		Short: "A small multi-transport chat server",
		Long: `notcord serves chat over raw TCP, SSH and WebSocket.

Without a subcommand it runs the server. The admin subcommands open the
configured stores directly; changes made while a server is running are
picked up after its next restart.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the config file")

	load := func() (server.TOMLConfig, error) {
		return server.LoadConfig(configPath)
	}

	serve := serveCmd(load)
	rootCmd.RunE = serve.RunE
	rootCmd.Flags().AddFlagSet(serve.Flags())

	rootCmd.AddCommand(
		serve,
		channelsCmd(load),
		usersCmd(load),
		historyCmd(load),
		auditCmd(load),
		passwdCmd(load),
		roleCmd(load),
	)
	return rootCmd
}

// configLoader returns the effective configuration, file plus environment
type configLoader func() (server.TOMLConfig, error)

// openStores loads the config and opens its backends for an admin command
func openStores(load configLoader) (*server.Backends, server.TOMLConfig, error) {
	cfg, err := load()
	if err != nil {
		return nil, cfg, fmt.Errorf("failed to load config: %w", err)
	}
	backends, err := server.OpenBackends(&cfg)
	if err != nil {
		return nil, cfg, fmt.Errorf("failed to open storage: %w", err)
	}
	return backends, cfg, nil
}
