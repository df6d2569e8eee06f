package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aeolun/notcord/pkg/server"
)

func serveCmd(load configLoader) *cobra.Command {
	var (
		debug    bool
		tcpPort  int
		sshPort  int
		httpPort int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Long: `Run the chat server until SIGINT or SIGTERM.

A default config file is written on first run. Every setting can be
overridden with NOTCORD_<SECTION>_<KEY> environment variables, for example
NOTCORD_SERVER_TCP_PORT=7000.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := server.GetServerDataDir()
			if err != nil {
				return err
			}
			if err := server.InitLoggers(dataDir); err != nil {
				return fmt.Errorf("failed to initialize loggers: %w", err)
			}
			if debug {
				server.EnableDebugLogging(dataDir)
			}

			tomlConfig, err := load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			// Flags win over file and environment
			flags := cmd.Flags()
			if flags.Changed("port") {
				tomlConfig.Server.TCPPort = tcpPort
			}
			if flags.Changed("ssh-port") {
				tomlConfig.Server.SSHPort = sshPort
			}
			if flags.Changed("http-port") {
				tomlConfig.Server.HTTPPort = httpPort
			}
			config := tomlConfig.ToServerConfig()

			backends, err := server.OpenBackends(&tomlConfig)
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}

			srv, err := server.NewServer(config, backends)
			if err != nil {
				backends.Close()
				return fmt.Errorf("failed to create server: %w", err)
			}

			log.Printf("notcord %s starting (logs in %s)", version, dataDir)
			log.Printf("Channels: %v", srv.Channels())
			if err := srv.Start(); err != nil {
				srv.Stop()
				return fmt.Errorf("failed to start server: %w", err)
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigChan
			log.Printf("Received %s, shutting down", sig)

			if err := srv.Stop(); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			log.Println("Server stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "Write debug.log in the data directory")
	cmd.Flags().IntVarP(&tcpPort, "port", "p", 0, "TCP port (overrides config)")
	cmd.Flags().IntVar(&sshPort, "ssh-port", 0, "SSH port, 0 disables (overrides config)")
	cmd.Flags().IntVar(&httpPort, "http-port", 0, "HTTP/WebSocket port, 0 disables (overrides config)")
	return cmd
}
