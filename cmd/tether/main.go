// Tether keeps a terminal coding agent reachable from your phone: it
// bridges agent sessions over an encrypted relay channel and queues
// traffic while the phone is away.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/coinstash/tether/internal/config"
	"github.com/coinstash/tether/internal/control"
	"github.com/coinstash/tether/internal/host"
	"github.com/coinstash/tether/internal/identity"
	"github.com/coinstash/tether/internal/service"
	"github.com/coinstash/tether/internal/sysinfo"
	"github.com/coinstash/tether/internal/wizard"
)

var (
	configPath string

	initDataDir   string
	initRelayURL  string
	initServerURL string

	pairToken string
	pairUser  string

	queueClearFailed bool
)

var rootCmd = &cobra.Command{
	Use:     "tether",
	Short:   "Your terminal agent, in your pocket",
	Long:    "Tether bridges a terminal coding agent and its mobile companion\nover an end-to-end encrypted relay channel.",
	Version: sysinfo.Version,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and device identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		if isInteractive() {
			w := wizard.New()
			_, err := w.RunSetup()
			return err
		}

		// Non-interactive: build the config from flags.
		cfg := config.Default()
		cfg.Host.DataDir = initDataDir
		cfg.Relay.Endpoint = initRelayURL
		cfg.Server.BaseURL = initServerURL
		cfg.Queue.Path = filepath.Join(initDataDir, "queue.db")
		cfg.Control.SocketPath = filepath.Join(initDataDir, "control.sock")
		if err := cfg.Validate(); err != nil {
			return err
		}

		if err := os.MkdirAll(initDataDir, 0700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		deviceID, created, err := identity.LoadOrCreate(initDataDir)
		if err != nil {
			return fmt.Errorf("failed to initialize device identity: %w", err)
		}
		if created {
			fmt.Printf("Created device identity: %s\n", deviceID)
		} else {
			fmt.Printf("Using existing device identity: %s\n", deviceID)
		}

		data, err := os.ReadFile(configPath)
		if err == nil && len(data) > 0 {
			fmt.Printf("Config already exists at %s, leaving it untouched\n", configPath)
			return nil
		}
		if err := writeConfigFile(cfg, configPath); err != nil {
			return err
		}
		fmt.Printf("Wrote config to %s\n", configPath)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Tether daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		h, err := host.New(cfg)
		if err != nil {
			return err
		}

		// Under the Windows service manager the lifecycle is driven by
		// SCM control requests instead of signals.
		if !service.IsInteractive() {
			return service.RunAsService(service.DefaultConfig(configPath).Name, h)
		}

		ctx := context.Background()
		if err := h.Start(ctx); err != nil {
			return err
		}

		fmt.Printf("Tether %s running, device %s\n", sysinfo.Version, h.DeviceID())
		if !h.Paired() {
			fmt.Println("Not paired yet; run `tether pair` to link your phone.")
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return h.Stop(shutdownCtx)
	},
}

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Pair this computer with the mobile app",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		h, err := host.New(cfg)
		if err != nil {
			return err
		}

		token := strings.TrimSpace(pairToken)
		w := wizard.New()
		if token == "" {
			if !isInteractive() {
				return fmt.Errorf("no TTY; pass the trust token via --token")
			}
			token, err = w.RunPair()
			if err != nil {
				return err
			}
		}

		user := pairUser
		if user == "" {
			user = os.Getenv("TETHER_USER_ID")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		rec, err := h.PairingBootstrap(user).Pair(ctx, token)
		if err != nil {
			w.RenderPairError(err)
			return err
		}
		w.RenderPairSuccess(rec)
		return nil
	},
}

var unpairCmd = &cobra.Command{
	Use:   "unpair",
	Short: "Remove the pairing and cached key material",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		h, err := host.New(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := h.PairingBootstrap("").Unpair(ctx); err != nil {
			return err
		}
		fmt.Println("Unpaired.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := controlClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		status, err := client.Status(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Device:   %s\n", status.DeviceID)
		fmt.Printf("Paired:   %v\n", status.Paired)
		fmt.Printf("Relay:    %s\n", status.RelayState)
		fmt.Printf("Sessions: %d\n", status.Sessions)
		if len(status.Peers) == 0 {
			fmt.Println("Peers:    none online")
		} else {
			fmt.Println("Peers:")
			for _, p := range status.Peers {
				desc := p.DeviceType
				if p.Platform != "" {
					desc += "/" + p.Platform
				}
				fmt.Printf("  %s (%s)\n", p.DeviceID, desc)
			}
		}
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show offline queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := controlClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if queueClearFailed {
			resp, err := client.ClearFailed(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Cleared %d failed commands\n", resp.Cleared)
			return nil
		}

		resp, err := client.Queue(ctx)
		if err != nil {
			return err
		}
		stats := resp.Stats

		fmt.Printf("Pending:    %d\n", stats.Pending)
		fmt.Printf("Sending:    %d\n", stats.Sending)
		fmt.Printf("Sent:       %d\n", stats.Sent)
		fmt.Printf("Failed:     %d\n", stats.Failed)
		fmt.Printf("Expired:    %d\n", stats.Expired)
		if stats.OldestPendingAge > 0 {
			fmt.Printf("Oldest:     %s\n",
				humanize.RelTime(time.Now().Add(-stats.OldestPendingAge), time.Now(), "old", ""))
		}
		return nil
	},
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the system service",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and start Tether as a system service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !service.IsSupported() {
			return fmt.Errorf("service installation is not supported on this platform")
		}
		if _, err := config.Load(configPath); err != nil {
			return fmt.Errorf("config must be valid before installing: %w", err)
		}
		cfg := service.DefaultConfig(configPath)
		if err := service.Install(cfg); err != nil {
			return err
		}
		fmt.Printf("Installed and started service %s\n", cfg.Name)
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the system service",
	RunE: func(cmd *cobra.Command, args []string) error {
		name := service.DefaultConfig(configPath).Name
		if err := service.Uninstall(name); err != nil {
			return err
		}
		fmt.Printf("Removed service %s\n", name)
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		name := service.DefaultConfig(configPath).Name
		if !service.IsInstalled(name) {
			fmt.Println("not installed")
			return nil
		}
		status, err := service.Status(name)
		if err != nil {
			return err
		}
		fmt.Println(status)
		return nil
	},
}

// controlClient loads the config only to find the socket path; it does
// not need a valid daemon configuration.
func controlClient() (*control.Client, error) {
	socketPath := control.DefaultServerConfig().SocketPath
	if cfg, err := config.Load(configPath); err == nil && cfg.Control.SocketPath != "" {
		socketPath = cfg.Control.SocketPath
	}
	return control.NewClient(socketPath), nil
}

func writeConfigFile(cfg *config.Config, path string) error {
	w := wizard.New()
	return w.WriteConfig(cfg, path)
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "tether.yaml", "config file path")

	initCmd.Flags().StringVar(&initDataDir, "data-dir", "./data", "data directory")
	initCmd.Flags().StringVar(&initRelayURL, "relay-endpoint", "", "relay channel endpoint (wss://)")
	initCmd.Flags().StringVar(&initServerURL, "server-url", "", "row store base URL (https://)")

	pairCmd.Flags().StringVar(&pairToken, "token", "", "trust token from the mobile app")
	pairCmd.Flags().StringVar(&pairUser, "user", "", "account id (defaults to TETHER_USER_ID)")

	queueCmd.Flags().BoolVar(&queueClearFailed, "clear-failed", false, "remove failed commands from the queue")

	serviceCmd.AddCommand(serviceInstallCmd, serviceUninstallCmd, serviceStatusCmd)
	rootCmd.AddCommand(initCmd, runCmd, pairCmd, unpairCmd, statusCmd, queueCmd, serviceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
