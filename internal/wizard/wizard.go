// Package wizard provides the interactive setup and pairing flows for
// Tether.
package wizard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/coinstash/tether/internal/config"
	"github.com/coinstash/tether/internal/identity"
	"github.com/coinstash/tether/internal/keystore"
	"github.com/coinstash/tether/internal/pairing"
)

var (
	bannerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	successStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	detailStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))
)

// SetupResult contains the setup wizard output.
type SetupResult struct {
	Config     *config.Config
	ConfigPath string
	DeviceID   identity.DeviceID
}

// Wizard manages the interactive flows.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// RunSetup executes the interactive first-run setup: paths, relay and
// server endpoints, optional servers, then writes the config file and
// initializes the device identity.
func (w *Wizard) RunSetup() (*SetupResult, error) {
	w.printBanner()

	dataDir := "./data"
	configPath := "./tether.yaml"
	relayEndpoint := "wss://relay.tether.dev/channel"
	serverURL := "https://api.tether.dev"
	authToken := ""
	logLevel := "info"
	healthEnabled := false
	controlEnabled := true

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure where Tether keeps its state."),

			huh.NewInput().
				Title("Data Directory").
				Description("Where to store device identity, keys, and the offline queue").
				Placeholder("./data").
				Value(&dataDir).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("data directory is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./tether.yaml").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),
		),

		huh.NewGroup(
			huh.NewNote().
				Title("Connectivity").
				Description("The relay channel carries live traffic;\nthe server stores keys and session rows."),

			huh.NewInput().
				Title("Relay Endpoint").
				Placeholder("wss://relay.tether.dev/channel").
				Value(&relayEndpoint).
				Validate(func(s string) error {
					if !strings.HasPrefix(s, "ws://") && !strings.HasPrefix(s, "wss://") {
						return fmt.Errorf("endpoint must be a ws:// or wss:// URL")
					}
					return nil
				}),

			huh.NewInput().
				Title("Server URL").
				Placeholder("https://api.tether.dev").
				Value(&serverURL).
				Validate(func(s string) error {
					if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
						return fmt.Errorf("server URL must be an http(s) URL")
					}
					return nil
				}),

			huh.NewInput().
				Title("Auth Token").
				Description("Account token; leave empty to set via TETHER_AUTH_TOKEN").
				EchoMode(huh.EchoModePassword).
				Value(&authToken),
		),

		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options"),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error", "error"),
				).
				Value(&logLevel),

			huh.NewConfirm().
				Title("Enable health/metrics endpoint?").
				Value(&healthEnabled),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Required for the status and queue subcommands").
				Value(&controlEnabled),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return nil, err
	}

	cfg := config.Default()
	cfg.Host.DataDir = dataDir
	cfg.Host.LogLevel = logLevel
	cfg.Relay.Endpoint = relayEndpoint
	cfg.Server.BaseURL = serverURL
	cfg.Server.AuthToken = authToken
	cfg.Queue.Path = filepath.Join(dataDir, "queue.db")
	cfg.Health.Enabled = healthEnabled
	cfg.Control.Enabled = controlEnabled
	cfg.Control.SocketPath = filepath.Join(dataDir, "control.sock")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	deviceID, created, err := identity.LoadOrCreate(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize device identity: %w", err)
	}

	if err := w.WriteConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSetupSummary(deviceID, created, configPath)

	return &SetupResult{
		Config:     cfg,
		ConfigPath: configPath,
		DeviceID:   deviceID,
	}, nil
}

// RunPair prompts for a trust token and a confirmation. The token
// itself is validated by the pairing pipeline, not here; the wizard
// only rejects obviously empty input.
func (w *Wizard) RunPair() (string, error) {
	w.printBanner()

	token := ""
	confirmed := false

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Pair with your phone").
				Description("Open the mobile app, choose \"Link a computer\",\nand paste the code shown under the QR."),

			huh.NewText().
				Title("Trust Token").
				Placeholder("paste the pairing code here").
				Value(&token).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("token is required")
					}
					return nil
				}),

			huh.NewConfirm().
				Title("Pair this computer?").
				Affirmative("Pair").
				Negative("Cancel").
				Value(&confirmed),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return "", err
	}
	if !confirmed {
		return "", fmt.Errorf("pairing cancelled")
	}

	return strings.TrimSpace(token), nil
}

// RenderPairSuccess prints the post-pairing summary.
func (w *Wizard) RenderPairSuccess(rec *keystore.PairingRecord) {
	name := rec.RemoteDeviceName
	if name == "" {
		name = rec.RemoteMachineID
	}

	fmt.Println(successStyle.Render("\n✓ Paired with " + name))
	fmt.Println(detailStyle.Render("  device:  " + rec.RemoteMachineID))
	fmt.Println(detailStyle.Render("  account: " + rec.LocalUserID))
	fmt.Println(detailStyle.Render("  paired:  " + rec.PairedAt.Format("2006-01-02 15:04:05")))
	fmt.Println()
}

// RenderPairError prints a pairing failure with its code when the
// error carries one.
func (w *Wizard) RenderPairError(err error) {
	msg := err.Error()
	if perr, ok := asPairingError(err); ok {
		msg = fmt.Sprintf("%s (%s)", perr.Message, perr.Code)
	}
	fmt.Println(errorStyle.Render("\n✗ Pairing failed: " + msg))
	fmt.Println()
}

func (w *Wizard) printBanner() {
	banner := bannerStyle.Render(`
  _____    _   _
 |_   _|__| |_| |__   ___ _ __
   | |/ _ \ __| '_ \ / _ \ '__|
   | |  __/ |_| | | |  __/ |
   |_|\___|\__|_| |_|\___|_|
`)
	fmt.Println(banner)
	fmt.Println(subtitleStyle.Render("  Your terminal agent, in your pocket\n"))
}

func (w *Wizard) printSetupSummary(deviceID identity.DeviceID, created bool, configPath string) {
	fmt.Println(successStyle.Render("\n✓ Setup complete"))
	if created {
		fmt.Println(detailStyle.Render("  device id: " + deviceID.String() + " (new)"))
	} else {
		fmt.Println(detailStyle.Render("  device id: " + deviceID.String()))
	}
	fmt.Println(detailStyle.Render("  config:    " + configPath))
	fmt.Println(detailStyle.Render("\n  Next: run `tether pair` to link your phone."))
	fmt.Println()
}

// WriteConfig serializes a configuration to disk with restrictive
// permissions.
func (w *Wizard) WriteConfig(cfg *config.Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func asPairingError(err error) (*pairing.Error, bool) {
	var perr *pairing.Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}
