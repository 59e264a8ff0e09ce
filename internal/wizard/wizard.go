// Package wizard provides an interactive setup wizard for udp-obfuscat.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/postalsys/udp-obfuscat/internal/config"
	"github.com/postalsys/udp-obfuscat/internal/filter"
	"gopkg.in/yaml.v3"
)

// Roles of a relay instance. Both run the same code; the role only picks
// sensible defaults.
const (
	RoleClient = "client"
	RoleServer = "server"
)

// Key sources.
const (
	KeyGenerate   = "generate"
	KeyPaste      = "paste"
	KeyPassphrase = "passphrase"
)

// Answers holds everything the wizard asks for.
type Answers struct {
	ConfigPath    string
	Role          string
	ListenAddrs   string // comma separated
	RemoteAddr    string
	KeySource     string
	KeyInput      string // pasted key or passphrase
	HeadLen       string // empty means whole datagram
	LogLevel      string
	HealthEnabled bool
	User          string
}

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := Answers{
		ConfigPath: "./udp-obfuscat.yaml",
		Role:       RoleClient,
		KeySource:  KeyGenerate,
		LogLevel:   "info",
	}

	// Step 1: Basic setup
	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}

	// Step 2: Addresses
	if err := w.askNetworkConfig(&a); err != nil {
		return nil, err
	}

	// Step 3: Key and transform scope
	if err := w.askFilterConfig(&a); err != nil {
		return nil, err
	}

	// Step 4: Advanced options
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg, err := BuildConfig(a)
	if err != nil {
		return nil, err
	}

	if err := writeConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
            _                  _       __                     _
  _   _  __| |_ __        ___ | |__   / _|_   _ ___  ___ __ _| |_
 | | | |/ _' | '_ \ _____/ _ \| '_ \ | |_| | | / __|/ __/ _' | __|
 | |_| | (_| | |_) |_____| (_) | |_) ||  _| |_| \__ \ (_| (_| | |_
  \__,_|\__,_| .__/       \___/|_.__/ |_|  \__,_|___/\___\__,_|\__|
             |_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  UDP Obfuscating Relay - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Relays run in pairs with the same key.\nThe client side sits next to the application, the server side next to the real service."),

			huh.NewSelect[string]().
				Title("Role").
				Options(
					huh.NewOption("Client (near the application)", RoleClient),
					huh.NewOption("Server (near the upstream service)", RoleServer),
				).
				Value(&a.Role),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./udp-obfuscat.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askNetworkConfig(a *Answers) error {
	listenHint, remoteHint := "127.0.0.1:5000", "relay.example.net:6000"
	if a.Role == RoleServer {
		listenHint, remoteHint = "0.0.0.0:6000", "127.0.0.1:51820"
	}
	if a.ListenAddrs == "" {
		a.ListenAddrs = listenHint
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Network Configuration").
				Description("Where this relay listens and where it forwards to."),

			huh.NewInput().
				Title("Listen Addresses").
				Description("host:port, comma separated. Use [::]:port for IPv6").
				Placeholder(listenHint).
				Value(&a.ListenAddrs).
				Validate(func(s string) error {
					_, err := splitAddrs(s)
					return err
				}),

			huh.NewInput().
				Title("Remote Address").
				Description("host:port of the peer relay or upstream service").
				Placeholder(remoteHint).
				Value(&a.RemoteAddr).
				Validate(validateHostPort),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askFilterConfig(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Obfuscation Key").
				Description("Both relays of a pair need the same key."),

			huh.NewSelect[string]().
				Title("Key Source").
				Options(
					huh.NewOption("Generate a new random key", KeyGenerate),
					huh.NewOption("Paste the base64 key of the other relay", KeyPaste),
					huh.NewOption("Derive from a shared passphrase", KeyPassphrase),
				).
				Value(&a.KeySource),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	switch a.KeySource {
	case KeyPaste:
		keyForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Key").
					Description("Base64 key from the other relay's xor_key").
					Value(&a.KeyInput).
					Validate(func(s string) error {
						_, err := filter.DecodeKey(s)
						return err
					}),
			),
		).WithTheme(w.theme)
		if err := keyForm.Run(); err != nil {
			return err
		}

	case KeyPassphrase:
		keyForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Passphrase").
					Description("Enter the same passphrase on both relays").
					EchoMode(huh.EchoModePassword).
					Value(&a.KeyInput).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("passphrase is required")
						}
						return nil
					}),
			),
		).WithTheme(w.theme)
		if err := keyForm.Run(); err != nil {
			return err
		}
	}

	headForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Transform Prefix Length").
				Description("Only obfuscate the first N bytes of each datagram. Leave empty for whole datagrams").
				Value(&a.HeadLen).
				Validate(func(s string) error {
					_, err := parseHeadLen(s)
					return err
				}),
		),
	).WithTheme(w.theme)

	return headForm.Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring, logging, and privileges."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose, logs every flow)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /flows, /metrics)").
				Value(&a.HealthEnabled),

			huh.NewInput().
				Title("Run As User").
				Description("Drop root privileges to this user after binding. Leave empty to keep the current user").
				Value(&a.User),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// BuildConfig turns wizard answers into a validated configuration.
func BuildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	addrs, err := splitAddrs(a.ListenAddrs)
	if err != nil {
		return nil, err
	}
	cfg.Listener.Addresses = addrs
	cfg.Remote.Address = strings.TrimSpace(a.RemoteAddr)

	key, err := MakeKey(a.KeySource, a.KeyInput)
	if err != nil {
		return nil, err
	}
	cfg.Filters.XorKey = key

	head, err := parseHeadLen(a.HeadLen)
	if err != nil {
		return nil, err
	}
	cfg.Filters.HeadLen = head

	if a.LogLevel != "" {
		cfg.Logging.Level = a.LogLevel
	}
	cfg.Health.Enabled = a.HealthEnabled
	cfg.General.User = strings.TrimSpace(a.User)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MakeKey returns the base64 key for the chosen source.
func MakeKey(source, input string) (string, error) {
	var (
		key []byte
		err error
	)
	switch source {
	case KeyGenerate, "":
		key, err = filter.GenerateKey(filter.DefaultKeySize)
	case KeyPaste:
		key, err = filter.DecodeKey(input)
	case KeyPassphrase:
		key, err = filter.DeriveKey(input, filter.DefaultKeySize)
	default:
		return "", fmt.Errorf("unknown key source %q", source)
	}
	if err != nil {
		return "", err
	}
	return filter.EncodeKey(key), nil
}

func writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# udp-obfuscat configuration
# Generated by setup wizard
# The peer relay must use the same filters section.

`
	// The file holds the key.
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(a Answers, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Role:         %s\n", a.Role)
	fmt.Printf("  Config file:  %s\n", a.ConfigPath)
	fmt.Printf("  Listen:       %s\n", strings.Join(cfg.Listener.Addresses, ", "))
	fmt.Printf("  Remote:       %s\n", cfg.Remote.Address)
	if cfg.Filters.HeadLen != nil {
		fmt.Printf("  Prefix:       first %d bytes\n", *cfg.Filters.HeadLen)
	}
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}
	fmt.Println()

	if a.KeySource == KeyGenerate {
		fmt.Println("  Copy this key into the other relay's filters.xor_key:")
		fmt.Printf("    %s\n", cfg.Filters.XorKey)
		fmt.Println()
	}

	fmt.Println("  To start the relay:")
	fmt.Printf("    udp-obfuscat run -c %s\n", a.ConfigPath)
	fmt.Println()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateHostPort(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("address is required")
	}
	_, port, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil || port == "" {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return nil
}

// splitAddrs parses a comma separated address list.
func splitAddrs(s string) ([]string, error) {
	var addrs []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if err := validateHostPort(part); err != nil {
			return nil, fmt.Errorf("%s: %w", part, err)
		}
		addrs = append(addrs, part)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("at least one listen address is required")
	}
	return addrs, nil
}

func parseHeadLen(s string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("prefix length must be a non-negative number")
	}
	return &n, nil
}
