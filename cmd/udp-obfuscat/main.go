// Package main provides the CLI entry point for the udp-obfuscat relay.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/postalsys/udp-obfuscat/internal/agent"
	"github.com/postalsys/udp-obfuscat/internal/config"
	"github.com/postalsys/udp-obfuscat/internal/filter"
	"github.com/postalsys/udp-obfuscat/internal/wizard"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "udp-obfuscat",
		Short: "udp-obfuscat - UDP obfuscating relay",
		Long: `udp-obfuscat relays UDP datagrams and hides their contents from
passive observers with a reversible XOR transform.

Relays run in pairs with the same key: one next to the application,
one next to the real service. The transform is not encryption.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add subcommands
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(genkeyCmd())
	rootCmd.AddCommand(statsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration interactively",
		Long:  "Run the setup wizard and write a configuration file for one relay of a pair.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("init needs an interactive terminal")
			}
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		logFormat  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay",
		Long:  "Start the relay with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, logLevel, logFormat)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.DNS.Timeout)
			a, err := agent.New(ctx, cfg, nil)
			cancel()
			if err != nil {
				return fmt.Errorf("failed to create relay: %w", err)
			}

			if err := a.Start(); err != nil {
				return fmt.Errorf("failed to start relay: %w", err)
			}

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			signal.Stop(sigCh)

			// Graceful shutdown bounded by the drain timeout
			ctx, cancel = context.WithTimeout(context.Background(), cfg.Relay.DrainTimeout)
			defer cancel()

			if err := a.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("error during shutdown: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./udp-obfuscat.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "Override logging.format (text, json)")

	return cmd
}

// loadConfig reads the configuration and applies command line overrides.
func loadConfig(path, logLevel, logFormat string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if logLevel == "" && logFormat == "" {
		return cfg, nil
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func checkCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration",
		Long:  "Parse and validate the configuration, resolve its addresses, and print it with the key redacted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.DNS.Timeout)
			defer cancel()
			addrs, err := agent.Resolve(ctx, cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprint(out, cfg.String())
			fmt.Fprintln(out)
			fmt.Fprintln(out, "# resolved")
			for i, ap := range addrs.Listen {
				fmt.Fprintf(out, "#   listener %d: %s\n", i, ap)
			}
			fmt.Fprintf(out, "#   remote:     %s\n", addrs.Remote)
			fmt.Fprintln(out, "configuration OK")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./udp-obfuscat.yaml", "Path to configuration file")

	return cmd
}

func genkeyCmd() *cobra.Command {
	var (
		size       int
		passphrase bool
	)

	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate an obfuscation key",
		Long: `Print a base64 key for filters.xor_key.

With --passphrase the key is derived from a passphrase read from the
terminal (or the first line of stdin), so both relays can derive it
independently.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				key []byte
				err error
			)
			if passphrase {
				var secret string
				secret, err = readPassphrase(cmd)
				if err != nil {
					return err
				}
				key, err = filter.DeriveKey(secret, size)
			} else {
				key, err = filter.GenerateKey(size)
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), filter.EncodeKey(key))
			return nil
		},
	}

	cmd.Flags().IntVarP(&size, "size", "s", filter.DefaultKeySize, "Key size in bytes")
	cmd.Flags().BoolVarP(&passphrase, "passphrase", "p", false, "Derive the key from a passphrase")

	return cmd
}

func readPassphrase(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), "Passphrase: ")
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		return string(secret), nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
