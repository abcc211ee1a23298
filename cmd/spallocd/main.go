package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/spinnaker-tools/spalloc-server/internal/alloc"
	"github.com/spinnaker-tools/spalloc-server/internal/auth"
	"github.com/spinnaker-tools/spalloc-server/internal/compat"
	"github.com/spinnaker-tools/spalloc-server/internal/config"
	"github.com/spinnaker-tools/spalloc-server/internal/epoch"
	"github.com/spinnaker-tools/spalloc-server/internal/storage"
	"github.com/spinnaker-tools/spalloc-server/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "spallocd",
		Short:   "SpiNNaker board allocation server",
		Version: version.Version,
	}

	rootCmd.AddCommand(
		serveCmd(),
		machineCmd(),
		tokenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves the configuration from --config, the working
// directory, or built-in defaults, then applies env overrides.
func loadConfig(cmd *cobra.Command, log *slog.Logger) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		var name string
		cfg, name, err = config.Load(".")
		if err == config.ErrNoConfig {
			cfg = config.Default()
		} else if err != nil {
			return nil, err
		} else {
			log.Info("loaded configuration", "file", name)
		}
	}

	// Env vars override file values.
	if v := os.Getenv("SPALLOC_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("SPALLOC_PORT: %w", err)
		}
		cfg.Compat.Port = port
	}
	if v := os.Getenv("SPALLOC_HOST"); v != "" {
		cfg.Compat.Host = v
	}
	if v := os.Getenv("SPALLOC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("SPALLOC_SECRET_KEY"); v != "" {
		cfg.Auth.Secret = v
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the allocation server",
		RunE:  runServe,
	}
	cmd.Flags().String("config", "", "Path to a spalloc.{yaml,toml,json} file")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	cfg, err := loadConfig(cmd, log)
	if err != nil {
		return err
	}
	if !cfg.Compat.Enable {
		return fmt.Errorf("compat.enable is false; nothing to serve")
	}

	epochs := epoch.NewTracker()

	// Without a secret the allocator runs open; fine on a trusted
	// network, warned about everywhere else.
	var (
		tokens    *auth.Service
		principal = alloc.Principal{Name: cfg.Compat.ServiceUser}
	)
	if cfg.Auth.Secret != "" {
		tokens, err = auth.New(cfg.Auth.Secret)
		if err != nil {
			return err
		}
		token, err := tokens.Mint(cfg.Compat.ServiceUser, 0)
		if err != nil {
			return err
		}
		principal.Token = token
		log.Info("service capability minted",
			"principal", cfg.Compat.ServiceUser, "token", auth.Fingerprint(token))
	} else {
		log.Warn("auth.secret not set; capability checks disabled")
	}

	log.Info("opening allocator database", "path", cfg.Database.Path)
	allocator, err := storage.NewSQLite(cfg.Database.Path, epochs, tokens, log)
	if err != nil {
		return err
	}
	defer allocator.Close()

	allocator.StartReaper(cfg.Keepalive.CheckInterval.Duration())

	svc := compat.New(cfg.Compat, allocator, epochs, principal, log)
	if err := svc.Start(); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Info("shutting down", "signal", sig.String())

	return svc.Stop()
}

func machineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "machine",
		Short: "Manage machines",
	}
	cmd.AddCommand(machineAddCmd())
	return cmd
}

func machineAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a machine and generate its board grid",
		RunE:  runMachineAdd,
	}
	cmd.Flags().String("config", "", "Path to a spalloc.{yaml,toml,json} file")
	cmd.Flags().String("name", "", "Machine name (required)")
	cmd.Flags().Int("width", 1, "Width in triads")
	cmd.Flags().Int("height", 1, "Height in triads")
	cmd.Flags().StringSlice("tags", []string{"default"}, "Machine tags")
	cmd.Flags().String("ip-prefix", "", "First two octets of the board network, e.g. 10.2")
	cmd.MarkFlagRequired("name")
	return cmd
}

func runMachineAdd(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	cfg, err := loadConfig(cmd, log)
	if err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("name")
	width, _ := cmd.Flags().GetInt("width")
	height, _ := cmd.Flags().GetInt("height")
	tags, _ := cmd.Flags().GetStringSlice("tags")
	ipPrefix, _ := cmd.Flags().GetString("ip-prefix")

	epochs := epoch.NewTracker()
	allocator, err := storage.NewSQLite(cfg.Database.Path, epochs, nil, log)
	if err != nil {
		return err
	}
	defer allocator.Close()

	err = allocator.AddMachine(context.Background(), storage.MachineDef{
		Name:     name,
		Width:    width,
		Height:   height,
		Tags:     tags,
		IPPrefix: ipPrefix,
	})
	if err != nil {
		return err
	}
	fmt.Printf("machine %s registered (%dx%d triads)\n", name, width, height)
	return nil
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a service capability token",
		RunE:  runToken,
	}
	cmd.Flags().String("principal", "spalloc-service", "Principal name to embed")
	cmd.Flags().Duration("ttl", 0, "Token lifetime; 0 means no expiry")
	return cmd
}

func runToken(cmd *cobra.Command, args []string) error {
	principal, _ := cmd.Flags().GetString("principal")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	secret := os.Getenv("SPALLOC_SECRET_KEY")
	if secret == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("SPALLOC_SECRET_KEY not set and stdin is not a terminal")
		}
		fmt.Fprint(os.Stderr, "Signing secret: ")
		line, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		secret = strings.TrimSpace(string(line))
	}

	tokens, err := auth.New(secret)
	if err != nil {
		return err
	}
	token, err := tokens.Mint(principal, ttl)
	if err != nil {
		return err
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "fingerprint: %s\n", auth.Fingerprint(token))
	if ttl > 0 {
		fmt.Fprintf(os.Stderr, "expires: %s\n", time.Now().Add(ttl).Format(time.RFC3339))
	}
	return nil
}
