// ABOUTME: Entry point for navivox-gateway, the device admission server for voice clients
// ABOUTME: Subcommands: serve, check, attempts, keygen, health

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/navivox-gateway/internal/allowlist"
	"github.com/2389/navivox-gateway/internal/audit"
	"github.com/2389/navivox-gateway/internal/client"
	"github.com/2389/navivox-gateway/internal/config"
	"github.com/2389/navivox-gateway/internal/gateway"
	"github.com/2389/navivox-gateway/internal/logging"
	"github.com/2389/navivox-gateway/internal/store"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
                   _
 _ __   __ ___   _(_)_   _______  __
| '_ \ / _' \ \ / / \ \ / / _ \ \/ /
| | | | (_| |\ V /| |\ V / (_) >  <
|_| |_|\__,_| \_/ |_| \_/ \___/_/\_\
`

func usage() {
	fmt.Println("Usage: navivox-gateway <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the voice gateway")
	fmt.Println("  check                          Validate config and list allowlisted devices")
	fmt.Println("  attempts [--limit N] [--device ID] [--denied] [--sqlite]")
	fmt.Println("                                 Show recent handshake attempts")
	fmt.Println("  keygen [--out PATH] [--id ID]  Generate a device key")
	fmt.Println("  health                         Check gateway health")
	fmt.Println()
	fmt.Println("The config path is taken from NAVIVOX_CONFIG or ~/.config/navivox/gateway.yaml.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "check":
		err = runCheck()
	case "attempts":
		err = runAttempts(ctx, args)
	case "keygen":
		err = runKeygen(args)
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Setup(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	allow, err := allowlist.New(cfg.Allowlist.Devices, logger.With("component", "allowlist"))
	if err != nil {
		return fmt.Errorf("building allowlist: %w", err)
	}

	fileSink := audit.NewFileSink(audit.Path(cfg.Data.Dir))
	defer fileSink.Close()

	var sink audit.Sink = fileSink
	var dbPath string
	if cfg.Audit.SQLite {
		dbPath = store.Path(cfg.Data.Dir)
		attempts, err := store.NewAttemptStore(dbPath)
		if err != nil {
			return fmt.Errorf("opening attempt store: %w", err)
		}
		defer attempts.Close()
		sink = audit.Tee(fileSink, attempts)
	}
	recorder := audit.NewRecorder(sink, logger.With("component", "audit"))

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	if cfg.Tailscale.Enabled {
		fmt.Printf("Tailscale: ")
		cyan.Printf("%s:%d%s", cfg.Tailscale.Hostname, cfg.Tailscale.Port, cfg.Server.Path)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		fmt.Printf("Listen:    ws://%s%s\n", cfg.Server.Addr, cfg.Server.Path)
	}
	green.Print("    ▶ ")
	fmt.Printf("Devices:   %d\n", allow.Len())
	green.Print("    ▶ ")
	fmt.Printf("Attempts:  %s\n", fileSink.Path())
	if dbPath != "" {
		green.Print("    ▶ ")
		fmt.Printf("SQLite:    %s\n", dbPath)
	}
	if allow.Len() == 0 {
		yellow.Println("    ! no devices allowlisted, every handshake will be denied")
	}
	fmt.Println()

	logger.Info("starting navivox-gateway",
		"config", configPath,
		"addr", cfg.Server.Addr,
		"path", cfg.Server.Path,
		"devices", allow.Len(),
		"handshake_timeout", cfg.Handshake.Timeout,
	)

	gw, err := gateway.New(cfg, allow, recorder, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runCheck() error {
	configPath := config.DefaultPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	allow, err := allowlist.New(cfg.Allowlist.Devices, slog.New(slog.DiscardHandler))
	if err != nil {
		return fmt.Errorf("building allowlist: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	fmt.Printf("config ok: %s\n", configPath)
	for _, id := range allow.IDs() {
		dev, _ := allow.Device(id)
		if dev.HasKey() {
			green.Print("  ✓ ")
			fmt.Print(id)
			gray.Printf("  SHA256:%s\n", dev.Fingerprint)
		} else {
			yellow.Print("  ! ")
			fmt.Print(id)
			gray.Println("  no key, will be denied as not_allowed")
		}
	}
	if allow.Len() == 0 {
		yellow.Println("  no devices allowlisted")
	}
	return nil
}

func runAttempts(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("attempts", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "maximum number of attempts to show")
	device := fs.String("device", "", "only show this device id")
	denied := fs.Bool("denied", false, "only show denials")
	useSQLite := fs.Bool("sqlite", false, "query the SQLite index instead of the JSONL log")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var attempts []audit.Attempt
	if *useSQLite {
		attempts, err = querySQLite(ctx, cfg, *limit, *device, *denied)
	} else {
		attempts, err = queryLog(cfg, *limit, *device, *denied)
	}
	if err != nil {
		return err
	}

	if len(attempts) == 0 {
		fmt.Println("no attempts recorded")
		return nil
	}
	for _, a := range attempts {
		printAttempt(a)
	}
	return nil
}

func querySQLite(ctx context.Context, cfg *config.Config, limit int, device string, denied bool) ([]audit.Attempt, error) {
	path := store.Path(cfg.Data.Dir)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("attempt index not found at %s (enable audit.sqlite): %w", path, err)
	}
	s, err := store.NewAttemptStore(path)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	f := store.AttemptFilter{Limit: limit}
	if device != "" {
		f.DeviceID = &device
	}
	if denied {
		prefix := "deny:"
		f.StatusPrefix = &prefix
	}
	entries, err := s.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]audit.Attempt, len(entries))
	for i, e := range entries {
		out[i] = e.Attempt
	}
	return out, nil
}

// queryLog scans the JSONL log and returns the newest matches first.
func queryLog(cfg *config.Config, limit int, device string, denied bool) ([]audit.Attempt, error) {
	all, err := audit.ReadFile(audit.Path(cfg.Data.Dir))
	if err != nil {
		return nil, err
	}
	slices.Reverse(all)

	var out []audit.Attempt
	for _, a := range all {
		if device != "" && a.DeviceID != device {
			continue
		}
		if denied && a.Status.OK() {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func printAttempt(a audit.Attempt) {
	gray := color.New(color.FgHiBlack)
	gray.Print(a.Time.Local().Format(time.DateTime) + " ")
	if a.Status.OK() {
		color.New(color.FgGreen).Printf("%-22s", string(a.Status))
	} else {
		color.New(color.FgRed).Printf("%-22s", string(a.Status))
	}
	device := a.DeviceID
	if device == "" {
		device = "-"
	}
	fmt.Printf(" %-20s %s\n", device, a.Remote)
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	out := fs.String("out", "", "write the private seed to this file (default: print it)")
	id := fs.String("id", "device", "device id used in the printed allowlist entry")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, err := client.GenerateKey()
	if err != nil {
		return err
	}

	if *out != "" {
		if err := client.WriteKey(*out, key); err != nil {
			return err
		}
		fmt.Printf("private key written to %s\n", *out)
	} else {
		fmt.Printf("private seed: %s\n", client.EncodeSeed(key))
	}

	sshLine, err := client.AuthorizedKey(key, *id)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("allowlist entry:")
	color.New(color.FgCyan).Printf("  - device_id: %q\n    public_key: %q\n", *id, client.PublicKeyB64(key))
	fmt.Println()
	fmt.Println("or, as an authorized key:")
	color.New(color.FgCyan).Printf("  - device_id: %q\n    ssh_public_key: %q\n", *id, sshLine)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Tailscale.Enabled {
		return errors.New("health checks over tailscale are not supported; query the node directly")
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.Addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}

	fmt.Println(string(body))
	return nil
}
