// ABOUTME: Minimal fake device for E2E testing, connects over WebSocket and completes the handshake
// ABOUTME: Usage: fake-device [-url ws://localhost:8765/] [-id dev-1] -key seed.txt [-pings 3]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/2389/navivox-gateway/internal/client"
)

func main() {
	url := flag.String("url", "ws://localhost:8765/", "Gateway WebSocket URL")
	deviceID := flag.String("id", "e2e-device", "Device ID")
	keyPath := flag.String("key", "", "Private key file (base64 seed or OpenSSH)")
	pings := flag.Int("pings", 3, "Number of pings after authorization (0 to hold the session open)")
	interval := flag.Duration("interval", time.Second, "Delay between pings")
	flag.Parse()

	if *keyPath == "" {
		log.Fatal("-key is required")
	}

	if err := run(*url, *deviceID, *keyPath, *pings, *interval); err != nil {
		var denied *client.DeniedError
		if errors.As(err, &denied) {
			fmt.Fprintf(os.Stderr, "denied: %s\n", denied.Reason)
			os.Exit(2)
		}
		log.Fatal(err)
	}
}

func run(url, deviceID, keyPath string, pings int, interval time.Duration) error {
	key, err := client.LoadKey(keyPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 15*time.Second)
	conn, err := client.Dial(dialCtx, url, deviceID, key)
	dialCancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Fprintf(os.Stderr, "authorized as %s\n", conn.DeviceID())

	if pings == 0 {
		<-ctx.Done()
		return nil
	}

	for i := range pings {
		start := time.Now()
		if err := conn.Ping(ctx); err != nil {
			return fmt.Errorf("ping %d: %w", i+1, err)
		}
		fmt.Fprintf(os.Stderr, "pong %d in %s\n", i+1, time.Since(start).Round(time.Microsecond))

		if i+1 < pings {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
		}
	}
	return nil
}
