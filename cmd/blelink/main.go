// Command blelink scans for, connects to and talks GATT with a single BLE
// peripheral.
//
// Usage:
//
//	blelink [-config path] [-scan 10s] [-connect addr]
//	        [-read svc/chr] [-write svc/chr=hex] [-send svc/chr=text]
//	        [-notify svc/chr]
//
// Payloads longer than one attribute are split into consecutive writes.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/blelink/internal/ble"
	"github.com/chaz8081/blelink/internal/config"
	"github.com/chaz8081/blelink/internal/devicestore"
)

const connectTimeout = 30 * time.Second

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/blelink/config.yaml)")
	initConfig := flag.Bool("init-config", false, "write the default config file and exit")
	scanFor := flag.Duration("scan", 0, "scan for this long before connecting")
	address := flag.String("connect", "", "peripheral address (default: device.address, then the last device)")
	readTarget := flag.String("read", "", "read a characteristic: service/characteristic")
	writeTarget := flag.String("write", "", "write a characteristic: service/characteristic=hex")
	sendTarget := flag.String("send", "", "write text in word-aligned chunks: service/characteristic=text")
	notifyTarget := flag.String("notify", "", "subscribe to a characteristic: service/characteristic")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Wrote default config to %s", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	ops, err := buildOperations(*notifyTarget, *writeTarget, *sendTarget, *readTarget)
	if err != nil {
		log.Fatalf("flags: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	store := devicestore.New(cfg.StatePath)
	target, err := resolveAddress(*address, cfg, store, len(ops) > 0)
	if err != nil {
		log.Fatalf("device store: %v", err)
	}

	if *scanFor <= 0 && target == "" {
		fmt.Fprintln(os.Stderr, "nothing to do: pass -scan or -connect (see -h)")
		os.Exit(2)
	}

	printBanner(cfg, target)

	driver := ble.NewTinyGoDriver(logger)
	bus := ble.NewBus(logger)
	session := ble.NewSession(driver, bus, cfg.SessionOptions(logger))

	p := newPrinter(store)
	bus.SubscribeAll(p.handle)

	session.Start()
	defer func() {
		_ = session.Close()
		bus.Close()
		log.Println("Goodbye!")
	}()

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *scanFor > 0 {
		if err := scan(ctx, session, cfg, *scanFor); err != nil {
			log.Printf("ERROR: scan: %v", err)
			return
		}
	}
	if target == "" || ctx.Err() != nil {
		return
	}

	if err := connect(ctx, session, p, target); err != nil {
		log.Printf("ERROR: %v", err)
		return
	}

	if err := runOperations(ctx, session, p, ops); err != nil {
		log.Printf("ERROR: %v", err)
		return
	}

	if *notifyTarget == "" && len(ops) > 0 {
		return
	}

	log.Println("Connected. Ctrl+C to quit.")
	for {
		select {
		case <-ctx.Done():
			log.Println("Shutting down...")
			return
		case <-p.dropped:
			if cfg.Reconnect.Policy == "none" {
				log.Println("Connection closed")
				return
			}
			log.Println("Connection lost, waiting for reconnect...")
		}
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// resolveAddress picks the peripheral: the flag, then the config, then the
// device store when auto_connect is set or operations need a connection.
func resolveAddress(flagAddr string, cfg *config.Config, store *devicestore.Store, needed bool) (string, error) {
	if flagAddr != "" {
		return flagAddr, nil
	}
	if cfg.Device.Address != "" && (cfg.Device.AutoConnect || needed) {
		return cfg.Device.Address, nil
	}
	if !cfg.Device.AutoConnect && !needed {
		return "", nil
	}
	rec, err := store.Load()
	if err != nil {
		return "", err
	}
	if rec.Address != "" {
		log.Printf("Using last device %s from %s", rec.Address, store.Path())
	}
	return rec.Address, nil
}

func scan(ctx context.Context, session *ble.Session, cfg *config.Config, d time.Duration) error {
	services, err := cfg.ServiceUUIDs()
	if err != nil {
		return err
	}
	if err := session.StartScan(ctx, ble.ScanSettings{Services: services}); err != nil {
		return err
	}
	log.Printf("Scanning for %s...", d)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return session.StopScan(context.Background())
}

func connect(ctx context.Context, session *ble.Session, p *printer, address string) error {
	if err := session.Connect(ctx, address); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()
	select {
	case <-p.ready:
		return nil
	case <-p.dropped:
		return fmt.Errorf("connect to %s failed", address)
	case <-timer.C:
		return fmt.Errorf("connect to %s: no response after %s", address, connectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runOperations(ctx context.Context, session *ble.Session, p *printer, ops []ble.Operation) error {
	for _, op := range ops {
		if _, err := session.Submit(ctx, op); err != nil {
			return fmt.Errorf("submit %s: %w", op, err)
		}
	}
	for range ops {
		select {
		case <-p.completed:
		case <-p.dropped:
			return errors.New("connection lost before operations completed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// buildOperations turns the GATT flags into queued operations. Notifications
// are enabled first so a following write can trigger one.
func buildOperations(notify, write, send, read string) ([]ble.Operation, error) {
	var ops []ble.Operation
	if notify != "" {
		svc, chr, err := parseTarget(notify)
		if err != nil {
			return nil, fmt.Errorf("-notify: %w", err)
		}
		ops = append(ops, ble.SetNotification(svc, chr, true))
	}
	if write != "" {
		target, payload, ok := strings.Cut(write, "=")
		if !ok {
			return nil, fmt.Errorf("-write: want service/characteristic=hex, got %q", write)
		}
		svc, chr, err := parseTarget(target)
		if err != nil {
			return nil, fmt.Errorf("-write: %w", err)
		}
		data, err := hex.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("-write: payload: %w", err)
		}
		ops = append(ops, ble.ChunkWrite(svc, chr, data, ble.MaxAttributeLen)...)
	}
	if send != "" {
		target, text, ok := strings.Cut(send, "=")
		if !ok {
			return nil, fmt.Errorf("-send: want service/characteristic=text, got %q", send)
		}
		svc, chr, err := parseTarget(target)
		if err != nil {
			return nil, fmt.Errorf("-send: %w", err)
		}
		ops = append(ops, ble.ChunkTextWrite(svc, chr, text, ble.MaxAttributeLen)...)
	}
	if read != "" {
		svc, chr, err := parseTarget(read)
		if err != nil {
			return nil, fmt.Errorf("-read: %w", err)
		}
		ops = append(ops, ble.ReadCharacteristic(svc, chr))
	}
	return ops, nil
}

func parseTarget(s string) (uuid.UUID, uuid.UUID, error) {
	svcStr, chrStr, ok := strings.Cut(s, "/")
	if !ok {
		return uuid.Nil, uuid.Nil, fmt.Errorf("want service/characteristic, got %q", s)
	}
	svc, err := ble.ParseUUID(svcStr)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	chr, err := ble.ParseUUID(chrStr)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return svc, chr, nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, target string) {
	fmt.Println("=== blelink ===")
	if target != "" {
		fmt.Printf("  Device:    %s\n", target)
	}
	if len(cfg.Scan.Services) > 0 {
		fmt.Printf("  Services:  %s\n", strings.Join(cfg.Scan.Services, ", "))
	}
	fmt.Printf("  Reconnect: %s\n", cfg.Reconnect.Policy)
	fmt.Printf("  Timeout:   %s\n", cfg.Operation.Timeout)
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("===============")
}
