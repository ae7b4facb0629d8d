package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/blelink/internal/api"
	"github.com/chaz8081/blelink/internal/ble"
	"github.com/chaz8081/blelink/internal/ble/bluez"
	"github.com/chaz8081/blelink/internal/config"
	"github.com/chaz8081/blelink/internal/permission"
	"github.com/chaz8081/blelink/internal/service"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/blelink/config.yaml)")
	addr := flag.String("addr", "", "peripheral address, overrides device.address")
	backend := flag.String("backend", "", "radio backend (bluez|tinygo), overrides radio.backend")
	writeConfig := flag.Bool("write-config", false, "write the default config file and exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
		} else {
			log.Printf("Default config written to %s", path)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *addr != "" {
		cfg.Device.Address = *addr
	}
	if *backend != "" {
		cfg.Radio.Backend = *backend
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	setupLogging(cfg.LogLevel)
	printBanner(cfg)

	radio, err := newRadio(cfg)
	if err != nil {
		log.Fatalf("radio: %v", err)
	}
	if c, ok := radio.(io.Closer); ok {
		defer c.Close()
	}

	gate, err := newGate(cfg)
	if err != nil {
		log.Fatalf("permissions: %v", err)
	}

	opts := cfg.MachineOptions()
	opts.OnAdvisory = func(a ble.Advisory) {
		slog.Warn("Device reports motion; keep your hands off the phone while driving",
			"channel", a.Channel, "value", a.Value, "threshold", a.Threshold)
	}
	machine, err := ble.NewMachine(radio, gate, cfg.Device.Address, opts)
	if err != nil {
		log.Fatalf("ble: %v", err)
	}

	if err := run(machine, cfg); err != nil {
		slog.Error("blelink stopped with error", "error", err)
		os.Exit(1)
	}
	log.Println("Goodbye!")
}

// run connects, serves the API and reports to systemd until SIGINT/SIGTERM.
func run(machine *ble.Machine, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier := service.NewNotifier(nil)
	sdEvents, cancelSd := machine.Listen(32)
	logEvents, cancelLog := machine.Listen(64)
	defer cancelSd()
	defer cancelLog()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return notifier.Run(gctx, sdEvents) })
	g.Go(func() error {
		logEventsUntil(gctx, logEvents)
		return nil
	})
	if cfg.API.Listen != "" {
		srv := api.New(machine)
		g.Go(func() error { return srv.Run(gctx, cfg.API.Listen) })
	}
	g.Go(func() error {
		// A failed initial connect is not fatal: the API can retry it.
		if err := machine.Connect(gctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ble.ErrAborted) {
			slog.Error("Initial connect failed", "addr", cfg.Device.Address, "error", err)
		}
		return nil
	})

	<-gctx.Done()
	log.Println("Shutting down...")
	notifier.Stopping()

	closeErr := machine.Close()
	if err := g.Wait(); err != nil {
		return err
	}
	return closeErr
}

// logEventsUntil writes every machine event to the log.
func logEventsUntil(ctx context.Context, events <-chan ble.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case ble.EventStateChanged:
				log.Printf("State: %s -> %s", ev.Previous, ev.State)
			case ble.EventCleared:
				log.Println("Ready! Channels are available.")
			case ble.EventAdvisory:
				log.Printf("Advisory: %s reported %.2f (threshold %.2f)", ev.Advisory.Channel, ev.Advisory.Value, ev.Advisory.Threshold)
			case ble.EventFailure, ble.EventAnomaly:
				log.Printf("%s: %v", ev.Kind, ev.Err)
			}
		}
	}
}

func newRadio(cfg *config.Config) (ble.Radio, error) {
	switch cfg.Radio.Backend {
	case "tinygo":
		return ble.NewTinygoRadio(ble.ParseCapabilities(cfg.Radio.TinygoHints)), nil
	default:
		return bluez.New(cfg.Radio.Adapter)
	}
}

func newGate(cfg *config.Config) (ble.PermissionGate, error) {
	if cfg.Permissions.Mode == "prompt" {
		return permission.NewPrompt(os.Stdin, os.Stdout), nil
	}
	perms, err := cfg.GrantedPermissions()
	if err != nil {
		return nil, err
	}
	return permission.NewStatic(perms...), nil
}

// setupLogging installs a text slog handler at the configured level.
func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
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

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== blelink ===")
	fmt.Printf("  Device:      %s (service %s)\n", cfg.Device.Address, cfg.Device.Service)
	fmt.Printf("  Radio:       %s\n", cfg.Radio.Backend)
	fmt.Printf("  Calibration: %s\n", cfg.Calibration.Mode)
	fmt.Printf("  Reconnect:   %v (max %ds)\n", cfg.Reconnect.Enabled, cfg.Reconnect.MaxBackoff)
	fmt.Printf("  API:         %s\n", listenOrOff(cfg.API.Listen))
	fmt.Printf("  Log:         %s\n", cfg.LogLevel)
	fmt.Println("===============")
}

func listenOrOff(addr string) string {
	if addr == "" {
		return "off"
	}
	return addr
}
