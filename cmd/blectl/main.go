// Command blectl drives the BLE central-role host stack from the command
// line: it scans for the configured peripheral, brings up a connection,
// pushes text over the peripheral's UART-style service, and tears the link
// down. Without real transceiver hardware attached (platform bring-up is
// outside this repository), --simulate runs the identical stack against a
// built-in scripted peripheral.
package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/chaz8081/blectl/internal/accessaddr"
	"github.com/chaz8081/blectl/internal/appfsm"
	"github.com/chaz8081/blectl/internal/att"
	"github.com/chaz8081/blectl/internal/config"
	"github.com/chaz8081/blectl/internal/gatt"
	"github.com/chaz8081/blectl/internal/l2cap"
	"github.com/chaz8081/blectl/internal/ll"
	"github.com/chaz8081/blectl/internal/peersim"
	"github.com/chaz8081/blectl/internal/radio"
	"github.com/chaz8081/blectl/internal/timing"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	configPath := pflag.String("config", "", "path to config file (default: ~/.config/blectl/config.yaml)")
	target := pflag.String("target", "", "peripheral address, overrides device.target_addr")
	text := pflag.String("text", "", "text to send once connected")
	profile := pflag.String("profile", "", "peripheral profile: auto, xiaomi, nordic-uart, custom")
	simulate := pflag.Bool("simulate", false, "run against the built-in simulated peripheral")
	writeConfig := pflag.Bool("write-config", false, "write the default config file and exit")
	showVersion := pflag.Bool("version", false, "print version and exit")
	logLevel := pflag.String("log-level", "", "override log level: debug, info, warn, error")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("blectl %s\n", version)
		return
	}

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		if path == "" {
			fmt.Println("config already exists, not overwritten")
		} else {
			fmt.Printf("wrote %s\n", path)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *target != "" {
		cfg.Device.TargetAddr = *target
	}
	if *profile != "" {
		cfg.Device.Profile = *profile
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *simulate && cfg.Device.TargetAddr == "" {
		cfg.Device.TargetAddr = "11:22:33:44:55:66"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)})
	slog.SetDefault(slog.New(handler))

	printBanner(cfg)

	if !*simulate {
		slog.Error("no transceiver driver is wired in this build; platform bring-up lives outside this repository",
			"hint", "run with --simulate to exercise the stack against the built-in peripheral")
		os.Exit(1)
	}

	if err := run(cfg, *text); err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
}

// run builds the full stack over the simulated radio and walks the
// application state machine through one connect/send/disconnect cycle.
func run(cfg *config.Config, text string) error {
	targetAddr, err := ll.ParseAddr(cfg.Device.TargetAddr)
	if err != nil {
		return err
	}

	peer := peersim.New(peersim.Options{
		Addr: targetAddr,
		Name: "Nordic UART (simulated)",
	})
	sim := radio.NewSim()
	sim.SetScript(peer)
	clock := timing.NewSystem()

	fsm := appfsm.New(clock, appfsm.Options{
		MaxRetryCount: cfg.Reconnect.MaxRetries,
		RetryDelay:    time.Duration(cfg.Reconnect.RetryDelayMS) * time.Millisecond,
		AutoReconnect: cfg.Reconnect.Auto,
	}, slog.Default())
	if _, err := fsm.Dispatch(appfsm.Event{Type: appfsm.EvStart}); err != nil {
		return err
	}

	mux := l2cap.NewMux()
	var client *att.Client
	var facade *gatt.Facade

	var localAddr ll.Addr
	if cfg.Device.LocalAddr != "" {
		if localAddr, err = ll.ParseAddr(cfg.Device.LocalAddr); err != nil {
			return fmt.Errorf("parsing local address: %w", err)
		}
	} else if _, err := rand.Read(localAddr[:]); err != nil {
		return fmt.Errorf("generating local address: %w", err)
	}
	var seed [4]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return fmt.Errorf("seeding access-address generator: %w", err)
	}

	engine := ll.NewEngine(sim, clock,
		ll.WithLocalAddr(localAddr),
		ll.WithAccessAddressSource(accessaddr.NewLFSR(binary.LittleEndian.Uint32(seed[:]))),
		ll.WithSink(mux),
		ll.WithCallbacks(ll.Callbacks{
			OnDisconnected: func(reason byte) {
				client.Abort(nil)
				facade.Disconnected()
				if _, err := fsm.Dispatch(appfsm.Event{Type: appfsm.EvDisconnected, Reason: reason}); err != nil {
					slog.Warn("state machine", "error", err)
				}
			},
		}),
	)

	pump := func() error {
		alive, err := engine.Tick()
		if err != nil {
			return err
		}
		if !alive {
			return fmt.Errorf("link down")
		}
		return nil
	}
	client = att.NewClient(mux, clock, pump, att.DefaultOptions())
	mux.SetATTHandler(client.HandleRxPDU)

	prof, autoDetect, err := gatt.ParseProfile(cfg.Device.Profile)
	if err != nil {
		return err
	}
	fopts := gatt.DefaultOptions()
	fopts.Profile = prof
	fopts.AutoDetect = autoDetect
	fopts.InterChunkDelay = time.Duration(cfg.Send.InterChunkDelayMS) * time.Millisecond
	fopts.QueueSize = cfg.Send.QueueSize
	facade = gatt.NewFacade(client, clock, fopts, gatt.WithNotifyHandler(func(handle uint16, value []byte) {
		slog.Info("notification", "handle", fmt.Sprintf("0x%04X", handle), "bytes", len(value))
	}))

	// Scan + initiate.
	if _, err := fsm.Dispatch(appfsm.Event{Type: appfsm.EvConnectRequested}); err != nil {
		return err
	}
	scanCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Connection.ScanTimeoutS)*time.Second)
	defer cancel()

	opts := ll.ConnectOptions{
		IntervalUS:    uint64(cfg.Connection.IntervalMS) * 1000,
		SlaveLatency:  uint16(cfg.Connection.SlaveLatency),
		SupervisionUS: uint64(cfg.Connection.SupervisionTimeoutMS) * 1000,
		WinSizeUS:     2_500,
		WinOffsetUS:   1_250,
	}
	if err := engine.Connect(scanCtx, targetAddr, nil, opts); err != nil {
		_, _ = fsm.Dispatch(appfsm.Event{Type: appfsm.EvConnectFailed, Err: err})
		return err
	}
	if _, err := fsm.Dispatch(appfsm.Event{Type: appfsm.EvAdvMatched}); err != nil {
		return err
	}

	// First event completes the transition into Connected.
	if alive, err := engine.Tick(); err != nil || !alive {
		_, _ = fsm.Dispatch(appfsm.Event{Type: appfsm.EvConnectFailed, Err: err})
		return fmt.Errorf("connection never reached its first event: %w", err)
	}
	if _, err := fsm.Dispatch(appfsm.Event{Type: appfsm.EvConnected}); err != nil {
		return err
	}

	if err := facade.Setup(); err != nil {
		return err
	}
	slog.Info("connected", "profile", facade.Profile(), "mtu", client.MTU(), "rssi", engine.Context().LastRSSI)

	if text != "" {
		if _, err := fsm.Dispatch(appfsm.Event{Type: appfsm.EvSendRequested}); err != nil {
			return err
		}
		if err := facade.SendText(text); err != nil {
			return err
		}
		if _, err := fsm.Dispatch(appfsm.Event{Type: appfsm.EvSendDone}); err != nil {
			return err
		}
		slog.Info("text delivered", "bytes", len(text), "writes", len(peer.Writes()))
	}

	if _, err := fsm.Dispatch(appfsm.Event{Type: appfsm.EvDisconnectRequested}); err != nil {
		return err
	}
	if err := engine.Disconnect(0x13); err != nil {
		return err
	}
	for {
		alive, err := engine.Tick()
		if err != nil {
			return err
		}
		if !alive {
			break
		}
	}

	slog.Info("done", "state", fsm.State())
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Info("config loaded", "path", defaultPath)
		return cfg, nil
	}

	return config.Default(), nil
}

func printBanner(cfg *config.Config) {
	fmt.Fprintf(os.Stderr, "blectl %s — BLE central host stack\n", version)
	fmt.Fprintf(os.Stderr, "  target:  %s (%s)\n", cfg.Device.TargetAddr, cfg.Device.Profile)
	fmt.Fprintf(os.Stderr, "  link:    interval %dms, latency %d, supervision %dms\n",
		cfg.Connection.IntervalMS, cfg.Connection.SlaveLatency, cfg.Connection.SupervisionTimeoutMS)
	fmt.Fprintln(os.Stderr)
}
