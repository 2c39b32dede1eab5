// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"

	"github.com/Thermoquad/ispbridge/pkg/bridge"
	"github.com/Thermoquad/ispbridge/pkg/events"
	"github.com/Thermoquad/ispbridge/pkg/hw"
	"github.com/Thermoquad/ispbridge/pkg/isp"
	"github.com/Thermoquad/ispbridge/pkg/prefs"
	"github.com/Thermoquad/ispbridge/pkg/transport"
)

var (
	serveListenPort  int
	serveListenHost  string
	serveSPI         string
	serveSPIHz       int64
	serveEnablePin   string
	serveSimulate    bool
	serveRestoreMode string
	serveStateFile   string
	serveNoPersist   bool
	serveEvents      string
	serveEventsUser  string
	serveTick        time.Duration
	serveStatsEvery  time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the STK500v1 to ISP bridge",
	Long: `Run the bridge: accept one avrdude connection at a time on the
programming port and translate its STK500v1 commands into AVR serial
programming instructions on the SPI bus.

The enable pin drives the target reset line through the level shifter. It is
held high while no session is running so the target keeps executing its
firmware.

With --simulate, an in-memory ATmega328P stands in for the SPI bus and the
enable pin, so the bridge can be tried without hardware:

  ispbridge serve --simulate --listen-port 3328
  avrdude -c stk500v1 -p m328p -P net:localhost:3328 -U flash:r:-:h

With --events, a websocket event stream is served for the monitor command.
Its password is read from ISPBRIDGE_PASSWORD when --events-user is set.

Restore modes: ` + strings.Join(bridge.RestoreModeNames(), ", "),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&serveListenPort, "listen-port", 328, "Programming port")
	serveCmd.Flags().StringVar(&serveListenHost, "listen-host", "", "Programming port bind address (default all interfaces)")
	serveCmd.Flags().StringVar(&serveSPI, "spi", "", "SPI port (default first available)")
	serveCmd.Flags().Int64Var(&serveSPIHz, "spi-hz", int64(hw.DefaultFrequency/physic.Hertz), "SPI clock in Hz")
	serveCmd.Flags().StringVar(&serveEnablePin, "enable-pin", "GPIO25", "GPIO driving the target reset line")
	serveCmd.Flags().BoolVar(&serveSimulate, "simulate", false, "Use a simulated ATmega328P instead of hardware")
	serveCmd.Flags().StringVar(&serveRestoreMode, "restore-mode", bridge.AlwaysOn.String(), "Whether the programming port opens at start")
	serveCmd.Flags().StringVar(&serveStateFile, "state-file", defaultStateFile(), "Where the enabled flag is saved")
	serveCmd.Flags().BoolVar(&serveNoPersist, "no-persist", false, "Keep the enabled flag in memory only")
	serveCmd.Flags().StringVar(&serveEvents, "events", "", "Serve the event stream on this HTTP address (e.g. :8328)")
	serveCmd.Flags().StringVar(&serveEventsUser, "events-user", "", "Require HTTP Basic auth on the event stream")
	serveCmd.Flags().DurationVar(&serveTick, "tick", 0, "Loop interval (0 loops continuously)")
	serveCmd.Flags().DurationVar(&serveStatsEvery, "stats-every", 5*time.Second, "Statistics event interval")
	rootCmd.AddCommand(serveCmd)
}

func defaultStateFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "ispbridge.state"
	}
	return filepath.Join(dir, "ispbridge", "state.cbor")
}

func runServe(cmd *cobra.Command, args []string) error {
	log, err := newLogger(os.Stderr)
	if err != nil {
		return err
	}

	mode, err := bridge.ParseRestoreMode(serveRestoreMode)
	if err != nil {
		return err
	}

	bus, enable, closeHW, err := openHardware(log)
	if err != nil {
		return err
	}
	defer closeHW()

	var store prefs.Store = prefs.NewMemoryStore()
	if !serveNoPersist {
		store = prefs.NewFileStore(serveStateFile)
	}

	session := transport.New(serveListenPort,
		transport.WithHost(serveListenHost),
		transport.WithLogger(log),
	)
	prog := isp.New(session, bus, enable, isp.WithLogger(log))
	b := bridge.New(session, prog, enable,
		bridge.WithRestoreMode(mode),
		bridge.WithStore(store),
		bridge.WithLogger(log),
	)

	host := &serveHost{Bridge: b, statsEvery: serveStatsEvery}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveEvents != "" {
		srv, err := startEvents(ctx, host, log)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	return bridge.Run(ctx, host, serveTick)
}

// openHardware returns the bus and enable line, real or simulated
func openHardware(log zerolog.Logger) (isp.Bus, gpio.PinOut, func(), error) {
	if serveSimulate {
		sim := hw.NewSimulator(hw.ATmega328P)
		log.Info().Str("target", "ATmega328P").Msg("Using simulated target")
		return sim, &gpiotest.Pin{N: "SIM_RESET", L: gpio.High}, func() {}, nil
	}

	bus, err := hw.OpenSPI(serveSPI, physic.Frequency(serveSPIHz)*physic.Hertz)
	if err != nil {
		return nil, nil, nil, err
	}
	pin, err := hw.OpenPin(serveEnablePin)
	if err != nil {
		bus.Close()
		return nil, nil, nil, err
	}
	log.Info().Stringer("spi", bus).Str("enable", pin.Name()).Msg("Hardware ready")
	return bus, pin, func() { bus.Close() }, nil
}

// startEvents serves the websocket hub and wires it to the bridge
func startEvents(ctx context.Context, host *serveHost, log zerolog.Logger) (*http.Server, error) {
	opts := []events.HubOption{
		events.WithHubLogger(log),
		events.WithActionHandler(host.Post),
	}
	if serveEventsUser != "" {
		password, err := GetPassword()
		if err != nil {
			return nil, err
		}
		if password == "" {
			return nil, errors.New("--events-user needs a password")
		}
		opts = append(opts, events.WithBasicAuth(serveEventsUser, password))
	}
	hub := events.NewHub(opts...)
	host.hub = hub

	b := host.Bridge
	b.OnEnable(func() { hub.Publish(events.Snapshot(events.KindEnabled, b)) })
	b.OnDisable(func() { hub.Publish(events.Snapshot(events.KindDisabled, b)) })
	b.OnStateChange(func(isp.State) { hub.Publish(events.Snapshot(events.KindState, b)) })

	mux := http.NewServeMux()
	mux.Handle("/events", hub)
	srv := &http.Server{
		Addr:              serveEvents,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("address", serveEvents).Msg("Event stream listening on /events")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Event stream stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		hub.Close()
	}()
	return srv, nil
}

// serveHost runs the bridge and publishes statistics from the loop goroutine
type serveHost struct {
	*bridge.Bridge
	hub        *events.Hub
	statsEvery time.Duration
	lastStats  time.Time
}

func (h *serveHost) Loop() {
	h.Bridge.Loop()
	if h.hub == nil || h.statsEvery <= 0 {
		return
	}
	if now := time.Now(); now.Sub(h.lastStats) >= h.statsEvery {
		h.lastStats = now
		h.hub.Publish(events.Snapshot(events.KindStats, h.Bridge))
	}
}

var _ bridge.Component = (*serveHost)(nil)
