// Package app assembles the parking controller from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"parking-anpr/internal/capture"
	"parking-anpr/internal/config"
	"parking-anpr/internal/consensus"
	"parking-anpr/internal/db"
	"parking-anpr/internal/dispatch"
	"parking-anpr/internal/domain/parking"
	"parking-anpr/internal/gate"
	api "parking-anpr/internal/http"
	"parking-anpr/internal/lane"
	"parking-anpr/internal/live"
	"parking-anpr/internal/mqtt"
	"parking-anpr/internal/recognition"
	"parking-anpr/internal/repository"
	"parking-anpr/internal/repository/sqlite"
	"parking-anpr/internal/service"
	"parking-anpr/internal/vision"
)

type App struct {
	cfg *config.Config
	log zerolog.Logger

	store      service.Store
	closeStore func() error
	mqttClient *mqtt.Client
	bus        mqtt.Publisher
	badges     *service.BadgeService
	dispatcher *dispatch.Dispatcher
	hub        *live.Hub
	sources    []*capture.Source
	lanes      []*lane.Lane
	closers    []func() error
	server     *http.Server
}

func New(cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	if err := a.openStore(); err != nil {
		return nil, err
	}

	if cfg.MQTT.Enabled {
		a.mqttClient = mqtt.NewClient(cfg.MQTT, log)
		a.bus = a.mqttClient
	} else {
		a.bus = mqtt.LogPublisher{Log: log.With().Str("component", "bus").Logger()}
	}

	entryGate := gate.New(cfg.Access.BadgeTimeout)
	exitGate := gate.Open()
	if cfg.Access.GateExit {
		exitGate = gate.New(cfg.Access.BadgeTimeout)
	}
	gates := map[parking.Lane]*gate.Gate{
		parking.LaneEntry: entryGate,
		parking.LaneExit:  exitGate,
	}

	ledger := service.NewLedgerService(a.store, log)
	a.badges = service.NewBadgeService(a.store, []*gate.Gate{entryGate, exitGate}, log)
	a.dispatcher = dispatch.New(ledger, ledger, gates, mqtt.NewLCD(a.bus, cfg.MQTT.RootTopic), a.bus, dispatch.Options{
		RootTopic:         cfg.MQTT.RootTopic,
		BarrierCloseDelay: cfg.Barrier.CloseDelay,
	}, log)
	a.hub = live.NewHub(log)

	extractor := recognition.NewTesseractExtractor(cfg.Recognition.TesseractPath, cfg.Recognition.PageSegMode, log)
	cameras := map[parking.Lane]config.CameraConfig{
		parking.LaneEntry: cfg.Lanes.Entry,
		parking.LaneExit:  cfg.Lanes.Exit,
	}
	for _, kind := range []parking.Lane{parking.LaneEntry, parking.LaneExit} {
		if err := a.buildLane(kind, cameras[kind], gates[kind], extractor); err != nil {
			a.dispatcher.Close()
			a.release()
			return nil, err
		}
	}

	views := make([]api.LaneView, 0, len(a.lanes))
	for _, l := range a.lanes {
		views = append(views, l)
	}
	deps := api.Dependencies{
		Ledger: ledger,
		Badges: a.badges,
		Lanes:  views,
		Live:   a.hub,
		Bus:    a.bus,
		Encode: vision.Annotate,
	}
	if a.mqttClient != nil {
		deps.Messages = a.mqttClient.Messages()
		deps.BusStats = a.mqttClient.Stats
	}

	handler := api.NewHandler(deps, cfg, log)
	a.server = &http.Server{
		Addr:              cfg.ServerAddress(),
		Handler:           api.NewRouter(handler, cfg, log),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}
	return a, nil
}

func (a *App) openStore() error {
	switch a.cfg.Database.Driver {
	case "postgres":
		gdb, err := db.Connect(a.cfg.Database.DSN, a.log)
		if err != nil {
			return err
		}
		a.store = repository.NewLedgerRepository(gdb)
		a.closeStore = func() error { return db.Close(gdb) }
	case "sqlite":
		s, err := sqlite.Open(a.cfg.Database.SQLitePath)
		if err != nil {
			return err
		}
		a.store = s
		a.closeStore = s.Close
	default:
		return fmt.Errorf("%w: unknown database driver %q", config.ErrInvalidConfig, a.cfg.Database.Driver)
	}

	a.log.Info().Str("driver", a.cfg.Database.Driver).Msg("ledger store opened")
	return nil
}

// buildLane wires camera, capture slot, recognizer and voter for one lane. The cascade
// classifier is not safe for concurrent use, so every lane gets its own.
func (a *App) buildLane(kind parking.Lane, cam config.CameraConfig, g *gate.Gate, extractor recognition.TextExtractor) error {
	detector, err := vision.NewCascadeDetector(a.cfg.Recognition.CascadePath, a.log)
	if err != nil {
		return fmt.Errorf("lane %s: %w", kind, err)
	}
	a.closers = append(a.closers, detector.Close)

	voter, err := consensus.NewVoter(a.cfg.Consensus.Samples, a.cfg.Consensus.InactivityTimeout)
	if err != nil {
		return fmt.Errorf("lane %s: %w", kind, err)
	}

	source := capture.NewSource(kind.Slug(), vision.NewCamera(cam), capture.Options{
		ReopenDelay:  a.cfg.Capture.ReopenDelay,
		ReadInterval: a.cfg.Capture.ReadInterval,
	}, a.log)

	recognizer := recognition.NewRecognizer(detector, vision.NewPlateEnhancer(), extractor, recognition.Options{
		CropTop: a.cfg.Recognition.CropTop,
	}, a.log)

	l := lane.New(kind, source, recognizer, voter, a.dispatcher, g, lane.Options{
		Interval: a.cfg.Recognition.Interval,
	}, a.log)
	l.OnDisplayChange(a.hub.PublishDisplay)

	a.sources = append(a.sources, source)
	a.lanes = append(a.lanes, l)
	return nil
}

// Run starts every component and blocks until ctx is cancelled or the HTTP server fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.mqttClient != nil {
		handler := mqtt.NewBadgeHandler(a.badges, a.bus, a.cfg.MQTT.BadgeReplyTopic, a.log)
		a.mqttClient.Handle(a.cfg.MQTT.BadgeTopic, func(_ string, payload []byte) {
			handler.Handle(context.Background(), payload)
		})
		a.mqttClient.Handle(a.cfg.MQTT.RootTopic+"/#", nil)
		if err := a.mqttClient.Connect(ctx); err != nil {
			a.log.Error().Err(err).Msg("mqtt unavailable, continuing without bus")
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.hub.Run(ctx)
	}()
	for _, s := range a.sources {
		wg.Add(1)
		go func(s *capture.Source) {
			defer wg.Done()
			s.Run(ctx)
		}(s)
	}
	for _, l := range a.lanes {
		wg.Add(1)
		go func(l *lane.Lane) {
			defer wg.Done()
			l.Run(ctx)
		}(l)
	}

	serverErr := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("http server failed: %w", err)
		}
	}
	cancel()

	a.shutdown(&wg)
	return runErr
}

func (a *App) shutdown(wg *sync.WaitGroup) {
	a.log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Error().Err(err).Msg("http server shutdown failed")
	}

	wg.Wait()

	// Lanes are stopped, so no new winners can arrive. Flush queued notifications and
	// close any barrier still open before dropping the bus.
	a.dispatcher.Close()
	if dropped := a.dispatcher.Dropped(); dropped > 0 {
		a.log.Warn().Uint64("dropped", dropped).Msg("notifications dropped during run")
	}
	if a.mqttClient != nil {
		a.mqttClient.Disconnect()
	}

	a.release()
	a.log.Info().Msg("shutdown complete")
}

func (a *App) release() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.Warn().Err(err).Msg("failed to release resource")
		}
	}
	a.closers = nil
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			a.log.Error().Err(err).Msg("failed to close ledger store")
		}
		a.closeStore = nil
	}
}
