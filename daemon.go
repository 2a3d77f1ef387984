package main

import (
	"context"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"ghosttab/buffer"
	"ghosttab/client/fimapi"
	"ghosttab/client/openai"
	"ghosttab/clock"
	"ghosttab/config"
	gctx "ghosttab/ctx"
	"ghosttab/debounce"
	"ghosttab/edits"
	"ghosttab/engine"
	"ghosttab/logger"
	"ghosttab/metrics"
	"ghosttab/provider"
	"ghosttab/provider/diagnostics"
	"ghosttab/provider/fim"
	"ghosttab/refactor"

	"github.com/cockroachdb/errors"
	"github.com/neovim/go-client/nvim"
)

const (
	idleTimeout      = 30 * time.Second
	idleRecheck      = 5 * time.Second
	cycleEvent       = "cycle"
	recentEditsLimit = 10
)

type Daemon struct {
	config   *config.Config
	buf      *buffer.NvimBuffer
	tracker  *edits.Tracker
	registry *provider.Registry
	metrics  *metrics.Tracker // nil when disabled
	engine   *engine.Engine

	listener    net.Listener
	socketPath  string
	pidPath     string
	clientCount int64
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewDaemon(cfg *config.Config) (*Daemon, error) {
	clk := clock.Real()
	workspace, _ := os.Getwd()

	buf := buffer.New(buffer.Config{NsID: cfg.NsID, WorkspacePath: workspace})
	tracker := edits.NewTracker(edits.Config{
		MaxEntries:   cfg.Edits.MaxEntries,
		MinLength:    cfg.Edits.MinLength,
		MaxLength:    cfg.Edits.MaxLength,
		ContextLines: cfg.Edits.ContextLines,
	}, clk)

	fimProvider, err := newFIMProvider(cfg, buf, clk)
	if err != nil {
		return nil, err
	}
	diagProvider, err := newDiagnosticsProvider(cfg, buf, tracker, workspace, clk)
	if err != nil {
		return nil, err
	}
	registry, err := provider.NewRegistry(fimProvider, diagProvider)
	if err != nil {
		return nil, errors.Wrap(err, "register providers")
	}

	d := &Daemon{
		config:     cfg,
		buf:        buf,
		tracker:    tracker,
		registry:   registry,
		socketPath: getSocketPath(),
		pidPath:    getPidPath(),
	}

	var observer engine.Observer
	if cfg.Metrics.Enabled {
		d.metrics = metrics.NewTracker(metrics.Config{
			URL:        cfg.Metrics.URL,
			APIKey:     cfg.Provider.APIKey,
			EditorInfo: "ghosttab " + version,
			DataDir:    cfg.DataDir,
		}, clk)
		observer = d.metrics
	}

	coordinator := engine.NewCoordinator(registry, engine.RaceConfig{
		DiagnosticsDelay: cfg.Race.DiagnosticsDelay(),
		ExtendedWait:     cfg.Race.ExtendedWait(),
		FimTimeout:       cfg.Race.FimTimeout(),
	}, clk, observer)

	engineConfig := engine.DefaultEngineConfig()
	engineConfig.RecentEdits = recentEditsLimit
	d.engine = engine.NewEngine(buf, coordinator, registry, tracker, engineConfig)

	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

func newFIMProvider(cfg *config.Config, buf *buffer.NvimBuffer, clk clock.Clock) (*fim.Provider, error) {
	backend := fimapi.NewClient(fimapi.Options{
		URL:                  cfg.Provider.FimURL,
		EditRangeURL:         cfg.Provider.EditRangeURL,
		APIKey:               cfg.Provider.APIKey,
		Compress:             cfg.Provider.Compress,
		RetryMaxElapsed:      cfg.HTTP.RetryMaxElapsed(),
		RetryInitialInterval: cfg.HTTP.RetryInitialInterval(),
	})

	fimConfig := fim.DefaultConfig()
	fimConfig.MaxTokens = cfg.Provider.MaxTokens
	fimConfig.Temperature = cfg.Provider.Temperature
	fimConfig.MaxContextTokens = cfg.Provider.MaxContextTokens
	fimConfig.SpeculativeCapacity = cfg.Cache.SpeculativeCapacity
	fimConfig.CompletionsPerFile = cfg.Cache.CompletionsPerFile
	fimConfig.RefactorEnabled = cfg.Refactor.Enabled
	fimConfig.RefactorMinConfidence = cfg.Refactor.MinConfidence
	fimConfig.Debounce = debounce.Config{
		Interval:              cfg.Debounce.Interval(),
		TrivialAppendEnabled:  cfg.Debounce.TrivialAppendEnabled,
		TrivialAppendMaxChars: cfg.Debounce.TrivialAppendMaxChars,
		MaxRequestsPerMinute:  cfg.Debounce.MaxRequestsPerMinute,
	}

	p, err := fim.NewProvider(fimConfig, backend, buf, refactor.NewDetector(refactor.NewTreeSitter()), clk)
	if err != nil {
		return nil, errors.Wrap(err, "create fim provider")
	}
	return p, nil
}

func newDiagnosticsProvider(cfg *config.Config, buf *buffer.NvimBuffer, tracker *edits.Tracker, workspace string, clk clock.Clock) (*diagnostics.Provider, error) {
	completer := openai.NewClient(cfg.Provider.DiagnosticsURL, cfg.Provider.DiagnosticsPath, cfg.Provider.APIKey)
	completer.RetryWindow = cfg.HTTP.RetryMaxElapsed()

	gatherer := gctx.NewGatherer(
		gctx.Diagnostics(buf),
		gctx.RecentEdits(tracker, recentEditsLimit),
		gctx.GitDiff(),
	)

	diagConfig := diagnostics.DefaultConfig()
	diagConfig.Model = cfg.Provider.DiagnosticsModel
	diagConfig.Temperature = cfg.Provider.Temperature
	diagConfig.WorkspacePath = workspace

	p, err := diagnostics.NewProvider(diagConfig, completer, gatherer, clk)
	if err != nil {
		return nil, errors.Wrap(err, "create diagnostics provider")
	}
	return p, nil
}

func (d *Daemon) Start() error {
	d.writePidFile()
	defer d.removePidFile()

	if err := d.setupSocket(); err != nil {
		return err
	}
	defer d.cleanup()

	logger.Info("daemon listening on socket: %s", d.socketPath)

	d.engine.Start(d.ctx)
	d.setupShutdownHandling()

	go d.acceptConnections()
	go d.monitorIdleShutdown()

	<-d.ctx.Done()
	logger.Info("daemon shutting down...")
	return nil
}

func (d *Daemon) setupSocket() error {
	_ = os.Remove(d.socketPath)

	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", d.socketPath)
	}
	d.listener = listener
	return nil
}

func (d *Daemon) setupShutdownHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		d.Stop()
	}()
}

func (d *Daemon) acceptConnections() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.ctx.Done():
				return
			default:
				logger.Error("error accepting connection: %v", err)
				continue
			}
		}

		n := atomic.AddInt64(&d.clientCount, 1)
		logger.Info("new client connected, total clients: %d", n)
		go d.handleConnection(conn)
	}
}

func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()
	defer func() {
		n := atomic.AddInt64(&d.clientCount, -1)
		logger.Info("client disconnected, remaining clients: %d", n)
	}()

	n, err := nvim.New(conn, conn, conn, logger.Debug)
	if err != nil {
		logger.Error("error creating nvim client: %v", err)
		return
	}

	// the most recent connection owns the buffer
	d.buf.SetClient(n)
	if err := d.registerHandlers(); err != nil {
		logger.Error("error registering handlers: %v", err)
		return
	}

	select {
	case <-d.ctx.Done():
		return
	default:
		if err := n.Serve(); err != nil && !errors.Is(err, io.EOF) {
			logger.Error("error serving connection: %v", err)
		}
	}
}

func (d *Daemon) registerHandlers() error {
	if err := d.buf.RegisterEventHandler(d.handleEditorEvent); err != nil {
		return err
	}
	if err := d.buf.RegisterCloseHandler(func(uri string) {
		d.engine.Send(engine.Event{Type: engine.EventBufClose, URI: uri})
	}); err != nil {
		return err
	}
	return d.buf.RegisterAPIKeyHandler(d.registry.UpdateAPIKey)
}

// handleEditorEvent turns a plugin notification into an engine event.
// Text changes and triggers refresh the buffer mirror first.
func (d *Daemon) handleEditorEvent(name string) {
	event, ok := translateEvent(name)
	if !ok {
		logger.Warn("unknown editor event %q", name)
		return
	}
	if event.Type == engine.EventTextChanged || event.Type == engine.EventTrigger {
		res, err := d.buf.Sync()
		if err != nil {
			logger.Error("sync before %s: %v", event.Type, err)
			return
		}
		event.URI = res.NewURI
		if res.BufferChanged {
			logger.Debug("buffer changed: %s -> %s", res.OldURI, res.NewURI)
			event.Entered = true
		}
	}
	d.engine.Send(event)
}

// translateEvent maps plugin event names onto engine events. The plugin does
// not report change ranges, so text changes carry one unranged change.
func translateEvent(name string) (engine.Event, bool) {
	if name == cycleEvent {
		return engine.Event{Type: engine.EventTrigger, Cycling: true}, true
	}
	switch t := engine.EventTypeFromString(name); t {
	case engine.EventTextChanged:
		return engine.Event{Type: t, Changes: []edits.Change{{}}}, true
	case engine.EventTrigger, engine.EventAccept, engine.EventReject:
		return engine.Event{Type: t}, true
	}
	return engine.Event{}, false
}

func (d *Daemon) monitorIdleShutdown() {
	// In debug mode, shut down as soon as no clients are connected
	if d.config.DebugImmediateShutdown {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				if atomic.LoadInt64(&d.clientCount) == 0 {
					logger.Info("debug mode: no clients connected, shutting down daemon immediately")
					d.Stop()
					return
				}
			}
		}
	}

	idleTimer := time.NewTimer(idleTimeout)
	defer idleTimer.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-idleTimer.C:
			if atomic.LoadInt64(&d.clientCount) == 0 {
				logger.Info("no clients connected for timeout period, shutting down daemon")
				d.Stop()
				return
			}
		}
		if atomic.LoadInt64(&d.clientCount) == 0 {
			idleTimer.Reset(idleRecheck)
		} else {
			idleTimer.Reset(idleTimeout)
		}
	}
}

func (d *Daemon) Stop() {
	d.engine.Stop()
	if d.metrics != nil {
		d.metrics.Flush()
	}
	if d.listener != nil {
		_ = d.listener.Close()
	}
	d.cancel()
}

func (d *Daemon) cleanup() {
	_ = os.Remove(d.socketPath)
}

func (d *Daemon) writePidFile() {
	pid := os.Getpid()
	if err := os.WriteFile(d.pidPath, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		logger.Warn("could not write PID file: %v", err)
	}
	logger.Info("server started with PID %d", pid)
}

func (d *Daemon) removePidFile() {
	if err := os.Remove(d.pidPath); err != nil && !os.IsNotExist(err) {
		logger.Warn("could not remove PID file: %v", err)
	}
}
