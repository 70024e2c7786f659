// Command zonecastd is the zone audio distribution server daemon.
// Run with --mock to persist configuration in memory instead of on disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/announce"
	"github.com/micro-nova/zonecast/internal/api"
	"github.com/micro-nova/zonecast/internal/audio"
	"github.com/micro-nova/zonecast/internal/config"
	"github.com/micro-nova/zonecast/internal/discovery"
	"github.com/micro-nova/zonecast/internal/engine"
	"github.com/micro-nova/zonecast/internal/events"
	"github.com/micro-nova/zonecast/internal/gateway"
	"github.com/micro-nova/zonecast/internal/group"
	"github.com/micro-nova/zonecast/internal/metrics"
	"github.com/micro-nova/zonecast/internal/outputs"
	"github.com/micro-nova/zonecast/internal/outputs/dlna"
	"github.com/micro-nova/zonecast/internal/playback"
	"github.com/micro-nova/zonecast/internal/zone"
)

const (
	discoveryTimeout = 5 * time.Second
	disposeTimeout   = 3 * time.Second
	shutdownTimeout  = 15 * time.Second
)

func main() {
	var (
		mock            = flag.Bool("mock", false, "keep configuration in memory instead of writing to disk")
		addr            = flag.String("addr", ":8000", "admin API listen address")
		gatewayAddr     = flag.String("gateway-addr", ":8001", "stream gateway listen address (renderer-reachable)")
		cfgDir          = flag.String("config-dir", "", "config directory (default: ~/.config/zonecast)")
		ffmpegPath      = flag.String("ffmpeg", "", "ffmpeg binary path (default: \"ffmpeg\" from PATH)")
		gatewayHost     = flag.String("gateway-host", "", "host:port renderers use to reach the stream gateway (default: derived from --gateway-addr)")
		slaveStatusAddr = flag.String("slave-status-addr", "", "slave-player subprocess status API address (host:port), if one is supervised")
		debug           = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logLevel := zerolog.InfoLevel
	if *debug {
		logLevel = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(logLevel).
		With().Timestamp().Str("service", "zonecastd").Logger()

	if *cfgDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatal().Err(err).Msg("cannot determine home directory")
		}
		*cfgDir = filepath.Join(home, ".config", "zonecast")
	}
	if err := os.MkdirAll(*cfgDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("path", *cfgDir).Msg("cannot create config directory")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Static zone/group state.
	var store config.Store
	if *mock {
		log.Info().Msg("using in-memory config store")
		store = config.NewMemStore()
	} else {
		store = config.NewJSONStore(*cfgDir)
	}
	sysCfg, err := store.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load system config")
	}

	// Driver/discovery tuning, hot-reloaded from YAML.
	driverCfgPath := filepath.Join(*cfgDir, "drivers.yaml")
	driverWatcher, err := config.NewDriverConfigWatcher(driverCfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", driverCfgPath).Msg("failed to load driver config")
	}
	defer driverWatcher.Close()
	driverWatcher.OnReload(func(cfg config.DriverConfig) {
		log.Info().Msg("driver config reloaded")
	})

	gatewayBase := *gatewayHost
	if gatewayBase == "" {
		gatewayBase = deriveGatewayBase(*gatewayAddr)
	}

	// Transcode engine.
	spawner := engine.NewFFmpegSpawner(*ffmpegPath)
	eng := engine.NewTranscodeEngine(spawner, log)
	playbackSvc := playback.New(eng, log)

	// Output driver registry + binder, wired before audio.Manager since
	// OutputCapabilities is satisfied by the registry directly.
	reg := outputs.NewRegistry()
	waiter := dlna.NewRequestWaiter()
	binder := newOutputBinder(reg, waiter, driverWatcher.Current, gatewayBase, log)

	// audio.Manager needs a GroupLeaderLookup that only group.Manager can
	// answer, but group.Manager needs audio.Manager as its SessionLookup:
	// leaderRef stands in for group.Manager until it exists below.
	leaderRef := &groupLeaderRef{}
	audioMgr := audio.NewManager(eng, noopErrorNotifier{log: log}, reg, leaderRef, log)
	go audioMgr.Run(ctx)

	zones := newZoneRegistry()
	chunkWaiter := playbackSvc
	eventBus := events.NewBus[any]()
	for _, zc := range sysCfg.Zones {
		p := zone.New(zc.ID, audioMgr, chunkWaiter, log)
		zones.add(zc.ID, !zc.Muted, p)
		go fanInZoneEvents(ctx, p, eventBus)
	}

	// Group coordination.
	tracker := group.NewTracker()
	for _, g := range sysCfg.Groups {
		g.Normalize()
		if err := g.Validate(); err == nil {
			_, _ = tracker.Upsert(g)
		}
	}
	mixed := group.NewMixedGroupCoordinator(zones, playbackSvc, log)
	// No AirPlayCoordinator implementation exists: native AirPlay group
	// join/leave has no library support anywhere in the retrieval pack, so
	// homogeneous AirPlay groups fall back to the same PCM tap replication
	// mixed-protocol groups use.
	groupMgr := group.NewManager(tracker, zones, audioMgr, reg, reg, nil, mixed, log)
	leaderRef.set(groupMgr)
	go groupMgr.Run(ctx)

	// Stream gateway (renderer-facing HTTP).
	observer := waiter
	gw := gateway.New(audioMgr, playbackSvc, audioMgr, observer, log)

	// Prometheus metrics.
	metricsRecorder := metrics.New(prometheus.DefaultRegisterer, playbackSvc, zones, log)
	go metricsRecorder.Run(ctx, 10*time.Second)

	// Announcements.
	announceMgr := announce.New(announcePlayerLookup{z: zones}, audioMgr, reg, zones, groupMembersAdapter{tracker: tracker}, metricsRecorder, log)

	// mDNS advertisement of the admin API.
	hostname, _ := os.Hostname()
	mdnsPort := portOf(*addr, 8000)
	mdns := discovery.NewMDNSService(hostname, mdnsPort)
	go func() {
		if err := mdns.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("mdns advertisement failed")
		}
	}()

	// Admin API.
	configAdapter := newConfigAdapter(store, zones, tracker, log)
	commander := newZoneCommander(zones, reg)
	handlers := api.New(
		staticAudioDevices{},
		slavePlayerLister{statusAddr: *slaveStatusAddr},
		binder,
		nil, // no amplifier/power-rail hardware exists in this domain
		configAdapter,
		staticTransportLister{},
		commander,
		eventBus,
	)
	adminRouter := api.NewRouter(handlers)
	adminSrv := &http.Server{
		Addr:         *addr,
		Handler:      adminRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE subscribers hold the connection open
		IdleTimeout:  120 * time.Second,
	}

	gatewaySrv := &http.Server{
		Addr:         *gatewayAddr,
		Handler:      gw.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", *addr).Msg("admin API listening")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin server error")
		}
	}()
	go func() {
		log.Info().Str("addr", *gatewayAddr).Str("gateway_base", gatewayBase).Msg("stream gateway listening")
		if err := gatewaySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("gateway server error")
		}
	}()

	go fanInSessionEvents(ctx, audioMgr, eventBus)
	go fanInGroupEvents(ctx, groupMgr, eventBus)
	_ = announceMgr // reachable via a future admin endpoint; kept wired and ready

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutCancel()

	reg.DisposeAll(shutCtx)
	if err := store.Flush(); err != nil {
		log.Warn().Err(err).Msg("failed to flush config")
	}
	if err := adminSrv.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("admin server shutdown error")
	}
	if err := gatewaySrv.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("gateway server shutdown error")
	}
	log.Info().Msg("shutdown complete")
}

// deriveGatewayBase turns a listen address like ":8001" into a
// renderer-reachable "host:port" by substituting the machine's hostname
// for an empty host part; a deployment behind NAT or multiple interfaces
// should instead pass --gateway-host explicitly.
func deriveGatewayBase(addr string) string {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		if h, err := os.Hostname(); err == nil {
			host = h
		}
	}
	return host + ":" + port
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("invalid address %q", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}

func portOf(addr string, fallback int) int {
	_, portStr, err := splitHostPort(addr)
	if err != nil {
		return fallback
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fallback
	}
	return port
}

// noopErrorNotifier satisfies models.OutputErrorNotifier by logging only,
// as an operator-visible trail; the errors are not forwarded to
// zone.Player.NotifyError or to any other subscriber.
type noopErrorNotifier struct {
	log zerolog.Logger
}

func (n noopErrorNotifier) NotifyOutputError(zoneID int, reason string) {
	n.log.Warn().Int("zone_id", zoneID).Str("reason", reason).Msg("output error")
}

func fanInZoneEvents(ctx context.Context, p *zone.Player, bus *events.Bus[any]) {
	ch, unsub := p.Subscribe(fmt.Sprintf("zonecastd-%p", p))
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			bus.Publish(ev)
		}
	}
}

func fanInSessionEvents(ctx context.Context, mgr *audio.Manager, bus *events.Bus[any]) {
	ch, unsub := mgr.Subscribe("zonecastd-sessions")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			bus.Publish(ev)
		}
	}
}

func fanInGroupEvents(ctx context.Context, mgr *group.Manager, bus *events.Bus[any]) {
	ch, unsub := mgr.Subscribe("zonecastd-groups")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			bus.Publish(ev)
		}
	}
}
