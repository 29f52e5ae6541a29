package agent

import (
	"context"
	"errors"
	"log"
	"net/netip"
	"sync"

	"github.com/strct-org/strct-provision/internal/config"
	"github.com/strct-org/strct-provision/internal/credentials"
	"github.com/strct-org/strct-provision/internal/discovery"
	"github.com/strct-org/strct-provision/internal/errs"
	"github.com/strct-org/strct-provision/internal/features/monitor"
	"github.com/strct-org/strct-provision/internal/link"
	"github.com/strct-org/strct-provision/internal/netx"
	"github.com/strct-org/strct-provision/internal/notify"
	"github.com/strct-org/strct-provision/internal/ota"
	"github.com/strct-org/strct-provision/internal/scancache"
	"github.com/strct-org/strct-provision/internal/setup"
	"github.com/strct-org/strct-provision/internal/wifi"
)

const (
	OpAgentInit   errs.Op = "agent.New"
	OpAfterJoin   errs.Op = "agent.afterConnect"
	OpPublishLink errs.Op = "agent.publishLink"
)

// ErrRestartRequired is returned by Run after an update was applied; the
// service manager restarts the process into the new binary.
var ErrRestartRequired = errors.New("agent: restart required to finish update")

// Runner is a background loop owned by the agent.
type Runner interface {
	Run(ctx context.Context) error
}

type Agent struct {
	Config *config.Config

	Wifi      wifi.Driver
	Store     *credentials.Store
	Cache     *scancache.Cache
	Portal    *setup.Portal
	DNS       *setup.Redirector
	Discovery *discovery.Advertiser // nil when no hostnames are configured
	Link      *link.Monitor

	Health   *monitor.NetworkMonitor // nil when PING_TARGET is empty
	Updater  *ota.Updater
	Notifier *notify.Publisher // nil when MQTT_BROKER is empty

	Runners []Runner

	mu           sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	healthCancel context.CancelFunc
	restart      bool
}

func New(cfg *config.Config) (*Agent, error) {
	store, err := credentials.Open(cfg.DataDir)
	if err != nil {
		return nil, errs.E(OpAgentInit, err)
	}

	a := &Agent{
		Config:   cfg,
		Wifi:     loadWifiDriver(cfg),
		Store:    store,
		Cache:    scancache.New(),
		DNS:      setup.NewRedirector(cfg.DNSAddr(), cfg.PortalIP),
		Updater:  ota.NewUpdater(ota.Config{CurrentVersion: cfg.AgentVersion, StorageURL: cfg.OTAURL}),
		Notifier: notify.New(cfg.MQTTBroker, cfg.MQTTTopic, cfg.DeviceID),
	}

	var onSaved func()
	if cfg.ReconnectOnSave {
		onSaved = func() { a.Link.RequestJoin() }
	}
	a.Portal = setup.NewPortal(cfg.HTTPAddr(), a.Cache, store, onSaved)

	if cfg.SetupHostname != "" || cfg.Hostname != "" {
		a.Discovery = discovery.New(discoveryConfig(cfg))
	}

	if cfg.PingTarget != "" {
		a.Health = monitor.New(cfg.PingTarget)
		a.Health.Report = a.publishHealth
	}

	opts := link.Options{
		Driver:      a.Wifi,
		Credentials: store,
		Cache:       a.Cache,
		Portal:      a.Portal,
		DNS:         a.DNS,
		AP:          wifi.NewAPProfile(cfg.APSSID, cfg.APPassword),
		Interval:    cfg.CheckInterval,
	}
	if a.Discovery != nil {
		opts.Advertiser = a.Discovery
	}
	a.Link = link.New(opts)
	a.Link.Subscribe(a.onLinkChange)

	a.Runners = append(a.Runners, a.Link)
	if r, ok := a.Wifi.(Runner); ok {
		a.Runners = append(a.Runners, r)
	}

	return a, nil
}

func loadWifiDriver(cfg *config.Config) wifi.Driver {
	if cfg.IsArm64() {
		return wifi.NewRealWiFi(cfg.WifiIface, cfg.PortalIP.String())
	}
	return wifi.NewMockWiFi()
}

func discoveryConfig(cfg *config.Config) discovery.Config {
	txt := []string{"path=/", "id=" + cfg.DeviceID}

	setupIP := cfg.PortalIP
	if cfg.IsDev {
		// No access point exists in dev mode; announce the host's address.
		setupIP = netip.Addr{}
	}

	return discovery.Config{
		Setup: discovery.Identity{
			Hostname: cfg.SetupHostname,
			Instance: "WiFi Config",
			Port:     cfg.HTTPPort,
			IP:       setupIP,
			TXT:      txt,
		},
		Connected: discovery.Identity{
			Hostname: cfg.Hostname,
			TXT:      txt,
		},
		ResolveIP: func() netip.Addr {
			return netx.OutboundIP(netx.DefaultProbe)
		},
	}
}

// Run starts every runner and blocks until ctx is done or an update asks
// for a restart.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	a.ctx, a.cancel = ctx, cancel
	a.mu.Unlock()

	log.Println("--- Strct Provisioning Agent Starting ---")

	var wg sync.WaitGroup
	for _, runner := range a.Runners {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[CRITICAL] Component crashed: %v", err)
			}
		}(runner)
	}
	wg.Wait()

	a.stopHealth()
	if a.Discovery != nil {
		a.Discovery.Stop()
	}
	if a.Notifier != nil {
		a.Notifier.Close()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.restart {
		return ErrRestartRequired
	}
	return nil
}

// onLinkChange runs on the link monitor goroutine, so anything that touches
// the network is pushed to its own goroutine.
func (a *Agent) onLinkChange(n link.Notification) {
	log.Printf("[INIT] Link %s", n)

	switch n {
	case link.Connected:
		ctx := a.startHealth()
		go a.afterConnect(ctx)
	case link.Disconnected:
		a.stopHealth()
		go a.publishLink("disconnected", "")
	}
}

func (a *Agent) afterConnect(ctx context.Context) {
	ssid := ""
	if st, err := a.Wifi.LinkStatus(); err == nil {
		ssid = st.SSID
	}
	a.publishLink("connected", ssid)

	updated, err := a.Updater.Check(ctx)
	if err != nil {
		log.Printf("[OTA] Update check failed: %v", errs.E(OpAfterJoin, err))
		return
	}
	if updated {
		log.Println("[OTA] Restarting to run the new version")
		a.mu.Lock()
		a.restart = true
		cancel := a.cancel
		a.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

func (a *Agent) startHealth() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()

	parent := a.ctx
	if parent == nil {
		parent = context.Background()
	}
	if a.healthCancel != nil {
		a.healthCancel()
	}
	ctx, cancel := context.WithCancel(parent)
	a.healthCancel = cancel

	if a.Health != nil {
		go a.Health.Run(ctx)
	}
	return ctx
}

func (a *Agent) stopHealth() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.healthCancel != nil {
		a.healthCancel()
		a.healthCancel = nil
	}
}

func (a *Agent) publishLink(state, ssid string) {
	if a.Notifier == nil {
		return
	}
	if err := a.Notifier.Connect(); err != nil {
		log.Printf("[MQTT] %v", errs.E(OpPublishLink, err))
		return
	}
	s := notify.LinkState{State: state, SSID: ssid}
	if state == "connected" {
		if ip := netx.OutboundIP(netx.DefaultProbe); ip.IsValid() {
			s.IP = ip.String()
		}
	}
	if err := a.Notifier.PublishState(s); err != nil {
		log.Printf("[MQTT] %v", errs.E(OpPublishLink, err))
	}
}

func (a *Agent) publishHealth(stats monitor.MonitorStats) {
	if a.Notifier == nil {
		return
	}
	report := struct {
		monitor.MonitorStats
		Health monitor.Health `json:"health"`
	}{stats, stats.Assess()}
	if err := a.Notifier.PublishHealth(report); err != nil {
		log.Printf("[MQTT] %v", err)
	}
}
