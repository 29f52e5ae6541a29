// Package link owns the device's connection state. A single goroutine
// drives it: periodic ticks probe the station link, driver events report
// disconnects and finished scans, and the monitor starts or stops the
// setup infrastructure (access point, portal, DNS redirector) to match.
package link

import (
	"context"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/strct-org/strct-provision/internal/credentials"
	"github.com/strct-org/strct-provision/internal/discovery"
	"github.com/strct-org/strct-provision/internal/errs"
	"github.com/strct-org/strct-provision/internal/scancache"
	"github.com/strct-org/strct-provision/internal/wifi"
)

const (
	OpJoin          errs.Op = "link.join"
	OpEnterFallback errs.Op = "link.enterFallback"
	OpEnterConnect  errs.Op = "link.enterConnected"
	OpDisconnect    errs.Op = "link.handleDisconnect"
	OpScanDone      errs.Op = "link.handleScanDone"
	OpShutdown      errs.Op = "link.shutdown"
)

const DefaultInterval = 2 * time.Second

type State uint8

const (
	StateDisconnected State = iota
	StateAPFallback
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAPFallback:
		return "ap-fallback"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Notification is raised to subscribers on each connection edge.
type Notification uint8

const (
	Connected Notification = iota + 1
	Disconnected
)

func (n Notification) String() string {
	switch n {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Service is something the monitor runs only while in AP fallback.
type Service interface {
	Start() error
	Stop() error
}

type Advertiser interface {
	Advertise(role discovery.Role) error
}

type CredentialReader interface {
	Get() (credentials.Credentials, error)
}

type Options struct {
	Driver      wifi.Driver
	Credentials CredentialReader
	Cache       *scancache.Cache
	Portal      Service
	DNS         Service
	// Advertiser is optional.
	Advertiser Advertiser
	AP         wifi.APProfile
	Interval   time.Duration
}

type Monitor struct {
	driver   wifi.Driver
	creds    CredentialReader
	cache    *scancache.Cache
	portal   Service
	dns      Service
	adv      Advertiser
	ap       wifi.APProfile
	interval time.Duration

	// Owned by the goroutine running the monitor.
	setupDone bool
	rearm     bool

	joinReq chan struct{}

	mu      sync.Mutex
	state   State
	timerOn bool
	last    Notification
	subs    []func(Notification)
}

func New(opts Options) *Monitor {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		driver:   opts.Driver,
		creds:    opts.Credentials,
		cache:    opts.Cache,
		portal:   opts.Portal,
		dns:      opts.DNS,
		adv:      opts.Advertiser,
		ap:       opts.AP,
		interval: interval,
		joinReq:  make(chan struct{}, 1),
		state:    StateDisconnected,
		timerOn:  true,
	}
}

// Subscribe registers fn for Connected and Disconnected notifications. fn
// runs on the monitor goroutine and must not block.
func (m *Monitor) Subscribe(fn func(Notification)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TimerRunning reports whether periodic ticks are currently armed.
func (m *Monitor) TimerRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timerOn
}

// RequestJoin asks the monitor to try the stored credentials again. It is
// safe to call from any goroutine; requests made while one is pending are
// merged.
func (m *Monitor) RequestJoin() {
	select {
	case m.joinReq <- struct{}{}:
	default:
	}
}

// Start performs the startup join: when credentials are stored the radio is
// put in station mode and a join is attempted. Its outcome is left to the
// first tick.
func (m *Monitor) Start() {
	log.Println("[LINK] Starting link monitor")
	m.join(wifi.ModeSTA)
}

// Run starts the monitor and serves ticks, driver events and join requests
// until ctx is done. The setup services are stopped on return.
func (m *Monitor) Run(ctx context.Context) error {
	m.Start()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	events := m.driver.Events()
	for {
		var tick <-chan time.Time
		if m.TimerRunning() {
			tick = ticker.C
		}

		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case <-tick:
			m.Tick()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.HandleEvent(ev)
		case <-m.joinReq:
			m.join(0)
		}

		if m.rearm {
			m.rearm = false
			ticker.Reset(m.interval)
		}
	}
}

// Tick probes the station link and moves to Connected when it is up, or
// builds the setup infrastructure once per fallback episode when it is not.
func (m *Monitor) Tick() {
	st, err := m.driver.LinkStatus()
	if err == nil {
		if m.State() != StateConnected {
			m.enterConnected(st)
		}
		return
	}
	if !m.setupDone {
		m.enterFallback()
	}
}

// HandleEvent applies one driver event.
func (m *Monitor) HandleEvent(ev wifi.Event) {
	switch ev {
	case wifi.EventStationDisconnected:
		m.handleDisconnect()
	case wifi.EventScanDone:
		m.handleScanDone()
	default:
		log.Printf("[LINK] Ignoring unknown driver event %d", ev)
	}
}

func (m *Monitor) enterConnected(st wifi.Station) {
	log.Printf("[LINK] Station link up on %q (%d dBm)", st.SSID, st.RSSI)

	m.setState(StateConnected)
	m.setupDone = false

	m.notify(Connected)
	m.bestEffort(OpEnterConnect, "stop portal", m.portal.Stop())
	m.bestEffort(OpEnterConnect, "stop dns redirector", m.dns.Stop())
	m.stopTimer()
	m.advertise(OpEnterConnect, discovery.RoleConnected)
}

func (m *Monitor) enterFallback() {
	log.Printf("[LINK] No station link, bringing up setup network %q (%s)", m.ap.SSID, m.ap.AuthMode)

	m.bestEffort(OpEnterFallback, "set AP+STA mode", m.driver.SetMode(wifi.ModeAPSTA))
	m.bestEffort(OpEnterFallback, "configure access point", m.driver.ConfigureAP(m.ap))
	m.bestEffort(OpEnterFallback, "start portal", m.portal.Start())
	m.bestEffort(OpEnterFallback, "start dns redirector", m.dns.Start())
	m.advertise(OpEnterFallback, discovery.RoleSetup)

	m.cache.Reset()
	m.bestEffort(OpEnterFallback, "start scan", m.driver.StartScan())

	m.setupDone = true
	m.setState(StateAPFallback)
}

func (m *Monitor) handleDisconnect() {
	prev := m.State()
	log.Printf("[LINK] Station disconnected (was %s)", prev)

	m.notify(Disconnected)
	m.bestEffort(OpDisconnect, "disconnect", m.driver.Disconnect())
	m.bestEffort(OpDisconnect, "stop radio", m.driver.Stop())
	m.bestEffort(OpDisconnect, "start radio", m.driver.Start())

	// The radio restart takes the access point down with it, so the next
	// link-down tick has to rebuild the fallback.
	m.setState(StateDisconnected)
	m.setupDone = false

	if prev == StateConnected {
		m.join(wifi.ModeSTA)
	}
	m.startTimer()
}

func (m *Monitor) handleScanDone() {
	records, err := m.driver.ScanResults()
	if err != nil {
		log.Printf("[LINK] %v", errs.E(OpScanDone, errs.KindNetwork, err, "scan results unavailable"))
		return
	}
	m.cache.Update(records)
	log.Printf("[LINK] Scan done: %d networks, %d cached", len(records), m.cache.Len())
}

// join configures the stored network and starts connecting. A zero mode
// leaves the radio mode alone, keeping the setup network up.
func (m *Monitor) join(mode wifi.Mode) {
	c, err := m.creds.Get()
	if err != nil {
		log.Printf("[LINK] %v", errs.E(OpJoin, err, "treating device as unprovisioned"))
		return
	}
	if !c.Provisioned() {
		log.Println("[LINK] No stored credentials")
		return
	}

	log.Printf("[LINK] Joining %q", c.SSID)
	if mode != 0 {
		m.bestEffort(OpJoin, "set "+mode.String()+" mode", m.driver.SetMode(mode))
	}
	m.bestEffort(OpJoin, "configure station", m.driver.ConfigureStation(string(c.SSID), string(c.Password)))
	m.bestEffort(OpJoin, "connect", m.driver.Connect())
}

func (m *Monitor) shutdown() {
	log.Println("[LINK] Stopping link monitor")
	m.bestEffort(OpShutdown, "stop portal", m.portal.Stop())
	m.bestEffort(OpShutdown, "stop dns redirector", m.dns.Stop())
}

func (m *Monitor) advertise(op errs.Op, role discovery.Role) {
	if m.adv == nil {
		return
	}
	m.bestEffort(op, "advertise "+role.String(), m.adv.Advertise(role))
}

// bestEffort logs a failed driver or service call. The next tick is the
// source of truth, so nothing is retried.
func (m *Monitor) bestEffort(op errs.Op, what string, err error) {
	if err != nil {
		log.Printf("[LINK] %v", errs.E(op, err, what+" failed"))
	}
}

// notify delivers n to subscribers unless it repeats the last notification.
func (m *Monitor) notify(n Notification) {
	m.mu.Lock()
	if m.last == n {
		m.mu.Unlock()
		return
	}
	m.last = n
	subs := slices.Clone(m.subs)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(n)
	}
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Monitor) stopTimer() {
	m.mu.Lock()
	m.timerOn = false
	m.mu.Unlock()
}

func (m *Monitor) startTimer() {
	m.mu.Lock()
	m.timerOn = true
	m.mu.Unlock()
	m.rearm = true
}
