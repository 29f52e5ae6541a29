package link

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/strct-org/strct-provision/internal/credentials"
	"github.com/strct-org/strct-provision/internal/discovery"
	"github.com/strct-org/strct-provision/internal/scancache"
	"github.com/strct-org/strct-provision/internal/wifi"
)

// recorder keeps one ordered log of side effects across all the spies.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *recorder) count(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (r *recorder) since(mark int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls[mark:])
}

func (r *recorder) mark() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// SpyWiFi is a driver whose link state the test controls.
type SpyWiFi struct {
	rec *recorder

	mu       sync.Mutex
	linkUp   bool
	networks []wifi.Network
	fail     error
	apSeen   wifi.APProfile
	ssidSeen string
	passSeen string

	events chan wifi.Event
}

func (s *SpyWiFi) setLink(up bool) {
	s.mu.Lock()
	s.linkUp = up
	s.mu.Unlock()
}

func (s *SpyWiFi) call(name string) error {
	s.rec.add(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail
}

func (s *SpyWiFi) SetMode(m wifi.Mode) error { return s.call("mode " + m.String()) }
func (s *SpyWiFi) ConfigureAP(p wifi.APProfile) error {
	s.mu.Lock()
	s.apSeen = p
	s.mu.Unlock()
	return s.call("configure-ap")
}
func (s *SpyWiFi) ConfigureStation(ssid, password string) error {
	s.mu.Lock()
	s.ssidSeen, s.passSeen = ssid, password
	s.mu.Unlock()
	return s.call("configure-sta")
}
func (s *SpyWiFi) Connect() error    { return s.call("connect") }
func (s *SpyWiFi) Disconnect() error { return s.call("disconnect") }
func (s *SpyWiFi) Stop() error       { return s.call("radio-stop") }
func (s *SpyWiFi) Start() error      { return s.call("radio-start") }
func (s *SpyWiFi) StartScan() error  { return s.call("scan") }

func (s *SpyWiFi) ScanResults() ([]wifi.Network, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.networks), nil
}

func (s *SpyWiFi) LinkStatus() (wifi.Station, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.linkUp {
		return wifi.Station{}, wifi.ErrNotConnected
	}
	return wifi.Station{SSID: "HomeWiFi", RSSI: -50}, nil
}

func (s *SpyWiFi) Events() <-chan wifi.Event { return s.events }

// SpyService stands in for the portal and the DNS redirector.
type SpyService struct {
	name string
	rec  *recorder

	mu      sync.Mutex
	running bool
	err     error
}

func (s *SpyService) Start() error {
	s.rec.add(s.name + ".start")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	return s.err
}

func (s *SpyService) Stop() error {
	s.rec.add(s.name + ".stop")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

func (s *SpyService) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

type SpyAdvertiser struct{ rec *recorder }

func (s *SpyAdvertiser) Advertise(role discovery.Role) error {
	s.rec.add("advertise " + role.String())
	return nil
}

type SpyCreds struct {
	creds credentials.Credentials
	err   error
}

func (s *SpyCreds) Get() (credentials.Credentials, error) { return s.creds, s.err }

type harness struct {
	rec    *recorder
	wifi   *SpyWiFi
	portal *SpyService
	dns    *SpyService
	creds  *SpyCreds
	cache  *scancache.Cache
	m      *Monitor

	mu    sync.Mutex
	notes []Notification
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rec := &recorder{}
	h := &harness{
		rec:    rec,
		wifi:   &SpyWiFi{rec: rec, events: make(chan wifi.Event, 4)},
		portal: &SpyService{name: "portal", rec: rec},
		dns:    &SpyService{name: "dns", rec: rec},
		creds:  &SpyCreds{},
		cache:  scancache.New(),
	}
	h.m = New(Options{
		Driver:      h.wifi,
		Credentials: h.creds,
		Cache:       h.cache,
		Portal:      h.portal,
		DNS:         h.dns,
		Advertiser:  &SpyAdvertiser{rec: rec},
		AP:          wifi.NewAPProfile("Strct-Setup-ab12", ""),
		Interval:    10 * time.Millisecond,
	})
	h.m.Subscribe(func(n Notification) {
		rec.add("notify " + n.String())
		h.mu.Lock()
		h.notes = append(h.notes, n)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) notifications() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.notes)
}

func (h *harness) provision(ssid, password string) {
	h.creds.creds = credentials.Credentials{
		SSID:     credentials.NewSSID(ssid),
		Password: credentials.NewPassword(password),
	}
}

func TestFallbackBuiltOncePerEpisode(t *testing.T) {
	h := newHarness(t)
	h.m.Start()

	if h.rec.count("connect") != 0 {
		t.Fatal("unprovisioned device attempted a station join")
	}
	if h.m.State() != StateDisconnected {
		t.Fatalf("initial state = %s", h.m.State())
	}

	h.m.Tick()
	h.m.Tick()
	h.m.Tick()

	if h.m.State() != StateAPFallback {
		t.Fatalf("state = %s, want ap-fallback", h.m.State())
	}
	for _, call := range []string{"mode AP+STA", "configure-ap", "portal.start", "dns.start", "advertise setup", "scan"} {
		if got := h.rec.count(call); got != 1 {
			t.Errorf("%s happened %d times, want 1", call, got)
		}
	}
	if !h.portal.Running() || !h.dns.Running() {
		t.Error("portal and redirector should be running in fallback")
	}
	if h.wifi.apSeen.AuthMode != wifi.AuthOpen || h.wifi.apSeen.MaxConnections != wifi.MaxAPClients {
		t.Errorf("AP profile = %+v", h.wifi.apSeen)
	}
	if !h.m.TimerRunning() {
		t.Error("timer must keep running in fallback")
	}
	if len(h.notifications()) != 0 {
		t.Errorf("unexpected notifications %v", h.notifications())
	}
}

func TestConnectedFromFallback(t *testing.T) {
	h := newHarness(t)
	h.m.Start()
	h.m.Tick()

	h.wifi.setLink(true)
	mark := h.rec.mark()
	h.m.Tick()

	want := []string{"notify connected", "portal.stop", "dns.stop", "advertise connected"}
	if got := h.rec.since(mark); !slices.Equal(got, want) {
		t.Errorf("side effects = %v\nwant            %v", got, want)
	}
	if got := h.notifications(); !slices.Equal(got, []Notification{Connected}) {
		t.Errorf("notifications = %v", got)
	}
	if h.portal.Running() || h.dns.Running() {
		t.Error("portal or redirector still running after connect")
	}
	if h.m.TimerRunning() {
		t.Error("timer still running while connected")
	}
	if h.m.State() != StateConnected {
		t.Errorf("state = %s", h.m.State())
	}

	// A stray tick while the link stays up changes nothing.
	mark = h.rec.mark()
	h.m.Tick()
	if got := h.rec.since(mark); len(got) != 0 {
		t.Errorf("repeat tick produced %v", got)
	}
	if len(h.notifications()) != 1 {
		t.Errorf("Connected delivered %d times", len(h.notifications()))
	}
}

func TestStartupJoinWithStoredCredentials(t *testing.T) {
	h := newHarness(t)
	h.provision("HomeWiFi", "secretpassword")

	h.m.Start()

	want := []string{"mode STA", "configure-sta", "connect"}
	if got := h.rec.since(0); !slices.Equal(got, want) {
		t.Errorf("startup calls = %v, want %v", got, want)
	}
	if h.wifi.ssidSeen != "HomeWiFi" || h.wifi.passSeen != "secretpassword" {
		t.Errorf("station configured with %q/%q", h.wifi.ssidSeen, h.wifi.passSeen)
	}
	if h.m.State() != StateDisconnected {
		t.Errorf("startup join must not transition, state = %s", h.m.State())
	}
}

func TestCredentialReadFailureMeansUnprovisioned(t *testing.T) {
	h := newHarness(t)
	h.creds.err = errors.New("flash unreadable")

	h.m.Start()
	h.m.Tick()

	if h.rec.count("connect") != 0 {
		t.Error("join attempted without credentials")
	}
	if h.m.State() != StateAPFallback {
		t.Errorf("state = %s, want ap-fallback", h.m.State())
	}
}

func TestDisconnectWhileConnected(t *testing.T) {
	h := newHarness(t)
	h.provision("HomeWiFi", "secretpassword")
	h.m.Start()
	h.wifi.setLink(true)
	h.m.Tick()

	h.wifi.setLink(false)
	mark := h.rec.mark()
	h.m.HandleEvent(wifi.EventStationDisconnected)

	want := []string{"notify disconnected", "disconnect", "radio-stop", "radio-start", "mode STA", "configure-sta", "connect"}
	if got := h.rec.since(mark); !slices.Equal(got, want) {
		t.Errorf("side effects = %v\nwant            %v", got, want)
	}
	if h.m.State() != StateDisconnected {
		t.Errorf("state = %s", h.m.State())
	}
	if !h.m.TimerRunning() {
		t.Error("timer not restarted")
	}
	if got := h.notifications(); !slices.Equal(got, []Notification{Connected, Disconnected}) {
		t.Errorf("notifications = %v", got)
	}

	// The event itself does not rebuild the fallback; the next tick does.
	if h.rec.count("configure-ap") != 0 {
		t.Error("fallback built synchronously from the event")
	}
	h.m.Tick()
	if h.m.State() != StateAPFallback || h.rec.count("configure-ap") != 1 {
		t.Errorf("next tick did not enter fallback (state %s)", h.m.State())
	}
}

func TestDisconnectDuringFallbackRearmsEpisode(t *testing.T) {
	h := newHarness(t)
	h.m.Start()
	h.m.Tick()

	h.m.HandleEvent(wifi.EventStationDisconnected)
	h.m.HandleEvent(wifi.EventStationDisconnected)

	if got := h.notifications(); !slices.Equal(got, []Notification{Disconnected}) {
		t.Errorf("notifications = %v, want a single Disconnected", got)
	}
	if h.rec.count("connect") != 0 {
		t.Error("re-join attempted although the device was never connected")
	}

	h.m.Tick()
	h.m.Tick()
	if got := h.rec.count("configure-ap"); got != 2 {
		t.Errorf("access point configured %d times, want 2 (one per episode)", got)
	}
	// Starts are idempotent on the real services; the spy only counts them.
	if !h.portal.Running() || !h.dns.Running() {
		t.Error("setup services not running after rebuild")
	}
}

func TestScanDoneClampsToCapacity(t *testing.T) {
	tests := []struct {
		name     string
		reported int
		want     int
	}{
		{"None", 0, 0},
		{"Few", 3, 3},
		{"Exactly Full", scancache.Capacity, scancache.Capacity},
		{"Overflow", 37, scancache.Capacity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			for i := 0; i < tt.reported; i++ {
				h.wifi.networks = append(h.wifi.networks, wifi.Network{SSID: fmt.Sprintf("net-%02d", i), RSSI: int8(-30 - i)})
			}

			h.m.HandleEvent(wifi.EventScanDone)

			got := h.cache.Snapshot()
			if len(got) != tt.want {
				t.Fatalf("cached %d, want %d", len(got), tt.want)
			}
			for i, n := range got {
				if n.SSID != h.wifi.networks[i].SSID {
					t.Errorf("entry %d = %s, want %s", i, n.SSID, h.wifi.networks[i].SSID)
				}
			}
		})
	}
}

func TestFallbackResetsStaleScan(t *testing.T) {
	h := newHarness(t)
	h.cache.Update([]wifi.Network{{SSID: "stale"}})

	h.m.Tick()

	if h.cache.Len() != 0 {
		t.Error("scan cache not cleared when a new scan was started")
	}
}

func TestDriverFailuresAreBestEffort(t *testing.T) {
	h := newHarness(t)
	h.wifi.fail = errors.New("driver busy")
	h.portal.err = errors.New("address in use")

	h.m.Start()
	h.m.Tick()

	if h.m.State() != StateAPFallback {
		t.Fatalf("state = %s, want ap-fallback despite failures", h.m.State())
	}
	for _, call := range []string{"dns.start", "advertise setup", "scan"} {
		if h.rec.count(call) != 1 {
			t.Errorf("%s skipped after an earlier failure", call)
		}
	}

	// No retry within the episode.
	h.m.Tick()
	if h.rec.count("mode AP+STA") != 1 {
		t.Error("failed mode switch was retried")
	}
}

func TestJoinRequestKeepsSetupNetwork(t *testing.T) {
	h := newHarness(t)
	h.m.Start()
	h.m.Tick()
	h.provision("HomeWiFi", "secretpassword")

	mark := h.rec.mark()
	h.m.join(0)

	if got := h.rec.since(mark); !slices.Equal(got, []string{"configure-sta", "connect"}) {
		t.Errorf("join calls = %v", got)
	}
	if h.m.State() != StateAPFallback {
		t.Errorf("state = %s", h.m.State())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunLoop(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()

	waitFor(t, "ap fallback", func() bool { return h.m.State() == StateAPFallback })

	h.wifi.setLink(true)
	waitFor(t, "connected", func() bool { return h.m.State() == StateConnected })
	waitFor(t, "timer stop", func() bool { return !h.m.TimerRunning() })

	h.wifi.setLink(false)
	h.wifi.events <- wifi.EventStationDisconnected
	waitFor(t, "fallback after disconnect", func() bool {
		return h.m.State() == StateAPFallback && h.rec.count("configure-ap") == 2
	})

	h.provision("HomeWiFi", "secretpassword")
	h.m.RequestJoin()
	waitFor(t, "requested join", func() bool { return h.rec.count("connect") == 1 })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout: Run did not return after cancel")
	}
	if h.portal.Running() || h.dns.Running() {
		t.Error("setup services left running after Run returned")
	}
	if got := h.notifications(); !slices.Equal(got, []Notification{Connected, Disconnected}) {
		t.Errorf("notifications = %v", got)
	}
}

func TestEverySubscriberNotified(t *testing.T) {
	h := newHarness(t)

	var second, late []Notification
	h.m.Subscribe(func(n Notification) {
		second = append(second, n)
		if len(second) == 1 {
			// Registering from inside a callback takes effect on the next edge.
			h.m.Subscribe(func(n Notification) { late = append(late, n) })
		}
	})

	h.m.Start()
	h.m.Tick()
	h.wifi.setLink(true)
	h.m.Tick()
	h.m.HandleEvent(wifi.EventStationDisconnected)

	if want := []Notification{Connected, Disconnected}; !slices.Equal(second, want) || !slices.Equal(h.notifications(), want) {
		t.Errorf("notifications = %v and %v, want %v", h.notifications(), second, want)
	}
	if !slices.Equal(late, []Notification{Disconnected}) {
		t.Errorf("late subscriber saw %v", late)
	}
}
