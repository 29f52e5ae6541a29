package agent

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/strct-org/strct-provision/internal/config"
	"github.com/strct-org/strct-provision/internal/credentials"
	"github.com/strct-org/strct-provision/internal/link"
	"github.com/strct-org/strct-provision/internal/wifi"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DeviceID:        "device-test",
		DataDir:         t.TempDir(),
		IsDev:           true,
		WifiIface:       "wlan0",
		APSSID:          "Strct-Setup-TEST",
		PortalIP:        netip.MustParseAddr("192.168.4.1"),
		CheckInterval:   20 * time.Millisecond,
		ReconnectOnSave: true,
		AgentVersion:    "0.1.0",
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startAgent(t *testing.T, a *Agent) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Timeout: agent did not stop")
			return nil
		}
	}
}

func portalURL(t *testing.T, a *Agent, path string) string {
	t.Helper()
	_, port, err := net.SplitHostPort(a.Portal.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	return "http://127.0.0.1:" + port + path
}

func TestProvisioningThroughPortal(t *testing.T) {
	a, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Wifi.(*wifi.MockWiFi).JoinDelay = 10 * time.Millisecond
	stop := startAgent(t, a)

	waitFor(t, "setup network", func() bool {
		return a.Link.State() == link.StateAPFallback && a.Portal.LocalAddr() != nil
	})

	waitFor(t, "scan results in portal", func() bool {
		resp, err := http.Get(portalURL(t, a, "/scan"))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(body), `"ssid":"Test_Net"`)
	})

	form := url.Values{"ssid": {"Test_Net"}, "password": {"password123"}}
	resp, err := http.PostForm(portalURL(t, a, "/settings"), form)
	if err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "Reconnecting") {
		t.Fatalf("settings reply %d: %s", resp.StatusCode, body)
	}

	waitFor(t, "station link with setup services stopped", func() bool {
		return a.Link.State() == link.StateConnected && a.Portal.LocalAddr() == nil && a.DNS.LocalAddr() == nil
	})

	creds, err := a.Store.Get()
	if err != nil {
		t.Fatal(err)
	}
	if creds.SSID != "Test_Net" || creds.Password != "password123" {
		t.Errorf("stored %+v", creds)
	}

	if err := stop(); err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestRecoversAfterLinkLoss(t *testing.T) {
	cfg := testConfig(t)
	store, err := credentials.Open(cfg.DataDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Set("Test_Net", "password123"); err != nil {
		t.Fatal(err)
	}

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mock := a.Wifi.(*wifi.MockWiFi)
	mock.JoinDelay = 10 * time.Millisecond

	var (
		mu    sync.Mutex
		notes []link.Notification
	)
	a.Link.Subscribe(func(n link.Notification) {
		mu.Lock()
		notes = append(notes, n)
		mu.Unlock()
	})
	seen := func() []link.Notification {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(notes)
	}

	stop := startAgent(t, a)

	waitFor(t, "first join", func() bool { return a.Link.State() == link.StateConnected })

	mock.Drop()

	want := []link.Notification{link.Connected, link.Disconnected, link.Connected}
	waitFor(t, "re-join", func() bool { return slices.Equal(seen(), want) })

	if err := stop(); err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestNewOptionalComponents(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if a.Discovery != nil || a.Health != nil || a.Notifier != nil {
		t.Error("optional components built without configuration")
	}

	cfg = testConfig(t)
	cfg.SetupHostname, cfg.Hostname = "strct-setup", "strct"
	cfg.PingTarget = "8.8.8.8"
	cfg.MQTTBroker, cfg.MQTTTopic = "tcp://127.0.0.1:1883", "strct/device-test/link"
	a, err = New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if a.Discovery == nil || a.Health == nil || a.Notifier == nil {
		t.Error("configured components missing")
	}
}

func TestDiscoveryConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.SetupHostname, cfg.Hostname, cfg.HTTPPort = "strct-setup", "strct", 80

	dc := discoveryConfig(cfg)
	if dc.Setup.IP.IsValid() {
		t.Error("dev mode should resolve the setup address from the host")
	}
	if dc.Setup.Port != 80 || dc.Connected.Port != 0 {
		t.Errorf("ports = %d/%d", dc.Setup.Port, dc.Connected.Port)
	}

	cfg.IsDev = false
	if got := discoveryConfig(cfg).Setup.IP; got != cfg.PortalIP {
		t.Errorf("setup IP = %v, want portal address", got)
	}
}
