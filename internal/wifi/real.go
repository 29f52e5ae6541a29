package wifi

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/strct-org/strct-provision/internal/errs"
)

const (
	OpConfigureAP errs.Op = "wifi.ConfigureAP"
	OpConnect     errs.Op = "wifi.Connect"
	OpScan        errs.Op = "wifi.Scan"
	OpWatch       errs.Op = "wifi.Watch"
)

const hotspotName = "Hotspot"

// RealWiFi drives the radio through NetworkManager's nmcli.
type RealWiFi struct {
	Interface string
	PortalIP  string

	// nmcli runs one nmcli invocation; replaced in tests.
	nmcli func(args ...string) ([]byte, error)

	events chan Event

	mu       sync.Mutex
	mode     Mode
	ssid     string
	password string
	networks []Network
}

func NewRealWiFi(iface, portalIP string) *RealWiFi {
	return &RealWiFi{
		Interface: iface,
		PortalIP:  portalIP,
		nmcli:     runNmcli,
		events:    make(chan Event, 8),
	}
}

func runNmcli(args ...string) ([]byte, error) {
	out, err := exec.Command("nmcli", args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("nmcli %s: %v: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

func (w *RealWiFi) Events() <-chan Event {
	return w.events
}

func (w *RealWiFi) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		log.Printf("[WIFI] Event queue full, dropping %s", ev)
	}
}

func (w *RealWiFi) SetMode(m Mode) error {
	w.mu.Lock()
	w.mode = m
	w.mu.Unlock()

	fmt.Printf("[WIFI] Switching %s to %s mode\n", w.Interface, m)
	if _, err := w.nmcli("radio", "wifi", "on"); err != nil {
		return err
	}
	if m == ModeSTA {
		// Not an error when the hotspot was never up.
		w.nmcli("con", "down", hotspotName)
	}
	return nil
}

func (w *RealWiFi) ConfigureAP(p APProfile) error {
	fmt.Printf("[WIFI] Configuring Hotspot: %s (%s, Force 2.4GHz)\n", p.SSID, p.AuthMode)

	w.nmcli("con", "delete", hotspotName)

	if _, err := w.nmcli("con", "add", "type", "wifi", "ifname", w.Interface, "con-name", hotspotName, "autoconnect", "no", "ssid", p.SSID); err != nil {
		return errs.E(OpConfigureAP, errs.KindSystem, err, "failed to add connection")
	}

	steps := [][]string{
		{"802-11-wireless.mode", "ap"},
		// 2.4GHz keeps the AP visible to every phone.
		{"802-11-wireless.band", "bg"},
		{"ipv4.method", "shared"},
		{"ipv4.addresses", w.PortalIP + "/24"},
	}
	if p.AuthMode != AuthOpen {
		steps = append(steps,
			[]string{"wifi-sec.key-mgmt", "wpa-psk"},
			[]string{"wifi-sec.proto", "wpa,rsn"},
			[]string{"wifi-sec.psk", p.Password},
		)
	}
	for _, kv := range steps {
		if _, err := w.nmcli("con", "modify", hotspotName, kv[0], kv[1]); err != nil {
			return errs.E(OpConfigureAP, errs.KindSystem, err, "failed to set "+kv[0])
		}
	}
	if p.MaxConnections > 0 {
		log.Printf("[WIFI] Client limit %d is enforced by the AP firmware, not NetworkManager", p.MaxConnections)
	}

	fmt.Println("[WIFI] Bringing up Hotspot...")
	if _, err := w.nmcli("con", "up", hotspotName); err != nil {
		return errs.E(OpConfigureAP, errs.KindSystem, err, "failed to bring up hotspot")
	}
	return nil
}

func (w *RealWiFi) ConfigureStation(ssid, password string) error {
	w.mu.Lock()
	w.ssid, w.password = ssid, password
	w.mu.Unlock()
	return nil
}

// Connect starts joining the configured station network in the background.
// A failed join is reported as EventStationDisconnected.
func (w *RealWiFi) Connect() error {
	w.mu.Lock()
	ssid, password := w.ssid, w.password
	w.mu.Unlock()

	if ssid == "" {
		return errs.E(OpConnect, errs.KindInvalid, "no station network configured")
	}

	go func() {
		fmt.Printf("[WIFI] Connecting to %s...\n", ssid)
		w.nmcli("con", "delete", ssid)

		args := []string{"dev", "wifi", "connect", ssid}
		if password != "" {
			args = append(args, "password", password)
		}
		args = append(args, "ifname", w.Interface)
		if _, err := w.nmcli(args...); err != nil {
			log.Printf("[WIFI] Join failed: %v", errs.E(OpConnect, errs.KindNetwork, err))
			w.emit(EventStationDisconnected)
		}
	}()
	return nil
}

func (w *RealWiFi) Disconnect() error {
	_, err := w.nmcli("dev", "disconnect", w.Interface)
	return err
}

func (w *RealWiFi) Stop() error {
	_, err := w.nmcli("radio", "wifi", "off")
	return err
}

func (w *RealWiFi) Start() error {
	_, err := w.nmcli("radio", "wifi", "on")
	return err
}

func (w *RealWiFi) StartScan() error {
	go func() {
		out, err := w.nmcli("-t", "-f", "SSID,SIGNAL,SECURITY", "dev", "wifi", "list", "--rescan", "yes")
		if err != nil {
			log.Printf("[WIFI] %v", errs.E(OpScan, errs.KindNetwork, err, "scan failed"))
			return
		}
		networks := parseScan(string(out))

		w.mu.Lock()
		w.networks = networks
		w.mu.Unlock()
		w.emit(EventScanDone)
	}()
	return nil
}

func (w *RealWiFi) ScanResults() ([]Network, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Network, len(w.networks))
	copy(out, w.networks)
	return out, nil
}

func (w *RealWiFi) LinkStatus() (Station, error) {
	out, err := w.nmcli("-t", "-f", "GENERAL.STATE,GENERAL.CONNECTION", "dev", "show", w.Interface)
	if err != nil {
		return Station{}, err
	}
	return parseDeviceState(string(out))
}

// Run watches NetworkManager for the interface dropping its station link
// and raises EventStationDisconnected. The hotspot going down is not a
// station disconnect and raises nothing. It restarts the watcher until ctx is
// done.
func (w *RealWiFi) Run(ctx context.Context) error {
	for {
		if err := w.watch(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[WIFI] %v", errs.E(OpWatch, errs.KindSystem, err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (w *RealWiFi) watch(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "nmcli", "device", "monitor", w.Interface)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	// Only a station link arms the watcher; the interface also reports
	// "connected" while it carries the setup hotspot.
	connected := false
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		switch monitorState(scanner.Text(), w.Interface) {
		case "connected":
			_, err := w.LinkStatus()
			connected = err == nil
		case "disconnected", "unavailable", "unmanaged":
			if connected {
				connected = false
				w.emit(EventStationDisconnected)
			}
		}
	}
	return cmd.Wait()
}

// monitorState extracts the state word from an "nmcli device monitor" line
// such as "wlan0: connected".
func monitorState(line, iface string) string {
	prefix := iface + ": "
	if !strings.HasPrefix(line, prefix) {
		return ""
	}
	fields := strings.Fields(strings.TrimPrefix(line, prefix))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func parseScan(output string) []Network {
	var networks []Network
	for _, line := range strings.Split(output, "\n") {
		parts := splitTerse(line)
		if len(parts) < 3 || parts[0] == "" {
			continue
		}
		signal, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		networks = append(networks, Network{
			SSID:     parts[0],
			RSSI:     signalToRSSI(signal),
			AuthMode: securityToAuthMode(parts[2]),
		})
	}
	return networks
}

// splitTerse splits one line of nmcli terse output on ':' honouring the
// "\:" and "\\" escapes nmcli applies to values.
func splitTerse(line string) []string {
	var (
		fields []string
		cur    strings.Builder
	)
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case c == '\\' && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
		case c == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(fields, cur.String())
}

// signalToRSSI maps NetworkManager's 0-100 quality to dBm.
func signalToRSSI(percent int) int8 {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return int8(percent/2 - 100)
}

func securityToAuthMode(security string) AuthMode {
	security = strings.TrimSpace(security)
	if security == "" || security == "--" {
		return AuthOpen
	}

	has := func(tok string) bool {
		for _, f := range strings.Fields(security) {
			if f == tok {
				return true
			}
		}
		return false
	}

	switch {
	case has("802.1X"):
		return AuthWPA2Enterprise
	case has("WPA3") || has("SAE"):
		return AuthWPA3PSK
	case has("WPA1") && has("WPA2"):
		return AuthWPAWPA2PSK
	case has("WPA2"):
		return AuthWPA2PSK
	case has("WPA1") || has("WPA"):
		return AuthWPAPSK
	case has("WEP"):
		return AuthWEP
	default:
		return AuthUnknown
	}
}

func parseDeviceState(output string) (Station, error) {
	var state, conn string
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch key {
		case "GENERAL.STATE":
			state = value
		case "GENERAL.CONNECTION":
			conn = value
		}
	}

	code, _, _ := strings.Cut(state, " ")
	if code != "100" || conn == "" || conn == hotspotName {
		return Station{}, ErrNotConnected
	}
	return Station{SSID: conn}, nil
}
