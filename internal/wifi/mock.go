package wifi

import (
	"fmt"
	"sync"
	"time"
)

// MockWiFi simulates a radio for dev mode. Joining succeeds when the ssid is
// listed in Known with a matching password.
type MockWiFi struct {
	Networks []Network
	Known    map[string]string

	// JoinDelay is how long a simulated join takes.
	JoinDelay time.Duration

	events chan Event

	mu        sync.Mutex
	mode      Mode
	ap        APProfile
	ssid      string
	password  string
	connected bool
}

func NewMockWiFi() *MockWiFi {
	return &MockWiFi{
		Networks: []Network{
			{SSID: "Test_Net", RSSI: -45, AuthMode: AuthWPA2PSK},
			{SSID: "Cafe_Free", RSSI: -71, AuthMode: AuthOpen},
		},
		Known:     map[string]string{"Test_Net": "password123", "Cafe_Free": ""},
		JoinDelay: 500 * time.Millisecond,
		events:    make(chan Event, 8),
	}
}

func (m *MockWiFi) Events() <-chan Event {
	return m.events
}

func (m *MockWiFi) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

func (m *MockWiFi) SetMode(mode Mode) error {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
	fmt.Printf("[MOCK] Mode %s\n", mode)
	return nil
}

func (m *MockWiFi) ConfigureAP(p APProfile) error {
	m.mu.Lock()
	m.ap = p
	m.mu.Unlock()
	fmt.Printf("[MOCK] Hotspot %s (%s)\n", p.SSID, p.AuthMode)
	return nil
}

func (m *MockWiFi) ConfigureStation(ssid, password string) error {
	m.mu.Lock()
	m.ssid, m.password = ssid, password
	m.mu.Unlock()
	return nil
}

func (m *MockWiFi) Connect() error {
	m.mu.Lock()
	ssid, password := m.ssid, m.password
	m.mu.Unlock()

	go func() {
		time.Sleep(m.JoinDelay)
		want, ok := m.Known[ssid]
		if !ok || want != password {
			fmt.Printf("[MOCK] Join %s rejected\n", ssid)
			m.emit(EventStationDisconnected)
			return
		}
		m.mu.Lock()
		m.connected = true
		m.mu.Unlock()
		fmt.Printf("[MOCK] Connected to %s\n", ssid)
	}()
	return nil
}

// Drop simulates the access point going away while connected.
func (m *MockWiFi) Drop() {
	m.mu.Lock()
	was := m.connected
	m.connected = false
	m.mu.Unlock()
	if was {
		m.emit(EventStationDisconnected)
	}
}

func (m *MockWiFi) Disconnect() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

func (m *MockWiFi) Stop() error {
	return m.Disconnect()
}

func (m *MockWiFi) Start() error {
	return nil
}

func (m *MockWiFi) StartScan() error {
	go func() {
		time.Sleep(100 * time.Millisecond)
		m.emit(EventScanDone)
	}()
	return nil
}

func (m *MockWiFi) ScanResults() ([]Network, error) {
	out := make([]Network, len(m.Networks))
	copy(out, m.Networks)
	return out, nil
}

func (m *MockWiFi) LinkStatus() (Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return Station{}, ErrNotConnected
	}
	return Station{SSID: m.ssid, RSSI: -45}, nil
}
