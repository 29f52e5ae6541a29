package wifi

import "errors"

// ErrNotConnected is returned by LinkStatus while no station link exists.
var ErrNotConnected = errors.New("wifi: station not connected")

type Mode uint8

const (
	ModeSTA Mode = iota + 1
	ModeAP
	ModeAPSTA
)

func (m Mode) String() string {
	switch m {
	case ModeSTA:
		return "STA"
	case ModeAP:
		return "AP"
	case ModeAPSTA:
		return "AP+STA"
	default:
		return "unknown"
	}
}

type AuthMode uint8

const (
	AuthOpen AuthMode = iota
	AuthWEP
	AuthWPAPSK
	AuthWPA2PSK
	AuthWPAWPA2PSK
	AuthWPA2Enterprise
	AuthWPA3PSK

	AuthUnknown AuthMode = 0xff
)

// String renders the auth mode the way the portal shows it to the operator.
func (a AuthMode) String() string {
	switch a {
	case AuthOpen:
		return "open"
	case AuthWEP:
		return "WEP"
	case AuthWPAPSK:
		return "WPA"
	case AuthWPA2PSK:
		return "WPA2"
	case AuthWPAWPA2PSK:
		return "WPA/WPA2"
	case AuthWPA2Enterprise:
		return "WPA2-Enterprise"
	case AuthWPA3PSK:
		return "WPA3"
	default:
		return "unknown"
	}
}

// Network represents a visible WiFi Access Point
type Network struct {
	SSID     string
	RSSI     int8 // dBm
	AuthMode AuthMode
}

// Station describes an established station link.
type Station struct {
	SSID string
	RSSI int8
}

const (
	MaxAPClients = 4
	// MinPSKLen is the shortest passphrase WPA accepts; anything shorter
	// leaves the fallback network open.
	MinPSKLen = 8
)

// APProfile is the fallback access point configuration. It is derived at
// startup and never persisted.
type APProfile struct {
	SSID           string
	Password       string
	AuthMode       AuthMode
	MaxConnections int
}

func NewAPProfile(ssid, password string) APProfile {
	auth := AuthOpen
	if len(password) >= MinPSKLen {
		auth = AuthWPAWPA2PSK
	} else {
		password = ""
	}
	return APProfile{
		SSID:           ssid,
		Password:       password,
		AuthMode:       auth,
		MaxConnections: MaxAPClients,
	}
}

// Event is raised asynchronously by a Driver.
type Event uint8

const (
	EventStationDisconnected Event = iota + 1
	EventScanDone
)

func (e Event) String() string {
	switch e {
	case EventStationDisconnected:
		return "station-disconnected"
	case EventScanDone:
		return "scan-done"
	default:
		return "unknown"
	}
}

// Driver is the radio as seen by the link monitor. Mode, config and connect
// calls are fire-and-forget: their outcome is observed through LinkStatus
// and Events, not through the returned error.
type Driver interface {
	SetMode(m Mode) error
	ConfigureAP(p APProfile) error
	ConfigureStation(ssid, password string) error
	Connect() error
	Disconnect() error
	Stop() error
	Start() error

	StartScan() error
	ScanResults() ([]Network, error)

	LinkStatus() (Station, error)
	Events() <-chan Event
}
