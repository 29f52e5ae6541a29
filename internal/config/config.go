package config

import (
	"fmt"
	"log"
	"net/netip"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DeviceID string
	DataDir  string
	IsDev    bool

	WifiIface     string
	APSSID        string
	APPassword    string
	PortalIP      netip.Addr
	HTTPPort      int
	DNSPort       int
	CheckInterval time.Duration

	SetupHostname   string
	Hostname        string
	ReconnectOnSave bool

	MQTTBroker   string
	MQTTTopic    string
	OTAURL       string
	AgentVersion string
	PingTarget   string
}

var defaultPortalIP = netip.MustParseAddr("192.168.4.1")

func Load(devMode bool) *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[CONFIG] No .env file found, relying on system env vars")
	}

	cfg := &Config{
		IsDev:           devMode,
		WifiIface:       getEnv("WIFI_IFACE", "wlan0"),
		APPassword:      getEnv("AP_PASSWORD", ""),
		PortalIP:        getEnvAsAddr("PORTAL_IP", defaultPortalIP),
		CheckInterval:   getEnvAsDuration("CHECK_INTERVAL", 2*time.Second),
		SetupHostname:   getEnv("SETUP_HOSTNAME", "strct-setup"),
		Hostname:        getEnv("MDNS_HOSTNAME", "strct"),
		ReconnectOnSave: getEnvAsBool("RECONNECT_ON_SAVE", false),
		MQTTBroker:      getEnv("MQTT_BROKER", ""),
		OTAURL:          getEnv("OTA_URL", ""),
		AgentVersion:    getEnv("AGENT_VERSION", "0.1.0"),
		PingTarget:      getEnv("PING_TARGET", "8.8.8.8"),
	}

	// Dev mode runs unprivileged next to whatever already owns :80 and :53.
	if devMode {
		cfg.HTTPPort = getEnvAsInt("HTTP_PORT", 8082)
		cfg.DNSPort = getEnvAsInt("DNS_PORT", 5354)
	} else {
		cfg.HTTPPort = getEnvAsInt("HTTP_PORT", 80)
		cfg.DNSPort = getEnvAsInt("DNS_PORT", 53)
	}

	if cfg.IsArm64() {
		cfg.DataDir = getEnv("DATA_DIR", "/mnt/data")
	} else {
		cfg.DataDir = getEnv("DATA_DIR", "./data")
	}

	idPath := "/etc/strct/device-id.lock"
	if devMode {
		idPath = "device-id.lock"
	}
	cfg.DeviceID = getOrGenerateDeviceID(idPath)

	cfg.APSSID = getEnv("AP_SSID", "Strct-Setup-"+shortID(cfg.DeviceID))
	cfg.MQTTTopic = getEnv("MQTT_TOPIC", fmt.Sprintf("strct/%s/link", cfg.DeviceID))

	return cfg
}

func (c *Config) IsArm64() bool {
	return runtime.GOOS == "linux" && runtime.GOARCH == "arm64" && !c.IsDev
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func (c *Config) DNSAddr() string {
	return fmt.Sprintf(":%d", c.DNSPort)
}

// shortID is the last four hex digits of the device id, upper-cased, used
// to tell setup networks of neighbouring devices apart.
func shortID(deviceID string) string {
	hex := strings.ReplaceAll(strings.TrimPrefix(deviceID, "device-"), "-", "")
	if len(hex) > 4 {
		hex = hex[len(hex)-4:]
	}
	return strings.ToUpper(hex)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if strValue == "" {
		return fallback
	}
	val, err := strconv.Atoi(strValue)
	if err != nil {
		log.Printf("[CONFIG] Warning: Invalid integer for %s, using default: %d", key, fallback)
		return fallback
	}
	return val
}

func getEnvAsBool(key string, fallback bool) bool {
	strValue := getEnv(key, "")
	if strValue == "" {
		return fallback
	}
	val, err := strconv.ParseBool(strValue)
	if err != nil {
		log.Printf("[CONFIG] Warning: Invalid boolean for %s, using default: %t", key, fallback)
		return fallback
	}
	return val
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if strValue == "" {
		return fallback
	}
	val, err := time.ParseDuration(strValue)
	if err != nil || val <= 0 {
		log.Printf("[CONFIG] Warning: Invalid duration for %s, using default: %s", key, fallback)
		return fallback
	}
	return val
}

func getEnvAsAddr(key string, fallback netip.Addr) netip.Addr {
	strValue := getEnv(key, "")
	if strValue == "" {
		return fallback
	}
	addr, err := netip.ParseAddr(strValue)
	if err != nil || !addr.Is4() {
		log.Printf("[CONFIG] Warning: %s must be an IPv4 address, using default: %s", key, fallback)
		return fallback
	}
	return addr
}
