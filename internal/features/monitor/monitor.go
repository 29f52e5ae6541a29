package monitor

import (
	"context"
	"log"
	"time"

	ping "github.com/prometheus-community/pro-bing"

	"github.com/strct-org/strct-provision/internal/errs"
)

const OpPing errs.Op = "monitor.ping"

const (
	DefaultTarget   = "8.8.8.8"
	DefaultInterval = 30 * time.Second

	// HighLatency is the average round trip above which the uplink counts
	// as degraded.
	HighLatency = 100.0 // ms
)

type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

type MonitorStats struct {
	Latency float64 `json:"latency"` // ms
	Loss    float64 `json:"loss"`    // %
	IsDown  bool    `json:"is_down"`
}

// Assess grades one round of pings.
func (s MonitorStats) Assess() Health {
	switch {
	case s.IsDown:
		return HealthDown
	case s.Latency > HighLatency || s.Loss > 0:
		return HealthDegraded
	default:
		return HealthOK
	}
}

// NetworkMonitor pings a target while the station link is up, so a joined
// network that does not route anywhere shows up in the logs and reports.
type NetworkMonitor struct {
	Target   string
	Interval time.Duration
	// Report, if set, receives every successful round.
	Report func(MonitorStats)

	probe func(target string) (MonitorStats, error)
}

func New(target string) *NetworkMonitor {
	if target == "" {
		target = DefaultTarget
	}
	return &NetworkMonitor{
		Target:   target,
		Interval: DefaultInterval,
		probe:    pingTarget,
	}
}

// Run probes immediately and then every Interval until ctx is done.
func (m *NetworkMonitor) Run(ctx context.Context) {
	log.Printf("[MONITOR] Starting Network Health Monitor (Target: %s, Interval: %s)", m.Target, m.Interval)

	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		m.check()

		select {
		case <-ctx.Done():
			log.Println("[MONITOR] Stopped")
			return
		case <-ticker.C:
		}
	}
}

func (m *NetworkMonitor) check() {
	stats, err := m.probe(m.Target)
	if err != nil {
		log.Printf("[MONITOR] Ping Execution Failed: %v", err)
		return
	}

	switch stats.Assess() {
	case HealthDown:
		log.Printf("[MONITOR] CRITICAL: Target is DOWN (Loss: %.2f%%)", stats.Loss)
	case HealthDegraded:
		log.Printf("[MONITOR] Degraded: %.2f ms, %.2f%% loss", stats.Latency, stats.Loss)
	default:
		log.Printf("[MONITOR] Health OK: %.2f ms", stats.Latency)
	}

	if m.Report != nil {
		m.Report(stats)
	}
}

func pingTarget(target string) (MonitorStats, error) {
	pinger, err := ping.NewPinger(target)
	if err != nil {
		return MonitorStats{}, errs.E(OpPing, errs.KindNetwork, err)
	}

	pinger.SetPrivileged(true)
	pinger.Count = 3
	pinger.Timeout = 2 * time.Second

	if err := pinger.Run(); err != nil {
		return MonitorStats{}, errs.E(OpPing, errs.KindSystem, err)
	}

	st := pinger.Statistics()
	return MonitorStats{
		Latency: float64(st.AvgRtt.Microseconds()) / 1000.0,
		Loss:    st.PacketLoss,
		IsDown:  st.PacketLoss >= 100.0,
	}, nil
}
