package setup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/strct-org/strct-provision/internal/errs"
	"github.com/strct-org/strct-provision/internal/scancache"
)

const (
	OpPortalStart errs.Op = "setup.Portal.Start"
	OpSettings    errs.Op = "setup.handleSettings"
)

const (
	maxSettingsBody = 1 << 10

	msgSavedReboot    = "WiFi credentials saved. Please reboot device or reconnect."
	msgSavedReconnect = "WiFi credentials saved. Reconnecting..."
)

// CredentialWriter persists credentials submitted through the portal.
type CredentialWriter interface {
	Set(ssid, password string) error
}

// ScanEntry is one network as served by GET /scan.
type ScanEntry struct {
	SSID     string `json:"ssid"`
	RSSI     int    `json:"rssi"`
	AuthMode string `json:"authmode"`
}

// Portal serves the provisioning page and its small API while the device
// is in AP fallback.
type Portal struct {
	Addr string

	cache *scancache.Cache
	creds CredentialWriter
	// onSaved runs after credentials are committed. Nil leaves the
	// reconnect to the operator.
	onSaved func()

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
}

func NewPortal(addr string, cache *scancache.Cache, creds CredentialWriter, onSaved func()) *Portal {
	return &Portal{
		Addr:    addr,
		cache:   cache,
		creds:   creds,
		onSaved: onSaved,
	}
}

func (p *Portal) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /scan", p.handleScan)
	mux.HandleFunc("POST /settings", p.handleSettings)
	mux.HandleFunc("GET /hotspot-detect.html", p.handlePage)
	// Everything else gets the page too, so a captive probe for any URL
	// surfaces the portal.
	mux.HandleFunc("GET /", p.handlePage)

	return mux
}

// Start listens on Addr and serves in the background. Starting a running
// portal is a no-op.
func (p *Portal) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return errs.E(OpPortalStart, errs.KindNetwork, err)
	}

	srv := &http.Server{
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[PORTAL] HTTP Server Error: %v", err)
		}
	}()

	p.srv, p.ln, p.done = srv, ln, done
	log.Printf("[PORTAL] Web Server listening on %s", ln.Addr())
	return nil
}

// Stop shuts the server down, giving in-flight requests a moment to finish.
func (p *Portal) Stop() error {
	p.mu.Lock()
	srv, done := p.srv, p.done
	p.srv, p.ln, p.done = nil, nil, nil
	p.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := srv.Shutdown(ctx)
	if err != nil {
		srv.Close()
	}
	<-done
	log.Println("[PORTAL] Web Server stopped")
	return err
}

func (p *Portal) LocalAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

func (p *Portal) handlePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, htmlPage)
}

func (p *Portal) handleScan(w http.ResponseWriter, r *http.Request) {
	networks := p.cache.Snapshot()

	entries := make([]ScanEntry, 0, len(networks))
	for _, n := range networks {
		entries = append(entries, ScanEntry{
			SSID:     n.SSID,
			RSSI:     int(n.RSSI),
			AuthMode: n.AuthMode.String(),
		})
	}

	body, err := json.Marshal(entries)
	if err != nil {
		errs.HTTPResponse(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(body)
}

func (p *Portal) handleSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSettingsBody))
	if err != nil {
		errs.HTTPResponse(w, errs.E(OpSettings, errs.KindInvalid, err, "request body too large"))
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		errs.HTTPResponse(w, errs.E(OpSettings, errs.KindInvalid, err, "malformed form data"))
		return
	}

	ssid := form.Get("ssid")
	if ssid == "" {
		errs.HTTPResponse(w, errs.E(OpSettings, errs.KindInvalid, "ssid is required"))
		return
	}

	if err := p.creds.Set(ssid, form.Get("password")); err != nil {
		errs.HTTPResponse(w, errs.E(OpSettings, err))
		return
	}
	log.Printf("[PORTAL] Saved credentials for %s", ssid)

	msg := msgSavedReboot
	if p.onSaved != nil {
		msg = msgSavedReconnect
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, msg)

	if p.onSaved != nil {
		p.onSaved()
	}
}
