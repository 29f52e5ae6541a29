package setup

import (
	"encoding/binary"
	"errors"
	"log"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/strct-org/strct-provision/internal/errs"
)

const (
	OpRedirectorStart errs.Op = "setup.Redirector.Start"
	OpAnswer          errs.Op = "setup.Answer"
)

const (
	headerLen = 12
	answerLen = 16

	// MaxMessageSize is the classic UDP DNS limit; forged replies never
	// exceed it.
	MaxMessageSize = dns.MinMsgSize

	// AnswerTTL is kept short so clients re-resolve once the portal is gone.
	AnswerTTL = 16

	// Consecutive read errors back off from minReadBackoff, doubling up to
	// maxReadBackoff.
	minReadBackoff = 10 * time.Millisecond
	maxReadBackoff = time.Second
)

var (
	ErrShortQuery    = errors.New("dns query shorter than header")
	ErrQueryTooLarge = errors.New("dns reply would exceed 512 bytes")
)

// Answer turns a raw query into an authoritative reply resolving the
// question to ip. The query bytes are kept as they are, the header gets
// QR, RA and ANCOUNT=1, and one A record pointing back at the question name
// is appended. Queries too short for a header or too long to leave room for
// the record are rejected.
func Answer(query []byte, ip netip.Addr) ([]byte, error) {
	if len(query) < headerLen {
		return nil, errs.E(OpAnswer, errs.KindInvalid, ErrShortQuery)
	}
	if len(query)+answerLen > MaxMessageSize {
		return nil, errs.E(OpAnswer, errs.KindInvalid, ErrQueryTooLarge)
	}
	if !ip.Is4() {
		return nil, errs.E(OpAnswer, errs.KindInvalid, "portal address must be IPv4")
	}

	resp := make([]byte, len(query), len(query)+answerLen)
	copy(resp, query)

	resp[2] |= 0x80 // QR
	resp[3] |= 0x80 // RA
	binary.BigEndian.PutUint16(resp[6:8], 1)

	resp = binary.BigEndian.AppendUint16(resp, 0xC000|headerLen)
	resp = binary.BigEndian.AppendUint16(resp, dns.TypeA)
	resp = binary.BigEndian.AppendUint16(resp, dns.ClassINET)
	resp = binary.BigEndian.AppendUint32(resp, AnswerTTL)
	resp = binary.BigEndian.AppendUint16(resp, net.IPv4len)
	v4 := ip.As4()
	resp = append(resp, v4[:]...)

	return resp, nil
}

// Redirector answers every DNS query on its UDP socket with the portal's
// address.
type Redirector struct {
	Addr    string
	IP      netip.Addr
	Verbose bool

	mu   sync.Mutex
	conn *net.UDPConn
	done chan struct{}
}

func NewRedirector(addr string, ip netip.Addr) *Redirector {
	return &Redirector{Addr: addr, IP: ip}
}

// Start binds the socket and serves in the background. Starting a running
// redirector is a no-op.
func (r *Redirector) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return nil
	}
	if !r.IP.Is4() {
		return errs.E(OpRedirectorStart, errs.KindInvalid, "portal address must be IPv4")
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", r.Addr)
	if err != nil {
		return errs.E(OpRedirectorStart, errs.KindInvalid, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return errs.E(OpRedirectorStart, errs.KindNetwork, err)
	}

	r.conn = conn
	r.done = make(chan struct{})
	go r.serve(conn, r.done)

	log.Printf("[DNS] Starting DNS Spoofing Server on %s -> %s", conn.LocalAddr(), r.IP)
	return nil
}

// Stop closes the socket, which unblocks the pending read, and waits for
// the serve loop to exit.
func (r *Redirector) Stop() error {
	r.mu.Lock()
	conn, done := r.conn, r.done
	r.conn, r.done = nil, nil
	r.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	log.Println("[DNS] Server stopped")
	return err
}

// LocalAddr returns the bound address, or nil when stopped.
func (r *Redirector) LocalAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// udpConn is the part of *net.UDPConn the serve loop uses.
type udpConn interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

func (r *Redirector) serve(conn udpConn, done chan struct{}) {
	defer close(done)

	buf := make([]byte, MaxMessageSize)
	var backoff time.Duration
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			backoff = min(max(2*backoff, minReadBackoff), maxReadBackoff)
			log.Printf("[DNS] Read error, retrying in %s: %v", backoff, err)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		resp, err := Answer(buf[:n], r.IP)
		if err != nil {
			log.Printf("[DNS] Dropping %d byte query from %s: %v", n, src, err)
			continue
		}
		if r.Verbose {
			log.Printf("[DNS] %s asked for %s", src, questionName(buf[:n]))
		}

		if _, err := conn.WriteToUDP(resp, src); err != nil {
			log.Printf("[DNS] Failed to reply to %s: %v", src, err)
		}
	}
}

func questionName(query []byte) string {
	var m dns.Msg
	if err := m.Unpack(query); err != nil || len(m.Question) == 0 {
		return "?"
	}
	return m.Question[0].Name
}
