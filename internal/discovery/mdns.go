// Package discovery advertises the device over multicast DNS so operators
// can reach the portal, and later the device itself, by name.
package discovery

import (
	"errors"
	"log"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"

	"github.com/strct-org/strct-provision/internal/errs"
)

const (
	OpAdvertise errs.Op = "discovery.Advertise"
	OpListen    errs.Op = "discovery.listen"
)

const (
	mdnsPort    = 5353
	serviceName = "_http._tcp.local."
	browseName  = "_services._dns-sd._udp.local."

	hostTTL    = 120
	serviceTTL = 4500

	// cacheFlush marks records this host owns exclusively.
	cacheFlush = 1 << 15
)

var mdnsGroup = net.IPv4(224, 0, 0, 251)

type Role uint8

const (
	RoleSetup Role = iota + 1
	RoleConnected
)

func (r Role) String() string {
	switch r {
	case RoleSetup:
		return "setup"
	case RoleConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Identity is what gets announced: <Hostname>.local and, when Port is set,
// an HTTP service instance pointing at it.
type Identity struct {
	Hostname string
	Instance string
	Port     int
	IP       netip.Addr
	TXT      []string
}

func (id Identity) host() string {
	return dns.Fqdn(id.Hostname + ".local")
}

func (id Identity) instance() string {
	name := id.Instance
	if name == "" {
		name = id.Hostname
	}
	return strings.ReplaceAll(name, " ", `\ `) + "." + serviceName
}

type Config struct {
	Setup     Identity
	Connected Identity
	// ResolveIP supplies the address when an identity has none, e.g. the
	// DHCP lease obtained after joining a network.
	ResolveIP func() netip.Addr
}

type Advertiser struct {
	cfg Config

	mu      sync.Mutex
	current *Identity
	conn    *ipv4.PacketConn
	done    chan struct{}
}

func New(cfg Config) *Advertiser {
	return &Advertiser{cfg: cfg}
}

// Advertise switches the announced identity to the one for role and sends
// an unsolicited announcement. The responder socket is opened on first use.
func (a *Advertiser) Advertise(role Role) error {
	var id Identity
	switch role {
	case RoleSetup:
		id = a.cfg.Setup
	case RoleConnected:
		id = a.cfg.Connected
	default:
		return errs.E(OpAdvertise, errs.KindInvalid, "unknown role")
	}
	if !id.IP.IsValid() && a.cfg.ResolveIP != nil {
		id.IP = a.cfg.ResolveIP()
	}
	if !id.IP.Is4() {
		return errs.E(OpAdvertise, errs.KindNetwork, "no IPv4 address to advertise for "+role.String())
	}

	a.mu.Lock()
	a.current = &id
	if a.conn == nil {
		if err := a.listen(); err != nil {
			a.mu.Unlock()
			return errs.E(OpAdvertise, err)
		}
	}
	conn := a.conn
	a.mu.Unlock()

	log.Printf("[MDNS] Advertising %s as %s (%s)", role, id.host(), id.IP)

	b, err := Announcement(id).Pack()
	if err != nil {
		return errs.E(OpAdvertise, errs.KindOther, err)
	}
	if _, err := conn.WriteTo(b, nil, &net.UDPAddr{IP: mdnsGroup, Port: mdnsPort}); err != nil {
		return errs.E(OpAdvertise, errs.KindNetwork, err)
	}
	return nil
}

// Stop closes the responder socket and waits for it to exit.
func (a *Advertiser) Stop() error {
	a.mu.Lock()
	conn, done := a.conn, a.done
	a.conn, a.done, a.current = nil, nil, nil
	a.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	return err
}

// listen must be called with a.mu held.
func (a *Advertiser) listen() error {
	c, err := net.ListenPacket("udp4", "0.0.0.0:5353")
	if err != nil {
		return errs.E(OpListen, errs.KindNetwork, err)
	}
	p := ipv4.NewPacketConn(c)

	ifaces, err := net.Interfaces()
	if err != nil {
		c.Close()
		return errs.E(OpListen, errs.KindNetwork, err)
	}
	joined := 0
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := p.JoinGroup(ifi, &net.UDPAddr{IP: mdnsGroup}); err == nil {
			joined++
		}
	}
	if joined == 0 {
		c.Close()
		return errs.E(OpListen, errs.KindNetwork, "no multicast capable interface")
	}
	p.SetMulticastTTL(255)
	p.SetMulticastLoopback(true)

	a.conn = p
	a.done = make(chan struct{})
	go a.serve(p, a.done)
	return nil
}

func (a *Advertiser) serve(p *ipv4.PacketConn, done chan struct{}) {
	defer close(done)

	buf := make([]byte, 9000)
	for {
		n, _, src, err := p.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[MDNS] Read error: %v", err)
			continue
		}

		var q dns.Msg
		if err := q.Unpack(buf[:n]); err != nil || q.Response {
			continue
		}

		a.mu.Lock()
		var id Identity
		if a.current != nil {
			id = *a.current
		}
		a.mu.Unlock()
		if id.Hostname == "" {
			continue
		}

		resp := Respond(&q, id)
		if resp == nil {
			continue
		}

		dst := net.Addr(&net.UDPAddr{IP: mdnsGroup, Port: mdnsPort})
		if udp, ok := src.(*net.UDPAddr); ok && udp.Port != mdnsPort {
			// Legacy one-shot resolver: reply directly and echo the question.
			resp.Id = q.Id
			resp.Question = q.Question
			dst = src
		}
		b, err := resp.Pack()
		if err != nil {
			log.Printf("[MDNS] Pack error: %v", err)
			continue
		}
		if _, err := p.WriteTo(b, nil, dst); err != nil {
			log.Printf("[MDNS] Write to %s failed: %v", dst, err)
		}
	}
}

// Respond builds the answer to q for id, or nil when none of the questions
// concern this host.
func Respond(q *dns.Msg, id Identity) *dns.Msg {
	m := new(dns.Msg)
	m.Response = true
	m.Authoritative = true

	host, inst := id.host(), id.instance()
	for _, question := range q.Question {
		name, t := question.Name, question.Qtype
		wild := t == dns.TypeANY

		switch {
		case strings.EqualFold(name, host) && (t == dns.TypeA || wild):
			m.Answer = append(m.Answer, aRecord(id))
		case id.Port == 0:
		case strings.EqualFold(name, serviceName) && (t == dns.TypePTR || wild):
			m.Answer = append(m.Answer, ptrRecord(id))
			m.Extra = append(m.Extra, srvRecord(id), txtRecord(id), aRecord(id))
		case strings.EqualFold(name, inst) && (t == dns.TypeSRV || t == dns.TypeTXT || wild):
			if t != dns.TypeTXT {
				m.Answer = append(m.Answer, srvRecord(id))
			}
			if t != dns.TypeSRV {
				m.Answer = append(m.Answer, txtRecord(id))
			}
			m.Extra = append(m.Extra, aRecord(id))
		case strings.EqualFold(name, browseName) && (t == dns.TypePTR || wild):
			m.Answer = append(m.Answer, &dns.PTR{
				Hdr: dns.RR_Header{Name: browseName, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: serviceTTL},
				Ptr: serviceName,
			})
		}
	}

	if len(m.Answer) == 0 {
		return nil
	}
	return m
}

// Announcement is the unsolicited response sent when an identity goes live.
func Announcement(id Identity) *dns.Msg {
	m := new(dns.Msg)
	m.Response = true
	m.Authoritative = true
	m.Answer = []dns.RR{aRecord(id)}
	if id.Port != 0 {
		m.Answer = append(m.Answer, ptrRecord(id), srvRecord(id), txtRecord(id))
	}
	return m
}

func aRecord(id Identity) dns.RR {
	return &dns.A{
		Hdr: dns.RR_Header{Name: id.host(), Rrtype: dns.TypeA, Class: dns.ClassINET | cacheFlush, Ttl: hostTTL},
		A:   net.IP(id.IP.AsSlice()),
	}
}

func ptrRecord(id Identity) dns.RR {
	return &dns.PTR{
		Hdr: dns.RR_Header{Name: serviceName, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: serviceTTL},
		Ptr: id.instance(),
	}
}

func srvRecord(id Identity) dns.RR {
	return &dns.SRV{
		Hdr:    dns.RR_Header{Name: id.instance(), Rrtype: dns.TypeSRV, Class: dns.ClassINET | cacheFlush, Ttl: hostTTL},
		Port:   uint16(id.Port),
		Target: id.host(),
	}
}

func txtRecord(id Identity) dns.RR {
	txt := id.TXT
	if len(txt) == 0 {
		txt = []string{""}
	}
	return &dns.TXT{
		Hdr: dns.RR_Header{Name: id.instance(), Rrtype: dns.TypeTXT, Class: dns.ClassINET | cacheFlush, Ttl: serviceTTL},
		Txt: txt,
	}
}
