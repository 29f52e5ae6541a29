package credentials

import (
	"errors"
	"log"
	"unicode/utf8"

	"github.com/strct-org/strct-provision/internal/errs"
	"github.com/strct-org/strct-provision/internal/nvs"
)

const (
	OpOpen  errs.Op = "credentials.Open"
	OpSet   errs.Op = "credentials.Set"
	OpGet   errs.Op = "credentials.Get"
	OpReset errs.Op = "credentials.Reset"
)

const (
	Namespace   = "captive_portal"
	KeySSID     = "wifi_ssid"
	KeyPassword = "wifi_password"

	MaxSSIDLen     = 32
	MaxPasswordLen = 64
)

// SSID is a network name bounded to MaxSSIDLen bytes.
type SSID string

// Password is a passphrase bounded to MaxPasswordLen bytes. It may be empty.
type Password string

func NewSSID(s string) SSID {
	return SSID(truncate(s, MaxSSIDLen))
}

func NewPassword(s string) Password {
	return Password(truncate(s, MaxPasswordLen))
}

// truncate cuts s to at most max bytes. A valid multi-byte rune straddling
// the bound is dropped whole; anything else is cut at exactly max bytes.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for i := max; i > 0 && max-i < utf8.UTFMax; i-- {
		if !utf8.RuneStart(s[i]) {
			continue
		}
		if i < max {
			if _, size := utf8.DecodeRuneInString(s[i:]); size > 1 && i+size > max {
				cut = i
			}
		}
		break
	}
	return s[:cut]
}

type Credentials struct {
	SSID     SSID
	Password Password
}

// Provisioned reports whether a station network has been configured.
func (c Credentials) Provisioned() bool {
	return c.SSID != ""
}

// Store persists the station credentials. It does no locking of its own:
// the portal's settings route is the only writer and the link monitor the
// only reader.
type Store struct {
	ns *nvs.Namespace
}

func Open(dataDir string) (*Store, error) {
	ns, err := nvs.Open(dataDir, Namespace)
	if err != nil {
		return nil, errs.E(OpOpen, errs.KindIO, err)
	}
	return &Store{ns: ns}, nil
}

// Set truncates both fields to their bounds and commits them durably.
func (s *Store) Set(ssid, password string) error {
	s.ns.SetString(KeySSID, string(NewSSID(ssid)))
	s.ns.SetString(KeyPassword, string(NewPassword(password)))
	if err := s.ns.Commit(); err != nil {
		return errs.E(OpSet, errs.KindIO, err, "failed to persist credentials")
	}
	return nil
}

// Get returns the last committed credentials, or empty values when the
// device was never provisioned.
func (s *Store) Get() (Credentials, error) {
	ssid, err := s.ns.GetString(KeySSID)
	if err != nil && !errors.Is(err, nvs.ErrNotFound) {
		return Credentials{}, errs.E(OpGet, errs.KindIO, err)
	}
	password, err := s.ns.GetString(KeyPassword)
	if err != nil && !errors.Is(err, nvs.ErrNotFound) {
		return Credentials{}, errs.E(OpGet, errs.KindIO, err)
	}

	return Credentials{
		SSID:     NewSSID(ssid),
		Password: NewPassword(password),
	}, nil
}

// Reset erases the whole provisioning namespace.
func (s *Store) Reset() error {
	s.ns.EraseAll()
	if err := s.ns.Commit(); err != nil {
		return errs.E(OpReset, errs.KindIO, err)
	}
	log.Println("[STORE] Credentials reset")
	return nil
}
