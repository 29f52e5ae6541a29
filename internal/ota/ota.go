package ota

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/blang/semver"
	"github.com/minio/selfupdate"

	"github.com/strct-org/strct-provision/internal/errs"
)

const (
	OpCheck errs.Op = "ota.Check"
	OpApply errs.Op = "ota.apply"
)

type Config struct {
	CurrentVersion string
	StorageURL     string // e.g. https://updates.strct.org/provision-agent
}

type Updater struct {
	cfg    Config
	client *http.Client
	apply  func(update io.Reader, opts selfupdate.Options) error
}

func NewUpdater(cfg Config) *Updater {
	return &Updater{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
		apply:  selfupdate.Apply,
	}
}

// BinaryName is the artifact published for this platform.
func BinaryName() string {
	return fmt.Sprintf("provision-agent-%s-%s", runtime.GOOS, runtime.GOARCH)
}

// Check compares the published version against the running one and swaps
// the executable in place when the remote is newer. It reports whether an
// update was applied; the caller decides when to restart.
func (u *Updater) Check(ctx context.Context) (bool, error) {
	if u.cfg.StorageURL == "" {
		return false, nil
	}
	log.Println("[OTA] Checking for updates...")

	raw, err := u.fetch(ctx, u.cfg.StorageURL+"/version.txt")
	if err != nil {
		return false, errs.E(OpCheck, errs.KindNetwork, err, "failed to fetch version file")
	}
	remoteStr := strings.TrimSpace(string(raw))

	vCurrent, err := semver.Make(u.cfg.CurrentVersion)
	if err != nil {
		return false, errs.E(OpCheck, errs.KindInvalid, err, fmt.Sprintf("invalid current version '%s'", u.cfg.CurrentVersion))
	}
	vRemote, err := semver.Make(remoteStr)
	if err != nil {
		return false, errs.E(OpCheck, errs.KindInvalid, err, fmt.Sprintf("invalid remote version '%s'", remoteStr))
	}

	if vRemote.LTE(vCurrent) {
		log.Printf("[OTA] No update needed. Remote: %s, Current: %s", vRemote, vCurrent)
		return false, nil
	}

	log.Printf("[OTA] New version found: %s. Downloading...", vRemote)
	binURL := u.cfg.StorageURL + "/" + BinaryName()
	if err := u.update(ctx, binURL, binURL+".sha256"); err != nil {
		return false, err
	}

	log.Printf("[OTA] Update to %s applied", vRemote)
	return true, nil
}

func (u *Updater) update(ctx context.Context, binURL, checksumURL string) error {
	sum, err := u.fetch(ctx, checksumURL)
	if err != nil {
		return errs.E(OpApply, errs.KindNetwork, err, "failed to fetch checksum")
	}
	// sha256sum format: "<hex>  <file>"
	fields := strings.Fields(string(sum))
	if len(fields) == 0 {
		return errs.E(OpApply, errs.KindInvalid, "empty checksum file")
	}
	checksum, err := hex.DecodeString(fields[0])
	if err != nil {
		return errs.E(OpApply, errs.KindInvalid, err, "malformed checksum")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, binURL, nil)
	if err != nil {
		return errs.E(OpApply, errs.KindInvalid, err)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return errs.E(OpApply, errs.KindNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errs.E(OpApply, errs.KindNetwork, fmt.Sprintf("binary download failed: %s", resp.Status))
	}

	// Apply verifies the sha256 before swapping and rolls back on failure.
	if err := u.apply(resp.Body, selfupdate.Options{Checksum: checksum}); err != nil {
		return errs.E(OpApply, errs.KindSystem, err, "update apply failed")
	}
	return nil
}

func (u *Updater) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<10))
}
