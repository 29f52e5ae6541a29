// Package nvs is a small namespaced key/value store persisted as one JSON
// document per namespace. Values are kept as raw bytes (base64 on disk) so
// strings that are not valid UTF-8 survive a reload unchanged. Writes are staged in memory until Commit, which
// replaces the file atomically and syncs it to disk before returning.
package nvs

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/strct-org/strct-provision/internal/errs"
)

const (
	OpOpen   errs.Op = "nvs.Open"
	OpCommit errs.Op = "nvs.Commit"
)

var ErrNotFound = errors.New("nvs: key not found")

type Namespace struct {
	name string
	path string

	mu     sync.Mutex
	values map[string][]byte
}

// Open loads the namespace stored under dir. A namespace that was never
// committed opens empty.
func Open(dir, namespace string) (*Namespace, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.E(OpOpen, errs.KindIO, err)
	}

	ns := &Namespace{
		name:   namespace,
		path:   filepath.Join(dir, namespace+".json"),
		values: make(map[string][]byte),
	}

	data, err := os.ReadFile(ns.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ns, nil
	case err != nil:
		return nil, errs.E(OpOpen, errs.KindIO, err)
	}

	if err := json.Unmarshal(data, &ns.values); err != nil {
		log.Printf("[STORE] Namespace %q is corrupt, starting empty: %v", namespace, err)
		ns.values = make(map[string][]byte)
	}
	return ns, nil
}

func (n *Namespace) Name() string {
	return n.name
}

func (n *Namespace) GetString(key string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	v, ok := n.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return string(v), nil
}

func (n *Namespace) SetString(key, value string) {
	n.mu.Lock()
	n.values[key] = []byte(value)
	n.mu.Unlock()
}

func (n *Namespace) EraseAll() {
	n.mu.Lock()
	n.values = make(map[string][]byte)
	n.mu.Unlock()
}

// Commit writes the namespace to a temp file, fsyncs it and renames it over
// the previous version so a power cut leaves either the old or the new
// content on disk.
func (n *Namespace) Commit() error {
	n.mu.Lock()
	data, err := json.Marshal(n.values)
	n.mu.Unlock()
	if err != nil {
		return errs.E(OpCommit, errs.KindIO, err)
	}

	dir := filepath.Dir(n.path)
	tmp, err := os.CreateTemp(dir, "."+n.name+"-*.tmp")
	if err != nil {
		return errs.E(OpCommit, errs.KindIO, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.E(OpCommit, errs.KindIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.E(OpCommit, errs.KindIO, err)
	}
	if err := tmp.Close(); err != nil {
		return errs.E(OpCommit, errs.KindIO, err)
	}
	if err := os.Rename(tmp.Name(), n.path); err != nil {
		return errs.E(OpCommit, errs.KindIO, err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
