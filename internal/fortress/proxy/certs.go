package proxy

import (
	"crypto/tls"
	"fmt"
	"path/filepath"
	"sync"
)

// certManager loads a Let's Encrypt-style `<cert_dir>/<hostname>/{fullchain,privkey}.pem`
// keypair per SNI server name the first time it's asked for, then caches
// the parsed certificate for the lifetime of the process. A config
// reload clears the cache so rotated certificates on disk take effect
// without a restart.
type certManager struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*tls.Certificate
}

func newCertManager(dir string) *certManager {
	return &certManager{dir: dir, cache: make(map[string]*tls.Certificate)}
}

// GetCertificate satisfies tls.Config.GetCertificate.
func (m *certManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := hello.ServerName
	if name == "" {
		return nil, fmt.Errorf("proxy: no SNI server name presented")
	}

	m.mu.RLock()
	cert, ok := m.cache[name]
	m.mu.RUnlock()
	if ok {
		return cert, nil
	}

	loaded, err := tls.LoadX509KeyPair(
		filepath.Join(m.dir, name, "fullchain.pem"),
		filepath.Join(m.dir, name, "privkey.pem"),
	)
	if err != nil {
		return nil, fmt.Errorf("proxy: no certificate for %q: %w", name, err)
	}

	m.mu.Lock()
	m.cache[name] = &loaded
	m.mu.Unlock()
	return &loaded, nil
}

// Reset drops every cached certificate, forcing the next handshake for
// each hostname to re-read its keypair from disk.
func (m *certManager) Reset() {
	m.mu.Lock()
	m.cache = make(map[string]*tls.Certificate)
	m.mu.Unlock()
}

func minTLSVersion(v string) uint16 {
	switch v {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}
