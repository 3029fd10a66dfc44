// Package token issues and checks the opaque announce tokens handed out in
// get_peers replies.
//
// A token is a keyed hash of the querier's IP and the info-hash. Secrets
// rotate; a token stays valid for the current and the previous secret, so
// its lifetime is between one and two rotation periods.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"io"
	"net"
	"sync"

	"lukechampine.com/blake3"

	"spider/util"
)

const (
	// Size of issued tokens in bytes.
	Size      = 8
	secretLen = 32
)

// Manager is safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	current  []byte
	previous []byte
}

func NewManager() (*Manager, error) {
	s, err := newSecret()
	if err != nil {
		return nil, err
	}
	return &Manager{current: s, previous: s}, nil
}

func newSecret() ([]byte, error) {
	s := make([]byte, secretLen)
	if _, err := io.ReadFull(rand.Reader, s); err != nil {
		return nil, err
	}
	return s, nil
}

func compute(secret []byte, ip net.IP, ih util.InfoHash) []byte {
	h := blake3.New(Size, secret)
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	h.Write(ip)
	h.Write([]byte(ih))
	return h.Sum(nil)
}

// Issue returns the token for ip and ih under the current secret.
func (m *Manager) Issue(ip net.IP, ih util.InfoHash) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return string(compute(m.current, ip, ih))
}

// Validate reports whether tok was issued to ip for ih under the current or
// the previous secret.
func (m *Manager) Validate(tok string, ip net.IP, ih util.InfoHash) bool {
	if len(tok) != Size {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range [][]byte{m.current, m.previous} {
		if subtle.ConstantTimeCompare(compute(s, ip, ih), []byte(tok)) == 1 {
			return true
		}
	}
	return false
}

// Rotate retires the previous secret and starts a new one.
func (m *Manager) Rotate() error {
	s, err := newSecret()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.previous, m.current = m.current, s
	m.mu.Unlock()
	return nil
}
