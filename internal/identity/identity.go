package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// CookieName carries the client identifier on every sync request.
	CookieName = "jstutor_client_id"

	// tokenAlphabet deliberately omits 0/O/1/l/I/o to keep identifiers
	// unambiguous when read or typed by a human.
	tokenAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz"
	tokenLength   = 21

	cookieMaxAge = int(365 * 24 * time.Hour / time.Second)
)

var (
	// ErrMissingClientID indicates the request carried no client identifier cookie.
	ErrMissingClientID = errors.New("identity: client id cookie missing")

	errMissingPath = errors.New("identity: persistence path required")
)

// Manager produces and persists the durable per-device client identifier.
// The identifier survives restarts and distinguishes this device's writes
// from other devices sharing the same account.
type Manager struct {
	mu     sync.Mutex
	path   string
	random io.Reader
	cached string
}

// ManagerConfig describes how the client identifier is generated and stored.
type ManagerConfig struct {
	// Path locates the file holding the persisted identifier.
	Path string
	// Random overrides the entropy source. Defaults to crypto/rand.
	Random io.Reader
}

// NewManager constructs a Manager backed by the configured file path.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errMissingPath
	}
	random := cfg.Random
	if random == nil {
		random = rand.Reader
	}
	return &Manager{path: cfg.Path, random: random}, nil
}

// ClientID returns the persisted identifier, generating and persisting a
// fresh one when none exists. Repeated calls without an intervening
// Refresh return the same value.
func (m *Manager) ClientID() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != "" {
		return m.cached, nil
	}

	raw, err := os.ReadFile(m.path)
	if err == nil {
		token := strings.TrimSpace(string(raw))
		if isValidToken(token) {
			m.cached = token
			return token, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("identity: read persisted id: %w", err)
	}

	return m.generateLocked()
}

// Refresh forcibly generates and persists a new identifier, discarding the
// prior one. Used when change attribution must be reset.
func (m *Manager) Refresh() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generateLocked()
}

func (m *Manager) generateLocked() (string, error) {
	token, err := NewToken(m.random)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return "", fmt.Errorf("identity: create directory: %w", err)
	}
	if err := os.WriteFile(m.path, []byte(token), 0o600); err != nil {
		return "", fmt.Errorf("identity: persist id: %w", err)
	}
	m.cached = token
	return token, nil
}

// NewToken draws a random identifier from the unambiguous alphabet.
// Rejection sampling keeps the character distribution uniform.
func NewToken(random io.Reader) (string, error) {
	limit := byte(256 - 256%len(tokenAlphabet))
	out := make([]byte, 0, tokenLength)
	buf := make([]byte, 1)
	for len(out) < tokenLength {
		if _, err := io.ReadFull(random, buf); err != nil {
			return "", fmt.Errorf("identity: read entropy: %w", err)
		}
		if buf[0] >= limit {
			continue
		}
		out = append(out, tokenAlphabet[int(buf[0])%len(tokenAlphabet)])
	}
	return string(out), nil
}

// ReadCookie extracts the client identifier from the request cookie.
func ReadCookie(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingClientID
	}
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie == nil || strings.TrimSpace(cookie.Value) == "" {
		return "", ErrMissingClientID
	}
	return cookie.Value, nil
}

// NewCookie builds the client identifier cookie with the contract the
// browser front end expects: one-year expiry, whole-site path, strict
// same-site, secure when served over HTTPS.
func NewCookie(clientID string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    clientID,
		Path:     "/",
		MaxAge:   cookieMaxAge,
		SameSite: http.SameSiteStrictMode,
		Secure:   secure,
	}
}

// WriteCookie sets the client identifier cookie on the response.
func WriteCookie(w http.ResponseWriter, clientID string, secure bool) {
	http.SetCookie(w, NewCookie(clientID, secure))
}

func isValidToken(token string) bool {
	if len(token) < tokenLength {
		return false
	}
	for _, r := range token {
		if !strings.ContainsRune(tokenAlphabet, r) {
			return false
		}
	}
	return true
}
