// Package auth obtains and caches the OAuth1 access credential for the meter API.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/dghubble/oauth1"
	"go.uber.org/zap"

	"github.com/i474232898/discovergy-poller/internal/metrics"
	"github.com/i474232898/discovergy-poller/internal/readings/providers"
)

// Credential is an OAuth1 consumer and access token pair.
type Credential struct {
	Key          string `json:"key" yaml:"key"`
	ClientSecret string `json:"client_secret" yaml:"client_secret"`
	Token        string `json:"token" yaml:"token"`
	TokenSecret  string `json:"token_secret" yaml:"token_secret"`
}

// Complete reports whether all four parts are set.
func (c Credential) Complete() bool {
	return c.Key != "" && c.ClientSecret != "" && c.Token != "" && c.TokenSecret != ""
}

// AuthError is returned when the credential exchange fails after its retry budget.
type AuthError struct {
	Step string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("credential exchange failed at %s: %v", e.Step, e.Err)
}

func (e *AuthError) Unwrap() error   { return e.Err }
func (e *AuthError) Permanent() bool { return true }

// State is the lifecycle state of the cached credential.
type State int

const (
	Evicted State = iota
	Refreshing
	Valid
)

func (s State) String() string {
	switch s {
	case Valid:
		return "valid"
	case Refreshing:
		return "refreshing"
	default:
		return "evicted"
	}
}

// Exchanger performs the full credential exchange.
type Exchanger interface {
	Exchange(ctx context.Context) (Credential, error)
}

// TokenStore persists a freshly exchanged credential.
type TokenStore interface {
	SaveToken(c Credential) error
}

// TokenStoreFunc adapts a function to TokenStore.
type TokenStoreFunc func(c Credential) error

func (f TokenStoreFunc) SaveToken(c Credential) error { return f(c) }

// Manager is the credential cache. Transitions are Valid → Evicted → Refreshing → Valid.
// It is safe for concurrent use; at most one exchange runs at a time.
type Manager struct {
	exchanger Exchanger
	store     TokenStore
	logger    *zap.SugaredLogger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	state    State
	cred     Credential
	inflight chan struct{}
}

// NewManager creates a cache seeded with cached, which may be empty. store, logger
// and m may be nil.
func NewManager(cached Credential, exchanger Exchanger, store TokenStore, logger *zap.SugaredLogger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	mgr := &Manager{
		exchanger: exchanger,
		store:     store,
		logger:    logger,
		metrics:   m,
	}
	if cached.Complete() {
		mgr.state = Valid
		mgr.cred = cached
	}
	return mgr
}

// State returns the current cache state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Get returns the cached credential or exchanges a new one. A cached credential is
// returned as is; it is never validated against the server.
func (m *Manager) Get(ctx context.Context) (Credential, error) {
	m.mu.Lock()
	for {
		switch m.state {
		case Valid:
			c := m.cred
			m.mu.Unlock()
			return c, nil

		case Refreshing:
			wait := m.inflight
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return Credential{}, ctx.Err()
			case <-wait:
			}
			m.mu.Lock()

		default:
			done := make(chan struct{})
			m.state = Refreshing
			m.inflight = done
			m.mu.Unlock()

			m.logger.Infow("fetching a new OAuth1 token")
			cred, err := m.exchanger.Exchange(ctx)

			m.mu.Lock()
			close(done)
			m.inflight = nil
			if err != nil {
				m.state = Evicted
				m.mu.Unlock()
				return Credential{}, err
			}
			m.state = Valid
			m.cred = cred
			m.mu.Unlock()

			m.metrics.CredentialExchange()
			if m.store != nil {
				if serr := m.store.SaveToken(cred); serr != nil {
					m.logger.Warnw("could not persist the new token", "error", serr)
				}
			}
			return cred, nil
		}
	}
}

// Evict drops a valid credential so the next Get performs a full exchange.
// An exchange already in flight is left alone.
func (m *Manager) Evict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Valid {
		m.state = Evicted
		m.cred = Credential{}
	}
}

// Session returns a providers.Session that signs requests with the cached credential.
// base supplies the transport and timeout; nil means http.DefaultClient.
func (m *Manager) Session(base *http.Client) providers.Session {
	if base == nil {
		base = http.DefaultClient
	}
	return &session{manager: m, base: base}
}

type session struct {
	manager *Manager
	base    *http.Client
}

func (s *session) Client(ctx context.Context) (*http.Client, error) {
	cred, err := s.manager.Get(ctx)
	if err != nil {
		return nil, err
	}
	cfg := oauth1.NewConfig(cred.Key, cred.ClientSecret)
	token := oauth1.NewToken(cred.Token, cred.TokenSecret)
	client := cfg.Client(context.WithValue(ctx, oauth1.HTTPClient, s.base), token)
	client.Timeout = s.base.Timeout
	return client, nil
}

func (s *session) Invalidate() {
	s.manager.Evict()
}
