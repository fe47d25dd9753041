// Package server is an in-memory implementation of the client-observable
// session contract: the REST surface plus the WebSocket channel. It exists
// so integration tests and the dev binary have a real peer; it is not a
// production session store.
package server

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Config holds server tuning.
type Config struct {
	// CreateCodes are the accepted creation codes.
	CreateCodes []string
	// ShareCodeTTL is the share code lifetime.
	ShareCodeTTL time.Duration
	// Connection tunes the WebSocket pumps.
	Connection ConnectionConfig
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		ShareCodeTTL: 300 * time.Second,
		Connection:   DefaultConnectionConfig(),
	}
}

type session struct {
	id           string
	createdAt    time.Time
	lastActivity time.Time
	clients      map[string]*clientRecord
	state        json.RawMessage
}

type clientRecord struct {
	id           string
	role         string
	joinedAt     time.Time
	lastActivity time.Time
}

type shareCode struct {
	code      string
	sessionID string
	createdAt time.Time
	expiresAt time.Time
	used      bool
	usedBy    string
	usedAt    time.Time
}

// Server holds all session state in memory.
type Server struct {
	cfg   Config
	clock clockwork.Clock
	hub   *Hub

	mu       sync.Mutex
	sessions map[string]*session
	codes    map[string]*shareCode
}

// New creates a server on the given clock.
func New(cfg Config, clock clockwork.Clock) *Server {
	if cfg.ShareCodeTTL <= 0 {
		cfg.ShareCodeTTL = DefaultConfig().ShareCodeTTL
	}
	s := &Server{
		cfg:      cfg,
		clock:    clock,
		sessions: make(map[string]*session),
		codes:    make(map[string]*shareCode),
	}
	s.hub = NewHub(cfg.Connection, s)
	return s
}

// Handler returns the full HTTP surface: REST endpoints, the channel
// upgrade, and the liveness probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sync/session", s.handleCreateSession)
	mux.HandleFunc("POST /sync/generate_share_code", s.handleGenerateShareCode)
	mux.HandleFunc("POST /sync/join", s.handleJoin)
	mux.HandleFunc("GET /sync/session/{id}/validate", s.handleValidate)
	mux.HandleFunc("POST /sync/session/{id}/share-code", s.handleMintShareCode)
	mux.HandleFunc("GET /sync/share-code/{code}", s.handleShareCodeStatus)
	mux.HandleFunc("GET /sync/session/{id}/clients", s.handleSessionClients)
	mux.HandleFunc("POST /sync/session/{id}/state", s.handleUpdateState)
	mux.HandleFunc("/sync/ws", s.hub.HandleConnection)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

// Stats returns connection statistics, mostly for the dev binary's logs.
func (s *Server) Stats() map[string]interface{} {
	s.mu.Lock()
	sessions := len(s.sessions)
	s.mu.Unlock()

	stats := s.hub.Stats()
	stats["sessions"] = sessions
	return stats
}

func (s *Server) createSession() (*session, *clientRecord) {
	now := s.clock.Now()
	sess := &session{
		id:           uuid.New().String(),
		createdAt:    now,
		lastActivity: now,
		clients:      make(map[string]*clientRecord),
	}
	operator := &clientRecord{
		id:           uuid.New().String(),
		role:         "operator",
		joinedAt:     now,
		lastActivity: now,
	}
	sess.clients[operator.id] = operator

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	log.Info().Str("session_id", sess.id).Msg("session created")
	return sess, operator
}

// mintShareCode issues a fresh single-use code for the session.
func (s *Server) mintShareCode(sessionID string) *shareCode {
	now := s.clock.Now()
	sc := &shareCode{
		code:      randomCode(8),
		sessionID: sessionID,
		createdAt: now,
		expiresAt: now.Add(s.cfg.ShareCodeTTL),
	}

	s.mu.Lock()
	s.codes[sc.code] = sc
	s.mu.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Time("expires_at", sc.expiresAt).
		Msg("share code minted")
	return sc
}

// lookupSession returns the session and whether it exists.
func (s *Server) lookupSession(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// setState installs the latest state blob and bumps activity times.
func (s *Server) setState(sessionID, clientID string, state json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	sess.state = append([]byte(nil), state...)
	sess.lastActivity = s.clock.Now()
	if c, ok := sess.clients[clientID]; ok {
		c.lastActivity = sess.lastActivity
	}
	return true
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// randomCode returns a short human-typable code.
func randomCode(n int) string {
	buf := make([]byte, n)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform source is broken.
			buf[i] = codeAlphabet[0]
			continue
		}
		buf[i] = codeAlphabet[idx.Int64()]
	}
	return string(buf)
}
