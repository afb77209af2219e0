// Package auth provides token-based authentication for agentmux tools.
//
// Two roles exist: a single admin token minted at server startup, and one
// worker token per agent, minted when the agent is created. Tokens are
// opaque 32-char hex strings (UUIDs with the dashes stripped).
package auth

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Role restricts which token class a tool accepts.
type Role string

const (
	// RoleAdmin accepts only the admin token.
	RoleAdmin Role = "admin"
	// RoleWorker accepts worker tokens or the admin token.
	RoleWorker Role = "worker"
	// RoleAny accepts any known token.
	RoleAny Role = ""
)

// ErrUnauthorized is returned when a token is missing, unknown, or lacks
// the required role. Handlers surface it without touching the store.
var ErrUnauthorized = errors.New("unauthorized: invalid or missing token")

// TokenDirectory resolves worker tokens to agent ids. Implemented by the
// agent store; auth keeps no token state of its own beyond the admin token
// and a read-through cache.
type TokenDirectory interface {
	AgentIDByToken(ctx context.Context, token string) (string, error)
}

// Service verifies tokens and resolves worker identity.
type Service struct {
	adminToken string
	directory  TokenDirectory

	mu    sync.RWMutex
	cache map[string]string // token -> agent_id
}

// NewService creates an auth service. If adminToken is empty a fresh one
// is minted; the caller is responsible for surfacing it to the operator.
func NewService(adminToken string, directory TokenDirectory) *Service {
	if adminToken == "" {
		adminToken = MintToken()
	}
	return &Service{
		adminToken: adminToken,
		directory:  directory,
		cache:      make(map[string]string),
	}
}

// MintToken returns a fresh opaque token: a UUID with dashes stripped.
func MintToken() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// AdminToken returns the admin token.
func (s *Service) AdminToken() string {
	return s.adminToken
}

// AdminSuffix returns the lowercase last four characters of the admin
// token. Tmux session names created by this server carry it so audits can
// scope to sessions owned by the current admin.
func (s *Service) AdminSuffix() string {
	token := s.adminToken
	if len(token) < 4 {
		return strings.ToLower(token)
	}
	return strings.ToLower(token[len(token)-4:])
}

// VerifyToken reports whether token satisfies the required role.
// The admin token satisfies every role. Worker tokens satisfy RoleWorker
// and RoleAny.
func (s *Service) VerifyToken(ctx context.Context, token string, role Role) bool {
	if token == "" {
		return false
	}
	if token == s.adminToken {
		return true
	}
	if role == RoleAdmin {
		return false
	}
	agentID, err := s.AgentIDForToken(ctx, token)
	return err == nil && agentID != ""
}

// AgentIDForToken resolves a worker token to its agent id. Returns "" for
// the admin token and ErrUnauthorized for unknown tokens.
func (s *Service) AgentIDForToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	if token == s.adminToken {
		return "", nil
	}

	s.mu.RLock()
	agentID, ok := s.cache[token]
	s.mu.RUnlock()
	if ok {
		return agentID, nil
	}

	agentID, err := s.directory.AgentIDByToken(ctx, token)
	if err != nil || agentID == "" {
		return "", ErrUnauthorized
	}

	s.mu.Lock()
	s.cache[token] = agentID
	s.mu.Unlock()
	return agentID, nil
}

// Invalidate drops a token from the cache, e.g. after a relaunch minted a
// replacement.
func (s *Service) Invalidate(token string) {
	s.mu.Lock()
	delete(s.cache, token)
	s.mu.Unlock()
}
