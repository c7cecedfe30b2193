//go:generate go run go.uber.org/mock/mockgen -source=manager.go -destination=../mocks/mock_identity_manager.go -package=mocks
// Package identity produces and persists the stable participant identity
// for this installation.
package identity

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"cowatch/domain"
	"cowatch/domain/sanitize"
	"cowatch/errors"
	"cowatch/repositories"
)

type IManager interface {
	GetOrCreate() (domain.Identity, error)
	SetDisplayName(name string) (domain.Identity, error)
}

// Manager caches the identity after the first load, so repeated calls within
// one installation always return the same id. When the underlying store is
// unavailable the manager degrades to an ephemeral in-memory identity and
// reports the failure instead of failing the session.
type Manager struct {
	repo repositories.IIdentityRepository
	log  *slog.Logger

	mu      sync.Mutex
	current *domain.Identity
}

func NewManager(repo repositories.IIdentityRepository, log *slog.Logger) *Manager {
	return &Manager{repo: repo, log: log}
}

// GetOrCreate returns the persisted identity, generating a fresh one on the
// first ever call. The returned identity is always usable; a non-nil error
// means it could not be persisted and is ephemeral for this process.
func (m *Manager) GetOrCreate() (domain.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return *m.current, nil
	}

	stored, found, err := m.repo.Load()
	if err != nil {
		ephemeral := newIdentity()
		m.current = &ephemeral
		m.log.Warn("Identity store unavailable, using ephemeral identity", "error", err)
		return ephemeral, fmt.Errorf("identity not persisted: %w", err)
	}
	if found {
		stored.LastSeen = time.Now().UTC()
		m.current = &stored
		if err := m.repo.Save(stored); err != nil {
			m.log.Warn("Identity last-seen not updated", "error", err)
		}
		return stored, nil
	}

	fresh := newIdentity()
	m.current = &fresh
	if err := m.repo.Save(fresh); err != nil {
		m.log.Warn("New identity not persisted", "error", err)
		return fresh, fmt.Errorf("identity not persisted: %w", err)
	}
	return fresh, nil
}

// SetDisplayName sanitizes and persists a new display name. An empty result
// after sanitizing is a no-op returning the previous identity.
func (m *Manager) SetDisplayName(name string) (domain.Identity, error) {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()

	if current == nil {
		identity, err := m.GetOrCreate()
		if err != nil {
			return identity, err
		}
		m.mu.Lock()
		current = m.current
		m.mu.Unlock()
	}

	cleaned := sanitize.DisplayName(name)
	if cleaned == "" {
		return *current, errors.ErrEmptyName
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	updated := *m.current
	updated.DisplayName = cleaned
	updated.LastSeen = time.Now().UTC()
	m.current = &updated
	if err := m.repo.Save(updated); err != nil {
		m.log.Warn("Display name not persisted", "error", err)
		return updated, fmt.Errorf("display name not persisted: %w", err)
	}
	return updated, nil
}

func newIdentity() domain.Identity {
	id := uuid.NewString()
	return domain.Identity{
		ID:          id,
		DisplayName: fmt.Sprintf("viewer-%s", id[:8]),
		LastSeen:    time.Now().UTC(),
	}
}
