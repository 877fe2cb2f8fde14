package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/nookplot/internal/protocol"
)

var (
	ErrNotFound        = errors.New("approval not found")
	ErrExpired         = errors.New("approval expired")
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// Status represents the state of an approval request.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusDenied
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusDenied:
		return "denied"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Pending stores the context of one approval request.
type Pending struct {
	ID               string
	ActionType       protocol.ActionType
	Payload          map[string]any
	SuggestedContent string
	ActionID         string
	Status           Status
	ResolvedBy       string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	ResolvedAt       time.Time

	done chan struct{}
}

// CreateRequest contains the fields needed to create a pending approval.
type CreateRequest struct {
	ActionType       protocol.ActionType
	Payload          map[string]any
	SuggestedContent string
	ActionID         string
}

// Store keeps pending approval requests in memory. Thread-safe. Requests
// expire after a configurable TTL.
type Store struct {
	mu      sync.Mutex
	pending map[string]*Pending
	ttl     time.Duration
	logger  *slog.Logger
}

// NewStore creates an approval store with the given default TTL.
func NewStore(ttl time.Duration, logger *slog.Logger) *Store {
	return &Store{
		pending: make(map[string]*Pending),
		ttl:     ttl,
		logger:  logger,
	}
}

// Create stores a new pending approval and returns its unique ID.
func (s *Store) Create(_ context.Context, req *CreateRequest) (string, error) {
	id, err := generateID()
	if err != nil {
		return "", fmt.Errorf("generating approval ID: %w", err)
	}

	now := time.Now().UTC()
	p := &Pending{
		ID:               id,
		ActionType:       req.ActionType,
		Payload:          req.Payload,
		SuggestedContent: req.SuggestedContent,
		ActionID:         req.ActionID,
		Status:           StatusPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.ttl),
		done:             make(chan struct{}),
	}

	s.mu.Lock()
	s.pending[id] = p
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("approval created",
			slog.String("approval_id", id),
			slog.String("action", string(req.ActionType)),
		)
	}
	return id, nil
}

// Approve marks a pending approval as approved by the given resolver.
func (s *Store) Approve(_ context.Context, id, resolverID string) error {
	return s.resolve(id, resolverID, StatusApproved)
}

// Deny marks a pending approval as denied.
func (s *Store) Deny(_ context.Context, id, resolverID string) error {
	return s.resolve(id, resolverID, StatusDenied)
}

func (s *Store) resolve(id, resolverID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[id]
	if !ok {
		return ErrNotFound
	}
	if time.Now().UTC().After(p.ExpiresAt) {
		p.Status = StatusExpired
		return ErrExpired
	}
	if p.Status != StatusPending {
		return ErrAlreadyResolved
	}

	p.Status = status
	p.ResolvedBy = resolverID
	p.ResolvedAt = time.Now().UTC()
	close(p.done)

	if s.logger != nil {
		s.logger.Info("approval resolved",
			slog.String("approval_id", id),
			slog.String("resolver", resolverID),
			slog.String("status", status.String()),
		)
	}
	return nil
}

// Get retrieves an approval by ID, marking it expired on access if past TTL.
func (s *Store) Get(_ context.Context, id string) (*Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Status == StatusPending && time.Now().UTC().After(p.ExpiresAt) {
		p.Status = StatusExpired
	}
	return p, nil
}

// List returns all stored approvals, newest first.
func (s *Store) List(_ context.Context) []*Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Pending, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Wait blocks until the approval is resolved, its TTL elapses, or ctx is
// canceled. Returns true only for an explicit approval.
func (s *Store) Wait(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	p, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		return false, ErrNotFound
	}

	timer := time.NewTimer(time.Until(p.ExpiresAt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		s.mu.Lock()
		if p.Status == StatusPending {
			p.Status = StatusExpired
		}
		s.mu.Unlock()
		return false, ErrExpired
	case <-p.done:
		s.mu.Lock()
		approved := p.Status == StatusApproved
		s.mu.Unlock()
		return approved, nil
	}
}

// Cleanup removes approvals resolved or expired more than 2x TTL ago.
func (s *Store) Cleanup(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for id, p := range s.pending {
		if p.Status == StatusPending && now.After(p.ExpiresAt) {
			p.Status = StatusExpired
		}
		if p.Status != StatusPending && now.After(p.ExpiresAt.Add(s.ttl)) {
			delete(s.pending, id)
		}
	}
}

// StartCleanup starts a background goroutine calling Cleanup periodically.
// Returns a cancel function to stop the goroutine.
func (s *Store) StartCleanup(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Cleanup(ctx)
			}
		}
	}()
	return cancel
}

func generateID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
