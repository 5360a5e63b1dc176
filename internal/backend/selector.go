package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ipa-tuura/internal/domain"
	"github.com/isometry/ipa-tuura/internal/identity"
	"github.com/isometry/ipa-tuura/internal/kerberos"
	"github.com/isometry/ipa-tuura/internal/logging"
	"github.com/isometry/ipa-tuura/internal/metrics"
)

// ErrNoDomain is returned when a write arrives before any domain is enrolled.
var ErrNoDomain = errors.New("no integration domain configured")

// RecordSource yields the active domain record.
type RecordSource interface {
	Get(ctx context.Context) (*domain.Record, error)
}

// Selector builds the writer for the active domain on first use and caches
// it until Invalidate or Reset.
type Selector struct {
	source  RecordSource
	factory Factory
	metrics *metrics.Backend
	creds   *kerberos.Cache

	mu     sync.Mutex
	writer Writer
	kind   Kind
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithMetrics records every write in m.
func WithMetrics(m *metrics.Backend) SelectorOption {
	return func(s *Selector) {
		s.metrics = m
	}
}

// WithCredentialCache lets Reset drop cached Kerberos credentials as well.
func WithCredentialCache(c *kerberos.Cache) SelectorOption {
	return func(s *Selector) {
		s.creds = c
	}
}

// NewSelector creates a Selector reading records from source.
func NewSelector(source RecordSource, factory Factory, opts ...SelectorOption) *Selector {
	s := &Selector{source: source, factory: factory}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Writer returns the cached writer, building it from the current record if
// needed.
func (s *Selector) Writer(ctx context.Context) (Writer, error) {
	w, _, err := s.current(ctx)
	return w, err
}

func (s *Selector) current(ctx context.Context) (Writer, Kind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer != nil {
		return s.writer, s.kind, nil
	}

	rec, err := s.source.Get(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, "", ErrNoDomain
	}
	if err != nil {
		return nil, "", err
	}

	kind, err := ParseKind(string(rec.Provider))
	if err != nil {
		return nil, "", err
	}

	w, err := s.factory.Build(ctx, rec)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build %s backend: %w", kind, err)
	}

	tflog.SubsystemInfo(ctx, logging.SubsystemBackend, "Backend selected", map[string]any{
		"domain":   rec.Name,
		"provider": string(kind),
	})

	s.writer, s.kind = w, kind
	return w, kind, nil
}

// Invalidate drops the cached writer so the next call rebuilds it.
func (s *Selector) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer, s.kind = nil, ""
}

// Reset invalidates the writer and discards cached credentials.
func (s *Selector) Reset() {
	s.Invalidate()
	if s.creds != nil {
		s.creds.Reset()
	}
}

// Add creates user in the active backend.
func (s *Selector) Add(ctx context.Context, user *identity.User) error {
	return s.do(ctx, "add", user, Writer.Add)
}

// Modify updates user in the active backend.
func (s *Selector) Modify(ctx context.Context, user *identity.User) error {
	return s.do(ctx, "modify", user, Writer.Modify)
}

// Delete removes user from the active backend.
func (s *Selector) Delete(ctx context.Context, user *identity.User) error {
	return s.do(ctx, "delete", user, Writer.Delete)
}

func (s *Selector) do(ctx context.Context, op string, user *identity.User, fn func(Writer, context.Context, *identity.User) error) error {
	w, kind, err := s.current(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	err = fn(w, ctx, user)
	s.metrics.Observe(string(kind), op, time.Since(start), err)

	if err != nil {
		tflog.SubsystemWarn(ctx, logging.SubsystemBackend, "Backend write failed", map[string]any{
			"operation": op,
			"provider":  string(kind),
			"user":      user.Name,
			"error":     err.Error(),
		})
	}
	return err
}
