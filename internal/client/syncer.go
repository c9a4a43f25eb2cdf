package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"habitd/internal/core"
)

const (
	defaultMaxRetries  = 3
	defaultBackoffBase = 2 * time.Second
	defaultHTTPTimeout = 15 * time.Second
)

// Syncer replays the offline mutation queue against the backend. One pass
// drains pending entries strictly in order; a failure stops the pass so
// later mutations never jump ahead of the one they may depend on.
type Syncer struct {
	outbox   *Outbox
	mirror   *Mirror
	baseURL  string
	clientID string

	httpClient *http.Client
	token      TokenProvider
	online     func() bool
	logger     *slog.Logger

	maxRetries  int
	backoffBase time.Duration
	now         func() time.Time

	// OnSynced fires after a drain that applied at least one mutation.
	OnSynced func(applied int)

	syncing atomic.Bool
}

// NewSyncer constructs a syncer. online may be nil when connectivity is
// assumed; token must be configured before Sync will run.
func NewSyncer(outbox *Outbox, mirror *Mirror, baseURL, clientID string, token TokenProvider, online func() bool, logger *slog.Logger) *Syncer {
	return &Syncer{
		outbox:      outbox,
		mirror:      mirror,
		baseURL:     strings.TrimRight(baseURL, "/"),
		clientID:    clientID,
		httpClient:  &http.Client{Timeout: defaultHTTPTimeout},
		token:       token,
		online:      online,
		logger:      logger,
		maxRetries:  defaultMaxRetries,
		backoffBase: defaultBackoffBase,
		now:         time.Now,
	}
}

// Sync drains the pending queue. It is single-flight: a call while another
// sync is in progress returns immediately as a no-op, it is not queued.
func (s *Syncer) Sync(ctx context.Context) error {
	if !s.syncing.CompareAndSwap(false, true) {
		return nil
	}
	defer s.syncing.Store(false)

	if s.token == nil {
		return ErrNoTokenProvider
	}
	if s.online != nil && !s.online() {
		return ErrOffline
	}
	token, err := s.token()
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}

	if dropped, err := s.outbox.Collapse(ctx); err != nil {
		s.logger.Warn("collapse pass failed", "err", err)
	} else if dropped > 0 {
		s.logger.Debug("collapsed redundant mutations", "dropped", dropped)
	}

	pending, err := s.outbox.NextBatch(ctx, 0)
	if err != nil {
		return err
	}

	applied := 0
	var firstErr error
	for _, queued := range pending {
		// Reconciling an earlier create rewrites rows behind this pass's
		// snapshot; replay the stored row, never the snapshot.
		m, err := s.outbox.get(ctx, queued.ID)
		if errors.Is(err, ErrMutationNotFound) {
			continue
		}
		if err != nil {
			firstErr = err
			break
		}
		if !s.eligible(m) {
			// Still inside its backoff window; everything behind it
			// must wait to preserve replay order.
			break
		}
		if err := s.processOperation(ctx, token, m); err != nil {
			firstErr = err
			break
		}
		applied++
	}

	if applied > 0 {
		if err := s.outbox.SetLastSync(ctx, s.now()); err != nil {
			s.logger.Warn("record last sync", "err", err)
		}
		s.signalSynced(ctx, token, applied)
		if s.OnSynced != nil {
			s.OnSynced(applied)
		}
	}
	return firstErr
}

// eligible applies the linear backoff window: retry n waits n*backoffBase
// after the previous failure.
func (s *Syncer) eligible(m *Mutation) bool {
	if m.Retries == 0 {
		return true
	}
	wait := time.Duration(m.Retries) * s.backoffBase
	return s.now().After(m.UpdatedAt.Add(wait))
}

// processOperation replays one mutation: mark in progress, issue the stored
// HTTP call, then either remove the entry and reconcile ids, or count the
// failure against the retry budget.
func (s *Syncer) processOperation(ctx context.Context, token string, m *Mutation) error {
	if err := s.outbox.MarkInProgress(ctx, m.ID); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, m.Method, s.baseURL+m.Endpoint, bytes.NewReader(m.Payload))
	if err != nil {
		_ = s.outbox.MarkFailed(ctx, m.ID)
		return fmt.Errorf("build request for mutation %s: %w", m.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Client-ID", s.clientID)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		// Network-level failure: transient, retry with backoff.
		return s.failOperation(ctx, m, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if m.Op == OpCreate && core.IsTempID(m.EntityID) {
			if err := s.reconcile(ctx, m, resp.Body); err != nil {
				s.logger.Error("id reconciliation", "mutation_id", m.ID, "err", err)
			}
		}
		return s.outbox.MarkSucceeded(ctx, m.ID)
	case resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode >= 500:
		return s.failOperation(ctx, m, fmt.Errorf("server returned %d", resp.StatusCode))
	default:
		// 4xx: the server rejected the payload; retrying cannot help.
		s.logger.Error("mutation rejected", "mutation_id", m.ID, "status", resp.StatusCode)
		if err := s.outbox.MarkFailed(ctx, m.ID); err != nil {
			return err
		}
		return fmt.Errorf("mutation %s rejected with status %d", m.ID, resp.StatusCode)
	}
}

func (s *Syncer) failOperation(ctx context.Context, m *Mutation, cause error) error {
	terminal, err := s.outbox.RecordFailure(ctx, m.ID, s.maxRetries)
	if err != nil {
		return err
	}
	if terminal {
		s.logger.Error("mutation exhausted retries", "mutation_id", m.ID, "err", cause)
		return fmt.Errorf("mutation %s: %w: %w", m.ID, core.ErrRetryExhausted, cause)
	}
	s.logger.Warn("mutation replay failed, will retry", "mutation_id", m.ID, "retries", m.Retries+1, "err", cause)
	return fmt.Errorf("mutation %s: %w", m.ID, cause)
}

// reconcile swaps the temporary id for the server-issued one across the
// outbox (pending mutations may reference it) and the local mirror
// (including foreign keys held by other entities).
func (s *Syncer) reconcile(ctx context.Context, m *Mutation, body io.Reader) error {
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(body).Decode(&created); err != nil {
		return fmt.Errorf("decode create response: %w", err)
	}
	if created.ID == "" {
		return fmt.Errorf("create response carried no id")
	}
	if err := s.outbox.RewriteTempID(ctx, m.EntityID, created.ID); err != nil {
		return err
	}
	if s.mirror != nil {
		if err := s.mirror.RewriteTempID(ctx, m.EntityID, created.ID); err != nil {
			return err
		}
	}
	s.logger.Debug("temp id reconciled", "temp_id", m.EntityID, "server_id", created.ID)
	return nil
}

// signalSynced tells the backend the offline batch landed so other live
// connections refresh instead of trusting stale cached state.
func (s *Syncer) signalSynced(ctx context.Context, token string, applied int) {
	payload, _ := json.Marshal(map[string]int{"applied": applied})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/sync/complete", bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Client-ID", s.clientID)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("sync complete signal failed", "err", err)
		return
	}
	resp.Body.Close()
}
