package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"habitd/internal/core"
)

// StreamState is the explicit connection state machine:
// connecting → connected → {disconnected → reconnecting → connected} | failed.
type StreamState string

const (
	StreamConnecting   StreamState = "connecting"
	StreamConnected    StreamState = "connected"
	StreamDisconnected StreamState = "disconnected"
	StreamReconnecting StreamState = "reconnecting"
	StreamFailed       StreamState = "failed"
)

const (
	defaultMaxAttempts    = 8
	defaultStreamBackoff  = time.Second
	maxStreamBackoff      = 30 * time.Second
	defaultStaleness      = 5 * time.Second
	responseHeaderTimeout = 10 * time.Second
)

// Stream is the single long-lived push subscription per client tab. It
// carries the client id so the hub can exclude this client from its own
// echoes, reconnects with exponential backoff, and triggers a full cache
// invalidation when it was down longer than the staleness threshold.
type Stream struct {
	baseURL  string
	clientID string
	token    TokenProvider
	logger   *slog.Logger

	httpClient *http.Client

	// OnEvent receives every change notification.
	OnEvent func(core.Event)
	// OnStale fires when the stream reconnects after being down longer
	// than the staleness threshold: cached collections cannot be trusted
	// because the stream does not replay missed history.
	OnStale func()

	maxAttempts int
	backoffBase time.Duration
	staleness   time.Duration

	mu             sync.Mutex
	state          StreamState
	lastDisconnect time.Time
}

// NewStream constructs a stream subscriber for baseURL's event endpoint.
func NewStream(baseURL, clientID string, token TokenProvider, logger *slog.Logger) *Stream {
	return &Stream{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		token:    token,
		logger:   logger,
		httpClient: &http.Client{
			// Bounded connection establishment, unbounded body: the
			// response stays open for the life of the subscription.
			Transport: &http.Transport{ResponseHeaderTimeout: responseHeaderTimeout},
		},
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultStreamBackoff,
		staleness:   defaultStaleness,
		state:       StreamConnecting,
	}
}

// State returns the current connection state.
func (st *Stream) State() StreamState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// Run connects and consumes the stream until ctx is cancelled or the
// reconnect budget is exhausted. The budget resets on every successful
// connection; exceeding it is terminal and surfaces ErrStreamFailed.
func (st *Stream) Run(ctx context.Context) error {
	attempts := 0
	for {
		if attempts == 0 {
			st.setState(StreamConnecting)
		} else {
			st.setState(StreamReconnecting)
		}
		connected, err := st.consumeOnce(ctx)
		if ctx.Err() != nil {
			st.setState(StreamDisconnected)
			return nil
		}
		st.markDisconnected()
		if connected {
			attempts = 0
		}
		attempts++
		if attempts > st.maxAttempts {
			st.setState(StreamFailed)
			return ErrStreamFailed
		}
		if err != nil {
			st.logger.Warn("event stream dropped", "attempt", attempts, "err", err)
		}
		backoff := st.backoffBase << (attempts - 1)
		if backoff > maxStreamBackoff {
			backoff = maxStreamBackoff
		}
		select {
		case <-ctx.Done():
			st.setState(StreamDisconnected)
			return nil
		case <-time.After(backoff):
		}
	}
}

// consumeOnce performs one connect-and-read cycle. connected reports whether
// the server accepted the subscription before the cycle ended.
func (st *Stream) consumeOnce(ctx context.Context) (connected bool, err error) {
	token := ""
	if st.token != nil {
		if token, err = st.token(); err != nil {
			return false, fmt.Errorf("resolve token: %w", err)
		}
	}
	url := fmt.Sprintf("%s/v1/events?client_id=%s", st.baseURL, st.clientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := st.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("event stream returned %d", resp.StatusCode)
	}

	st.onConnected()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	var eventName, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			st.dispatch(eventName, data)
			eventName, data = "", ""
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case strings.HasPrefix(line, ":"):
			// Heartbeat comment.
		}
	}
	return true, scanner.Err()
}

func (st *Stream) dispatch(eventName, data string) {
	if eventName != "change" || data == "" {
		return
	}
	var evt core.Event
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		st.logger.Warn("undecodable stream event", "err", err)
		return
	}
	if st.OnEvent != nil {
		st.OnEvent(evt)
	}
}

// onConnected flips to connected and, after a long gap, asks the owner to
// refetch everything rather than trust incremental messages it never saw.
func (st *Stream) onConnected() {
	st.mu.Lock()
	wasDown := !st.lastDisconnect.IsZero()
	downFor := time.Since(st.lastDisconnect)
	st.state = StreamConnected
	st.mu.Unlock()

	st.logger.Info("event stream connected", "client_id", st.clientID)
	if wasDown && downFor > st.staleness && st.OnStale != nil {
		st.OnStale()
	}
}

func (st *Stream) markDisconnected() {
	st.mu.Lock()
	st.lastDisconnect = time.Now()
	st.state = StreamDisconnected
	st.mu.Unlock()
}

func (st *Stream) setState(state StreamState) {
	st.mu.Lock()
	st.state = state
	st.mu.Unlock()
}
