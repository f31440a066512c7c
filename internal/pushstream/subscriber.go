// Package pushstream consumes the server's realtime notification channel
// and turns raw frames into typed push events for the sync engine.
package pushstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/astridclaw/astrid-web-sub002/internal/tasksync"
)

// TokenProvider returns the bearer token used to authenticate the stream.
type TokenProvider func(ctx context.Context) (string, error)

type Options struct {
	URL           string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	// EventTypes defaults to the engine's fixed subscription set.
	EventTypes []string
	// OnReconnect runs after every successful reconnect, not after the
	// first connect. The engine hooks a refresh here to cover the gap.
	OnReconnect  func()
	Logger       tasksync.Logger
	BufferSize   int
	PingInterval time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

// Subscriber maintains one websocket subscription with automatic
// reconnect and exponential backoff. Malformed frames are dropped and
// counted, never surfaced to the engine.
type Subscriber struct {
	url           string
	tokenProvider TokenProvider
	httpClient    *http.Client
	eventTypes    []string
	onReconnect   func()
	logger        tasksync.Logger
	pingInterval  time.Duration
	baseDelay     time.Duration
	maxDelay      time.Duration

	events    chan tasksync.PushEvent
	connected atomic.Bool
	malformed atomic.Uint64
}

type subscribeRequest struct {
	Type       string   `json:"type"`
	EventTypes []string `json:"eventTypes"`
}

func NewSubscriber(opts Options) (*Subscriber, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("pushstream: url is required")
	}
	eventTypes := opts.EventTypes
	if len(eventTypes) == 0 {
		eventTypes = tasksync.SubscribedEventTypes()
	}
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = 256
	}
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &Subscriber{
		url:           url,
		tokenProvider: opts.TokenProvider,
		httpClient:    opts.HTTPClient,
		eventTypes:    append([]string(nil), eventTypes...),
		onReconnect:   opts.OnReconnect,
		logger:        opts.Logger,
		pingInterval:  pingInterval,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		events:        make(chan tasksync.PushEvent, bufferSize),
	}, nil
}

// Events is the stream of validated push events. The channel closes when
// Run returns.
func (s *Subscriber) Events() <-chan tasksync.PushEvent {
	return s.events
}

func (s *Subscriber) IsConnected() bool {
	return s.connected.Load()
}

// MalformedCount reports how many frames were dropped as unparseable.
func (s *Subscriber) MalformedCount() uint64 {
	return s.malformed.Load()
}

// Run connects and consumes the stream until ctx is cancelled,
// reconnecting with exponential backoff after every failure.
func (s *Subscriber) Run(ctx context.Context) error {
	defer close(s.events)

	delay := s.baseDelay
	everConnected := false
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logf("push stream connect failed: %v", err)
			if waitErr := sleepContext(ctx, delay); waitErr != nil {
				return waitErr
			}
			delay *= 2
			if delay > s.maxDelay {
				delay = s.maxDelay
			}
			continue
		}
		delay = s.baseDelay
		if everConnected && s.onReconnect != nil {
			s.onReconnect()
		}
		everConnected = true
		s.connected.Store(true)

		err = s.consume(ctx, conn)
		s.connected.Store(false)
		if ctx.Err() != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
			return ctx.Err()
		}
		s.logf("push stream disconnected: %v", err)
		_ = conn.Close(websocket.StatusInternalError, "read failed")
	}
}

func (s *Subscriber) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	header := http.Header{}
	if s.tokenProvider != nil {
		token, err := s.tokenProvider(dialCtx)
		if err != nil {
			return nil, err
		}
		if token = strings.TrimSpace(token); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{
		HTTPClient: s.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(subscribeRequest{Type: "subscribe", EventTypes: s.eventTypes})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe encode failed")
		return nil, err
	}
	if err := conn.Write(dialCtx, websocket.MessageText, payload); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe write failed")
		return nil, err
	}
	return conn, nil
}

func (s *Subscriber) consume(ctx context.Context, conn *websocket.Conn) error {
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.Ping(pingCtx); err != nil {
					return
				}
			}
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		evt, err := tasksync.ParsePushEvent(data)
		if err != nil {
			s.malformed.Add(1)
			s.logf("dropping malformed push frame: %v", err)
			continue
		}
		select {
		case s.events <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Subscriber) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
