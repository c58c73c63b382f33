package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// PongWait is how long the connection may stay silent before it is
	// considered dead.
	PongWait     = 60 * time.Second
	PingInterval = 25 * time.Second
	writeWait    = 10 * time.Second
	readLimit    = 1 << 16
)

// WSSource holds a websocket connection to the platform gateway and
// reconnects with exponential backoff when it drops.
type WSSource struct {
	URL        string
	Token      string
	MinBackoff time.Duration
	MaxBackoff time.Duration

	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewWSSource creates a gateway client. token is sent as a bot credential.
func NewWSSource(url, token string, logger *zap.Logger) *WSSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSSource{
		URL:        url,
		Token:      token,
		MinBackoff: time.Second,
		MaxBackoff: 30 * time.Second,
		dialer:     websocket.DefaultDialer,
		logger:     logger,
	}
}

// Run connects and reads events until ctx is done. Connection failures are
// logged and retried; Run only returns when ctx is cancelled.
func (s *WSSource) Run(ctx context.Context, h Handler) error {
	backoff := s.MinBackoff
	for {
		delivered, err := s.session(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		if delivered > 0 {
			backoff = s.MinBackoff
		}
		s.logger.Warn("gateway connection lost",
			zap.Int("events", delivered),
			zap.Duration("retry_in", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.MaxBackoff {
			backoff = s.MaxBackoff
		}
	}
}

// session runs one connection to completion and reports how many events it
// delivered.
func (s *WSSource) session(ctx context.Context, h Handler) (int, error) {
	header := http.Header{}
	if s.Token != "" {
		header.Set("Authorization", "Bot "+s.Token)
	}
	conn, _, err := s.dialer.DialContext(ctx, s.URL, header)
	if err != nil {
		return 0, err
	}
	s.logger.Info("gateway connected", zap.String("url", s.URL))

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepalive(ctx, conn, done)
	}()
	defer func() {
		close(done)
		_ = conn.Close()
		wg.Wait()
	}()

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(PongWait))
	})

	delivered := 0
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return delivered, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(PongWait))
		ev, ok := decode(raw)
		if !ok {
			continue
		}
		if err := h(ctx, ev); err != nil {
			s.logger.Warn("presence event not delivered", zap.String("user_id", ev.UserID), zap.Error(err))
			continue
		}
		delivered++
	}
}

// keepalive pings the gateway and closes the connection when ctx ends so
// the blocked reader returns.
func (s *WSSource) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
