package venue

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	msgFundingPayment = "funding_payment"
	msgLegUpdate      = "leg_update"
	msgError          = "error"
)

type StreamConfig struct {
	Venue          models.VenueInfo
	URL            string
	Auth           Authenticator
	Tokens         []string
	PingInterval   time.Duration
	ReconnectDelay time.Duration
	MaxReconnects  int // 0 = retry forever
}

// Stream delivers funding settlements and leg status changes pushed by a
// venue gateway over a websocket.
type Stream struct {
	cfg    StreamConfig
	logger *logrus.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	onFunding   func(models.FundingPaymentEvent)
	onLegUpdate func(models.LegUpdate)
}

type streamMessage struct {
	Type       string          `json:"type"`
	Pair       string          `json:"pair"`
	Token      string          `json:"token"`
	Amount     decimal.Decimal `json:"amount"`
	Timestamp  int64           `json:"timestamp"` // unix ms
	PositionID string          `json:"position_id"`
	Status     string          `json:"status"`
	Reason     string          `json:"reason"`
	Message    string          `json:"message"`
}

type subscribeMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
	Pairs    []string `json:"pairs"`
}

func NewStream(cfg StreamConfig, logger *logrus.Logger) *Stream {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.Auth == nil {
		cfg.Auth = noAuth{}
	}
	return &Stream{cfg: cfg, logger: logger}
}

func (s *Stream) OnFunding(fn func(models.FundingPaymentEvent)) {
	s.onFunding = fn
}

func (s *Stream) OnLegUpdate(fn func(models.LegUpdate)) {
	s.onLegUpdate = fn
}

// Run keeps the stream connected until ctx is cancelled or the reconnect
// budget is spent.
func (s *Stream) Run(ctx context.Context) error {
	attempts := 0
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		attempts++
		s.logger.WithFields(logrus.Fields{
			"venue":   s.cfg.Venue.Name,
			"attempt": attempts,
		}).WithError(err).Warn("Event stream disconnected")

		if s.cfg.MaxReconnects > 0 && attempts >= s.cfg.MaxReconnects {
			return fmt.Errorf("event stream %s: giving up after %d reconnects: %w", s.cfg.Venue.Name, attempts, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

func (s *Stream) session(ctx context.Context) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer s.disconnect()

	if err := s.subscribe(); err != nil {
		return err
	}

	s.logger.WithField("venue", s.cfg.Venue.Name).Info("Event stream connected")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepAlive(sessionCtx)
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	return s.readLoop(conn)
}

func (s *Stream) connect(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}

	// Sign the upgrade request the same way REST calls are signed.
	req := &http.Request{Method: http.MethodGet, URL: u, Header: http.Header{}}
	if err := s.cfg.Auth.AddAuthHeaders(req, http.MethodGet, u.RequestURI(), ""); err != nil {
		return nil, fmt.Errorf("sign stream handshake: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, req.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to websocket: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return conn, nil
}

func (s *Stream) subscribe() error {
	pairs := make([]string, 0, len(s.cfg.Tokens))
	for _, token := range s.cfg.Tokens {
		pairs = append(pairs, s.cfg.Venue.TradingPair(strings.ToUpper(token)))
	}
	sub := subscribeMessage{
		Type:     "subscribe",
		Channels: []string{msgFundingPayment, msgLegUpdate},
		Pairs:    pairs,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return s.conn.WriteJSON(sub)
}

func (s *Stream) readLoop(conn *websocket.Conn) error {
	for {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		s.dispatch(msg)
	}
}

func (s *Stream) dispatch(msg streamMessage) {
	switch msg.Type {
	case msgFundingPayment:
		if s.onFunding == nil {
			return
		}
		token := msg.Token
		if token == "" {
			token = strings.TrimSuffix(msg.Pair, "-"+s.cfg.Venue.Quote)
		}
		ts := time.Now().UTC()
		if msg.Timestamp > 0 {
			ts = time.UnixMilli(msg.Timestamp).UTC()
		}
		s.onFunding(models.FundingPaymentEvent{
			Token:     strings.ToUpper(token),
			Venue:     s.cfg.Venue.Name,
			Amount:    msg.Amount.InexactFloat64(),
			Timestamp: ts,
		})
	case msgLegUpdate:
		if s.onLegUpdate == nil {
			return
		}
		ts := time.Now().UTC()
		if msg.Timestamp > 0 {
			ts = time.UnixMilli(msg.Timestamp).UTC()
		}
		s.onLegUpdate(models.LegUpdate{
			Handle:    msg.PositionID,
			Status:    models.LegStatus(msg.Status),
			Reason:    msg.Reason,
			Timestamp: ts,
		})
	case msgError:
		s.logger.WithFields(logrus.Fields{
			"venue":   s.cfg.Venue.Name,
			"message": msg.Message,
		}).Error("Event stream error message")
	default:
		s.logger.WithFields(logrus.Fields{
			"venue": s.cfg.Venue.Name,
			"type":  msg.Type,
		}).Debug("Ignoring stream message")
	}
}

func (s *Stream) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			var err error
			if s.conn != nil {
				err = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			s.mu.Unlock()
			if err != nil {
				s.logger.WithError(err).WithField("venue", s.cfg.Venue.Name).Error("Failed to send ping")
				return
			}
		}
	}
}

func (s *Stream) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
