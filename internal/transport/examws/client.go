package examws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"yaxha/internal/domain"
	"yaxha/internal/ports"
	"yaxha/internal/protocol"
)

// ErrClosed is returned by sends after the connection has shut down.
var ErrClosed = fmt.Errorf("%w: connection closed", domain.ErrTransport)

// Config controls the examiner websocket.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	OutboundQueue    int
	Logger           zerolog.Logger
	// OnDropped is called for every inbound frame rejected by the decoder.
	OnDropped func(err error)
}

// Dialer implements ports.Dialer for the exam backend.
type Dialer struct {
	cfg Config
}

func NewDialer(cfg Config) *Dialer {
	if cfg.URL == "" {
		cfg.URL = "ws://localhost:8000/listen"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = 64
	}
	return &Dialer{cfg: cfg}
}

func (d *Dialer) Dial(ctx context.Context) (ports.Transport, error) {
	wsURL, err := normalizeURL(d.cfg.URL)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: d.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrTransport, wsURL, err)
	}

	d.cfg.Logger.Info().Str("url", wsURL).Msg("examiner connected")
	return newSession(conn, d.cfg), nil
}

type frame struct {
	messageType int
	payload     []byte
}

type session struct {
	conn *websocket.Conn
	cfg  Config
	log  zerolog.Logger

	outbound chan frame
	inbound  chan protocol.Inbound
	closing  chan struct{}
	done     chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	shutdownOnce sync.Once
}

func newSession(conn *websocket.Conn, cfg Config) *session {
	s := &session{
		conn:     conn,
		cfg:      cfg,
		log:      cfg.Logger,
		outbound: make(chan frame, cfg.OutboundQueue),
		inbound:  make(chan protocol.Inbound, 16),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		close(s.inbound)
		_ = conn.Close()
		close(s.done)
	}()
	return s
}

func (s *session) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	copied := append([]byte(nil), chunk...)
	return s.enqueue(frame{messageType: websocket.BinaryMessage, payload: copied})
}

func (s *session) SendControl(text string) error {
	payload, err := protocol.EncodeControl(text)
	if err != nil {
		return err
	}
	return s.enqueue(frame{messageType: websocket.TextMessage, payload: payload})
}

func (s *session) enqueue(f frame) error {
	select {
	case <-s.closing:
		return s.closedErr()
	default:
	}
	select {
	case s.outbound <- f:
		return nil
	case <-s.closing:
		return s.closedErr()
	}
}

func (s *session) Inbound() <-chan protocol.Inbound {
	return s.inbound
}

func (s *session) Done() <-chan struct{} {
	return s.done
}

func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *session) Close() error {
	s.shutdown()
	<-s.done
	return s.Err()
}

func (s *session) shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.closing)
	})
}

func (s *session) closedErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrClosed
}

func (s *session) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		if !errors.Is(err, domain.ErrTransport) {
			err = fmt.Errorf("%w: %v", domain.ErrTransport, err)
		}
		s.err = err
	}
}

func (s *session) writeLoop() {
	defer s.wg.Done()
	// A dead writer must also unblock the reader.
	defer func() { _ = s.conn.Close() }()

	for {
		select {
		case f := <-s.outbound:
			if err := s.write(f); err != nil {
				s.setErr(fmt.Errorf("write frame: %w", err))
				s.shutdown()
				return
			}
		case <-s.closing:
			s.flushQueued()
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// flushQueued writes frames that were accepted before shutdown began.
func (s *session) flushQueued() {
	for {
		select {
		case f := <-s.outbound:
			if err := s.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *session) write(f frame) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(f.messageType, f.payload)
}

func (s *session) readLoop() {
	defer s.wg.Done()
	defer s.shutdown()

	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closing:
			default:
				s.setErr(fmt.Errorf("read frame: %w", err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.DecodeInbound(payload)
		if err != nil {
			s.log.Warn().Err(err).Int("bytes", len(payload)).Msg("dropping backend message")
			if s.cfg.OnDropped != nil {
				s.cfg.OnDropped(err)
			}
			continue
		}

		select {
		case s.inbound <- msg:
		case <-s.closing:
			return
		}
	}
}

func normalizeURL(raw string) (string, error) {
	base := strings.TrimSpace(raw)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid examiner URL: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("invalid examiner URL scheme %q", parsed.Scheme)
	}
	return parsed.String(), nil
}
