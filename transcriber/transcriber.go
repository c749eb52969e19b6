package transcriber

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"nasikh/audio"
	"nasikh/transcript"

	"nhooyr.io/websocket"
)

const (
	DefaultHandshakeTimeout = 3 * time.Second
	DefaultGraceTimeout     = 2 * time.Second
)

var (
	ErrConnectionFailed = errors.New("recognizer connection failed")
	ErrAuthRejected     = errors.New("recognizer rejected credential")
	ErrTimeout          = errors.New("recognizer timeout")
	ErrOutOfOrder       = errors.New("audio frame out of order")
	ErrStreamClosed     = errors.New("stream closed")
)

// Stream is one open recognition session. Events carries the results of one
// service message per receive and is closed when the stream ends, at the
// latest when either close method returns; Err then reports why (nil on a
// clean end).
type Stream interface {
	Send(f audio.Frame) error
	Events() <-chan []transcript.Event
	Err() error
	CloseGracefully(ctx context.Context) error
	CloseImmediately()
	Stats() Stats
}

type Config struct {
	URL              string
	Protocol         string // "generic" or "soniox"
	Model            string
	HandshakeTimeout time.Duration
	GraceTimeout     time.Duration
	// Prime sends 100 ms of silence right after the handshake.
	Prime bool
}

// Client dials the recognition service over a websocket.
type Client struct {
	cfg   Config
	proto Protocol
}

func New(cfg Config) (*Client, error) {
	proto, err := NewProtocol(cfg.Protocol, cfg.Model)
	if err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		cfg.URL = proto.DefaultURL()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = DefaultGraceTimeout
	}
	return &Client{cfg: cfg, proto: proto}, nil
}

func (c *Client) Name() string { return c.proto.Name() }

// Connect opens the stream and sends the configuration message. The whole
// handshake is bounded by HandshakeTimeout.
func (c *Client) Connect(ctx context.Context, credential, language string) (Stream, error) {
	start := time.Now()
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(hctx, c.cfg.URL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: http %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, c.handshakeErr(ctx, hctx, "dial", err)
	}

	hello, err := c.proto.Handshake(credential, language)
	if err != nil {
		conn.CloseNow()
		return nil, err
	}
	if err := conn.Write(hctx, websocket.MessageText, hello); err != nil {
		conn.CloseNow()
		return nil, c.handshakeErr(ctx, hctx, "send config", err)
	}
	if c.cfg.Prime {
		silence := audio.Frame{Samples: make([]int16, audio.FrameSamples)}
		if err := conn.Write(hctx, websocket.MessageBinary, silence.Bytes()); err != nil {
			conn.CloseNow()
			return nil, c.handshakeErr(ctx, hctx, "send priming audio", err)
		}
	}

	return newStream(conn, c.proto, c.cfg.GraceTimeout, time.Since(start)), nil
}

func (c *Client) handshakeErr(parent, hctx context.Context, op string, err error) error {
	if parent.Err() == nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", ErrTimeout, op, c.cfg.HandshakeTimeout)
	}
	return fmt.Errorf("%w: %s: %v", ErrConnectionFailed, op, err)
}
