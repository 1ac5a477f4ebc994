package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"meeshy/internal/metrics"
	"meeshy/internal/models"
)

const (
	outboundBuffer = 100
	writeWait      = 10 * time.Second
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type messageHub interface {
	Attach(c *Connection) error
	Detach(c *Connection)
	Dispatch(ctx context.Context, c *Connection, env models.ClientEnvelope)
	Touch(c *Connection)
}

// ConnectionConfig tunes heartbeat and inbound rate limiting.
type ConnectionConfig struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	EventRate    float64
	EventBurst   int
}

func (cfg ConnectionConfig) withDefaults() ConnectionConfig {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = cfg.PingInterval * 2
	}
	if cfg.EventRate <= 0 {
		cfg.EventRate = 20
	}
	if cfg.EventBurst <= 0 {
		cfg.EventBurst = 40
	}
	return cfg
}

type Connection struct {
	id       string
	identity models.Identity
	ws       wsConnection
	hub      messageHub
	cfg      ConnectionConfig
	limiter  *rate.Limiter
	metrics  *metrics.Metrics

	fromClient chan models.ClientEnvelope
	fromServer chan models.ServerEvent
	errorCh    chan error
	closed     chan struct{}
	closeOnce  sync.Once
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	identity models.Identity,
	cfg ConnectionConfig,
	m *metrics.Metrics,
) *Connection {
	cfg = cfg.withDefaults()
	return &Connection{
		id:         uuid.NewString(),
		identity:   identity,
		ws:         ws,
		hub:        hub,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(cfg.EventRate), cfg.EventBurst),
		metrics:    m,
		fromClient: make(chan models.ClientEnvelope),
		fromServer: make(chan models.ServerEvent, outboundBuffer),
		errorCh:    make(chan error, 3),
		closed:     make(chan struct{}),
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Identity() models.Identity {
	return c.identity
}

// Send queues ev for the client without blocking. Events for a full or
// closed connection are dropped.
func (c *Connection) Send(ev models.ServerEvent) bool {
	if c.isClosed() {
		return false
	}

	select {
	case c.fromServer <- ev:
		return true
	default:
		c.metrics.EventDropped()
		slog.Warn("outbound buffer full, dropping event", "conn_id", c.id, "event", ev.Event)
		return false
	}
}

// Close tears the socket down. It is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}

// Handle runs the connection until the client goes away or ctx is done.
func (c *Connection) Handle(ctx context.Context) error {
	if err := c.hub.Attach(c); err != nil {
		_ = c.Close()
		return fmt.Errorf("attach connection: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.hub.Detach(c)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.writeLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	closedLocally := c.isClosed()
	_ = c.Close()
	wg.Wait()

	if closedLocally || err == nil || errors.Is(err, context.Canceled) || isNormalClose(err) {
		return nil
	}
	return err
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	if err := c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout)); err != nil {
		return err
	}
	c.ws.SetPongHandler(func(string) error {
		c.hub.Touch(c)
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		var env models.ClientEnvelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return err
		}
		if err := c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout)); err != nil {
			return err
		}
		select {
		case c.fromClient <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case env := <-c.fromClient:
			c.processClientMessage(ctx, env)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-c.fromServer:
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientMessage(ctx context.Context, env models.ClientEnvelope) {
	if !c.limiter.Allow() {
		c.metrics.EventHandled(env.Event, CodeRateLimited)
		c.reply(env, nil, fmt.Errorf("%w: slow down", models.ErrRateLimited))
		return
	}
	c.hub.Dispatch(ctx, c, env)
}

// reply answers env with an ack when the client asked for one. Failures
// without an ack id are reported as an error event.
func (c *Connection) reply(env models.ClientEnvelope, data any, err error) {
	if err == nil {
		if env.AckID != 0 {
			c.Send(models.AckEvent(env.AckID, models.Ack{Success: true, Data: data}))
		}
		return
	}

	code, text := classify(err)
	if env.AckID == 0 {
		c.Send(models.ErrorEvent(text))
		return
	}
	c.Send(models.AckEvent(env.AckID, models.Ack{Error: text, Code: code}))
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
