package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"opsdash/internal/domain"

	"github.com/lib/pq"
)

// PostgresConfig configures a transport that LISTENs directly on the
// database. Triggers are expected to pg_notify('cdc_<table>', row_change_json).
type PostgresConfig struct {
	DSN           string
	ChannelPrefix string // default: cdc_
	PingInterval  time.Duration
	Buffer        int
	Logger        *slog.Logger
}

// PostgresTransport turns NOTIFY payloads into row changes via lib/pq's
// reconnecting listener.
type PostgresTransport struct {
	cfg      PostgresConfig
	logger   *slog.Logger
	listener *pq.Listener

	changes chan domain.RawChange
	done    chan struct{}
	wg      sync.WaitGroup

	closeOnce sync.Once
}

func NewPostgresTransport(cfg PostgresConfig) *PostgresTransport {
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "cdc_"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 90 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PostgresTransport{
		cfg:     cfg,
		logger:  cfg.Logger,
		changes: make(chan domain.RawChange, cfg.Buffer),
		done:    make(chan struct{}),
	}
}

func (p *PostgresTransport) Connect(ctx context.Context) error {
	if strings.TrimSpace(p.cfg.DSN) == "" {
		return fmt.Errorf("postgres transport: empty dsn")
	}
	p.listener = pq.NewListener(p.cfg.DSN, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed:
			p.logger.Warn("postgres listener connect failed", "err", err)
		case pq.ListenerEventDisconnected:
			p.logger.Warn("postgres listener disconnected", "err", err)
		case pq.ListenerEventReconnected:
			p.logger.Info("postgres listener reconnected")
		}
	})
	if err := p.listener.Ping(); err != nil {
		p.listener.Close()
		return fmt.Errorf("postgres listener: %w", err)
	}

	p.wg.Add(1)
	go p.loop()
	p.logger.Info("postgres transport connected")
	return nil
}

func (p *PostgresTransport) channel(table domain.Table) string {
	return p.cfg.ChannelPrefix + string(table)
}

func (p *PostgresTransport) Join(ctx context.Context, table domain.Table) error {
	if p.listener == nil {
		return fmt.Errorf("postgres transport not connected")
	}
	err := p.listener.Listen(p.channel(table))
	if err == pq.ErrChannelAlreadyOpen {
		return nil
	}
	return err
}

func (p *PostgresTransport) Leave(ctx context.Context, table domain.Table) error {
	if p.listener == nil {
		return fmt.Errorf("postgres transport not connected")
	}
	err := p.listener.Unlisten(p.channel(table))
	if err == pq.ErrChannelNotOpen {
		return nil
	}
	return err
}

func (p *PostgresTransport) loop() {
	defer p.wg.Done()
	defer close(p.changes)

	ping := time.NewTicker(p.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ping.C:
			go func() {
				if err := p.listener.Ping(); err != nil {
					p.logger.Debug("postgres listener ping failed", "err", err)
				}
			}()
		case n, ok := <-p.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Sent after a reconnect: notifications in between are lost.
				p.logger.Warn("postgres listener resumed; changes during the gap were missed")
				continue
			}
			change, err := ParseChange([]byte(n.Extra))
			if err != nil {
				p.logger.Warn("invalid notify payload", "channel", n.Channel, "err", err)
				continue
			}
			if change.Table == "" {
				change.Table = domain.Table(strings.TrimPrefix(n.Channel, p.cfg.ChannelPrefix))
			}
			select {
			case p.changes <- change:
			case <-p.done:
				return
			}
		}
	}
}

func (p *PostgresTransport) Changes() <-chan domain.RawChange { return p.changes }

// Err is always nil: the listener reconnects on its own.
func (p *PostgresTransport) Err() error { return nil }

func (p *PostgresTransport) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		if p.listener == nil {
			close(p.changes)
			return
		}
		p.wg.Wait()
		err = p.listener.Close()
	})
	return err
}
