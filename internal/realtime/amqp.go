package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"opsdash/internal/domain"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// AMQPConfig configures a transport fed by a CDC relay publishing to a
// RabbitMQ topic exchange with routing keys "<table>.<insert|update|delete>".
type AMQPConfig struct {
	URL      string
	Exchange string // default: opsdash.cdc
	Prefetch int    // default: 50
	Buffer   int
	Logger   *slog.Logger
}

// AMQPTransport consumes row changes from an exclusive, auto-deleted queue.
// Joining a table binds "<table>.*"; leaving unbinds it.
type AMQPTransport struct {
	cfg    AMQPConfig
	logger *slog.Logger

	conn  *amqp091.Connection
	ch    *amqp091.Channel
	queue string

	changes chan domain.RawChange
	done    chan struct{}
	wg      sync.WaitGroup

	mu        sync.Mutex
	err       error
	closing   bool
	closeOnce sync.Once
}

func NewAMQPTransport(cfg AMQPConfig) *AMQPTransport {
	if cfg.Exchange == "" {
		cfg.Exchange = "opsdash.cdc"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 50
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AMQPTransport{
		cfg:     cfg,
		logger:  cfg.Logger,
		changes: make(chan domain.RawChange, cfg.Buffer),
		done:    make(chan struct{}),
	}
}

func (t *AMQPTransport) Connect(ctx context.Context) error {
	conn, err := amqp091.Dial(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(t.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("amqp exchange: %w", err)
	}
	if err := ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("amqp qos: %w", err)
	}
	q, err := ch.QueueDeclare("opsdash."+uuid.NewString(), false, true, true, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp queue: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp consume: %w", err)
	}

	t.conn, t.ch, t.queue = conn, ch, q.Name
	closed := conn.NotifyClose(make(chan *amqp091.Error, 1))

	t.wg.Add(1)
	go t.consume(msgs, closed)

	t.logger.Info("amqp transport connected", "exchange", t.cfg.Exchange, "queue", q.Name)
	return nil
}

func routingPattern(table domain.Table) string { return string(table) + ".*" }

func (t *AMQPTransport) Join(ctx context.Context, table domain.Table) error {
	if t.ch == nil {
		return fmt.Errorf("amqp transport not connected")
	}
	return t.ch.QueueBind(t.queue, routingPattern(table), t.cfg.Exchange, false, nil)
}

func (t *AMQPTransport) Leave(ctx context.Context, table domain.Table) error {
	if t.ch == nil {
		return fmt.Errorf("amqp transport not connected")
	}
	return t.ch.QueueUnbind(t.queue, routingPattern(table), t.cfg.Exchange, nil)
}

func (t *AMQPTransport) consume(msgs <-chan amqp091.Delivery, closed <-chan *amqp091.Error) {
	defer t.wg.Done()
	defer close(t.changes)

	for {
		select {
		case <-t.done:
			return
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				t.setErr(fmt.Errorf("amqp connection closed: %w", amqpErr))
			}
			return
		case msg, ok := <-msgs:
			if !ok {
				t.setErr(fmt.Errorf("amqp delivery channel closed"))
				return
			}
			change, err := ParseChange(msg.Body)
			if err != nil {
				change, err = changeFromRoutingKey(msg)
			}
			if err != nil {
				// Poison: never requeue.
				t.logger.Warn("amqp change rejected", "key", msg.RoutingKey, "err", err)
				_ = msg.Nack(false, false)
				continue
			}
			select {
			case t.changes <- change:
				_ = msg.Ack(false)
			case <-t.done:
				_ = msg.Nack(false, true)
				return
			}
		}
	}
}

// changeFromRoutingKey accepts relays that publish the bare row as the body
// and carry the table and event in the routing key.
func changeFromRoutingKey(msg amqp091.Delivery) (domain.RawChange, error) {
	table, event, ok := strings.Cut(msg.RoutingKey, ".")
	if !ok || table == "" {
		return domain.RawChange{}, fmt.Errorf("routing key %q has no event", msg.RoutingKey)
	}
	c := domain.RawChange{
		Table:      domain.Table(table),
		Kind:       domain.ChangeKind(strings.ToUpper(event)),
		CommitTime: msg.Timestamp,
	}
	if !c.Kind.Valid() {
		return domain.RawChange{}, fmt.Errorf("routing key %q: unknown event %q", msg.RoutingKey, event)
	}
	if c.Kind == domain.ChangeDelete {
		c.Old = nullToEmpty(msg.Body)
	} else {
		c.New = nullToEmpty(msg.Body)
	}
	return c, nil
}

func (t *AMQPTransport) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closing {
		t.err = err
	}
}

func (t *AMQPTransport) Changes() <-chan domain.RawChange { return t.changes }

func (t *AMQPTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *AMQPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closing = true
		t.mu.Unlock()
		close(t.done)

		if t.conn == nil {
			close(t.changes)
			return
		}
		t.wg.Wait()
		_ = t.ch.Close()
		err = t.conn.Close()
	})
	return err
}
