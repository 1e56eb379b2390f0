// Package notify publishes deadline reminders for downstream delivery
// (email, push) by other services.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

type DeadlineReminder struct {
	ConvocatoriaID string    `json:"convocatoria_id"`
	UserID         string    `json:"user_id"`
	Name           string    `json:"nombre_concurso"`
	Organization   string    `json:"institucion"`
	ClosingDate    string    `json:"fecha_cierre"`
	DaysRemaining  int       `json:"days_remaining"`
	Priority       string    `json:"priority"`
	CreatedAt      time.Time `json:"created_at"`
}

type Publisher interface {
	Publish(ctx context.Context, r DeadlineReminder) error
}

type RabbitPublisher struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

// NewRabbitPublisher dials the broker and declares a durable queue.
func NewRabbitPublisher(url, queue string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return &RabbitPublisher{conn: conn, channel: ch, queue: queue}, nil
}

func (p *RabbitPublisher) Publish(_ context.Context, r DeadlineReminder) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reminder: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.Publish("", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    r.CreatedAt,
		MessageId:    r.ConvocatoriaID + ":" + r.ClosingDate,
	})
	if err != nil {
		return fmt.Errorf("failed to publish reminder: %w", err)
	}
	return nil
}

func (p *RabbitPublisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// LogPublisher writes reminders to the log. Used when no broker is
// configured.
type LogPublisher struct {
	Logger zerolog.Logger
}

func (p LogPublisher) Publish(_ context.Context, r DeadlineReminder) error {
	p.Logger.Info().
		Str("convocatoria_id", r.ConvocatoriaID).
		Str("user_id", r.UserID).
		Str("fecha_cierre", r.ClosingDate).
		Int("days_remaining", r.DaysRemaining).
		Msg("deadline reminder")
	return nil
}
