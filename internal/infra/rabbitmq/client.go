package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/acme/voice-campaign-engine/internal/config"
)

// Client owns one AMQP connection and a publishing channel.
type Client struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewClient dials the broker and declares the delivery queues as durable.
func NewClient(cfg config.RabbitMQConfig) (*Client, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}

	for _, queue := range []string{cfg.SMSQueue, cfg.EmailQueue} {
		if queue == "" {
			continue
		}
		if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			channel.Close()
			conn.Close()
			return nil, fmt.Errorf("rabbitmq: declare queue %s: %w", queue, err)
		}
	}

	return &Client{conn: conn, channel: channel}, nil
}

// Channel exposes the publishing channel.
func (c *Client) Channel() *amqp.Channel {
	return c.channel
}

// Close closes the channel and the connection.
func (c *Client) Close() error {
	var err error
	if c.channel != nil {
		err = c.channel.Close()
	}
	if c.conn != nil {
		if cerr := c.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
