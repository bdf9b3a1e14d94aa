/**
 * @description
 * This file provides the RabbitMQ consumer side: a durable topic-exchange
 * subscription dispatching messages to per-routing-key handlers. Handlers
 * return true to acknowledge and false to requeue, so a handler decides for
 * itself whether a failure is permanent (drop) or transient (retry).
 *
 * @dependencies
 * - log, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"errors"
	"log"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Consumer holds the RabbitMQ connection and channel for a subscription.
type Consumer struct {
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

// NewConsumer dials RabbitMQ and opens a channel for consuming.
func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeWithBindings declares the durable queue, binds each routing key to
// its handler, and starts delivering in a background goroutine. Deliveries
// whose handler returns false are nacked with requeue; routing keys with no
// handler are acked so they do not loop forever.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	if len(bindings) == 0 {
		return errors.New("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]func([]byte) bool)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			handler, ok := handlers[d.RoutingKey]
			if !ok {
				log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler for routing key, dropping\" queue=%s routing_key=%s", q.Name, d.RoutingKey)
				d.Ack(false)
				continue
			}
			if handler(d.Body) {
				d.Ack(false)
			} else {
				log.Printf("level=warn component=rabbitmq_consumer msg=\"handler rejected message, requeueing\" queue=%s routing_key=%s", q.Name, d.RoutingKey)
				d.Nack(false, true)
			}
		}
	}()

	return nil
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
