package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/rabbitmq/amqp091-go"

	"tweetgraph/internal/logging"
	"tweetgraph/internal/model"
)

// Queue consumes raw posts from a durable RabbitMQ queue. A delivery is acked when its post
// was processed. A post that failed because the store was unavailable goes back on the queue;
// any other failure is rejected without requeue, so a poison message cannot loop.
type Queue struct {
	conn       *amqp091.Connection
	ch         *amqp091.Channel
	deliveries <-chan amqp091.Delivery
	queue      string
}

// DialQueue connects to url and starts consuming queue with the given prefetch window.
func DialQueue(url, queue string, prefetch int) (*Queue, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare %s: %w", queue, err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("amqp qos: %w", err)
		}
	}
	deliveries, err := ch.Consume(
		q.Name,
		"tweetgraph", // consumer
		false,        // autoAck
		false,        // exclusive
		false,        // noLocal
		false,        // noWait
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp consume %s: %w", queue, err)
	}
	return newQueue(deliveries, q.Name, conn, ch), nil
}

func newQueue(deliveries <-chan amqp091.Delivery, queue string, conn *amqp091.Connection, ch *amqp091.Channel) *Queue {
	return &Queue{conn: conn, ch: ch, deliveries: deliveries, queue: queue}
}

// Next waits for the next delivery. io.EOF means the broker closed the channel.
func (q *Queue) Next(ctx context.Context) (Envelope, error) {
	select {
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case d, ok := <-q.deliveries:
		if !ok {
			return Envelope{}, io.EOF
		}
		origin := q.queue + "#" + strconv.FormatUint(d.DeliveryTag, 10)
		rec, err := Decode(d.Body)
		if err != nil {
			settle(d, err, origin)
			return Envelope{}, &DecodeError{Origin: origin, Data: d.Body, Err: err}
		}
		return Envelope{Record: rec, Origin: origin, ack: func(err error) { settle(d, err, origin) }}, nil
	}
}

func settle(d amqp091.Delivery, procErr error, origin string) {
	var err error
	if procErr == nil {
		err = d.Ack(false)
	} else {
		err = d.Nack(false, errors.Is(procErr, model.ErrStoreUnavailable))
	}
	if err != nil {
		logging.Warn("amqp_settle_failed", map[string]any{"origin": origin, "error": err.Error()})
	}
}

func (q *Queue) Close() error {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
