// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package queue moves evaluation tasks from the orchestrator to the
// workers over RabbitMQ. Deliveries are acked only after the handler
// returns, so a worker crash puts the task back on the queue instead of
// losing the run.
package queue

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// Handler processes one delivery. A non-nil error requeues it.
type Handler func(ctx context.Context, body []byte) error

type ProducerConsumer interface {
	Produce(ctx context.Context, item []byte) error
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

type AmqpQueue struct {
	url, queue                               string
	durable, deleteUnused, exclusive, noWait bool
	prefetch                                 int
	logger                                   zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

type QueueOption func(*AmqpQueue)

// WithTransient declares the queue non-durable, handy for tests against a
// throwaway broker.
func WithTransient() QueueOption {
	return func(q *AmqpQueue) { q.durable = false }
}

// WithPrefetch changes how many unacked deliveries a worker may hold.
func WithPrefetch(n int) QueueOption {
	return func(q *AmqpQueue) { q.prefetch = n }
}

// NewAmqpQueue builds a queue handle. Nothing is dialed until the first
// Produce or Consume. Evaluations can take minutes, so the defaults are a
// durable queue and one task in flight per worker.
func NewAmqpQueue(url, queueName string, logger zerolog.Logger, opts ...QueueOption) *AmqpQueue {
	q := &AmqpQueue{
		url:      url,
		queue:    queueName,
		durable:  true,
		prefetch: 1,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// channel dials lazily and keeps the connection for reuse, redeclaring the
// queue on every fresh connection.
func (q *AmqpQueue) channel() (*amqp.Channel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil {
		return q.ch, nil
	}
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return nil, errors.Wrap(err, "dialing broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "opening channel")
	}
	_, err = ch.QueueDeclare(
		q.queue,        // name
		q.durable,      // durable
		q.deleteUnused, // delete when unused
		q.exclusive,    // exclusive
		q.noWait,       // no-wait
		nil,            // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, errors.Wrap(err, "declaring queue")
	}
	q.conn, q.ch = conn, ch
	return ch, nil
}

func (q *AmqpQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil {
		q.ch.Close()
		q.ch = nil
	}
	if q.conn != nil {
		q.conn.Close()
		q.conn = nil
	}
}

func (q *AmqpQueue) Produce(ctx context.Context, item []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := q.channel()
	if err != nil {
		return err
	}
	err = ch.Publish(
		"",      // exchange
		q.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         item,
		},
	)
	if err != nil {
		// Dirty channel, next call redials.
		q.reset()
		return errors.Wrap(err, "publishing task")
	}
	return nil
}

// Consume blocks delivering tasks to handler until the context is
// cancelled or the broker drops the connection. Failed tasks are nacked
// back onto the queue.
func (q *AmqpQueue) Consume(ctx context.Context, handler Handler) error {
	ch, err := q.channel()
	if err != nil {
		return err
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		return errors.Wrap(err, "setting prefetch")
	}
	msgs, err := ch.Consume(
		q.queue, // queue
		"",      // consumer
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return errors.Wrap(err, "starting consumer")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				q.reset()
				return errors.New("broker closed the delivery channel")
			}
			if err := handler(ctx, delivery.Body); err != nil {
				q.logger.Error().Err(err).Msg("task failed, requeueing")
				if err := delivery.Nack(false, true); err != nil {
					q.logger.Error().Err(err).Msg("nack failed")
				}
				continue
			}
			if err := delivery.Ack(false); err != nil {
				q.logger.Error().Err(err).Msg("ack failed")
			}
		}
	}
}

func (q *AmqpQueue) Close() error {
	q.reset()
	return nil
}

// MemoryQueue is an in-process ProducerConsumer used by tests and by the
// single-binary mode where orchestrator and worker share the process.
type MemoryQueue struct {
	items chan []byte
	once  sync.Once
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	return &MemoryQueue{items: make(chan []byte, capacity)}
}

func (q *MemoryQueue) Produce(ctx context.Context, item []byte) error {
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-q.items:
			if !ok {
				return nil
			}
			if err := handler(ctx, item); err != nil {
				// Best-effort requeue, mirrors the broker nack.
				select {
				case q.items <- item:
				default:
				}
			}
		}
	}
}

// Len reports how many items are waiting.
func (q *MemoryQueue) Len() int { return len(q.items) }

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.items) })
	return nil
}
