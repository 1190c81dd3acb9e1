package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tg-reader-bot/internal/domain"
	"tg-reader-bot/internal/infra/metrics"
)

// RabbitExtractionQueue реализует очередь задач извлечения памяти через AMQP.
type RabbitExtractionQueue struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	queue     string
	deliverCh <-chan amqp.Delivery
}

var _ domain.ExtractionQueue = (*RabbitExtractionQueue)(nil)

// NewRabbitExtractionQueue подключается к брокеру и объявляет устойчивую очередь.
func NewRabbitExtractionQueue(amqpURL, queue string) (*RabbitExtractionQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &RabbitExtractionQueue{conn: conn, channel: ch, queue: queue}, nil
}

// Enqueue публикует задачу в очередь.
func (q *RabbitExtractionQueue) Enqueue(ctx context.Context, job domain.ExtractionJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.channel.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Pop блокирующе читает задачу из очереди. Подтверждение отправляется после
// успешного декодирования; повреждённые сообщения отбрасываются без повтора.
func (q *RabbitExtractionQueue) Pop(ctx context.Context) (domain.ExtractionJob, error) {
	if q.deliverCh == nil {
		deliveries, err := q.channel.Consume(q.queue, "", false, false, false, false, nil)
		if err != nil {
			return domain.ExtractionJob{}, fmt.Errorf("consume: %w", err)
		}
		q.deliverCh = deliveries
	}
	for {
		select {
		case <-ctx.Done():
			return domain.ExtractionJob{}, ctx.Err()
		case msg, ok := <-q.deliverCh:
			if !ok {
				return domain.ExtractionJob{}, errors.New("amqp queue: delivery channel closed")
			}
			var job domain.ExtractionJob
			if err := json.Unmarshal(msg.Body, &job); err != nil {
				_ = msg.Nack(false, false)
				continue
			}
			if err := msg.Ack(false); err != nil {
				return domain.ExtractionJob{}, fmt.Errorf("ack: %w", err)
			}
			return job, nil
		}
	}
}

// Close закрывает канал и соединение.
func (q *RabbitExtractionQueue) Close() error {
	if err := q.channel.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
