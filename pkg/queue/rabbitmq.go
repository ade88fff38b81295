package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// WorkQueue 是投递生成任务ID的最小接口。
// at-least-once 语义：worker 崩溃未 ack 的消息会被重新投递。
type WorkQueue interface {
	Publish(generationID string) error
	PublishDelayed(generationID string, delay time.Duration) error
	Consume(ctx context.Context, concurrency int, h Handler) error
	Close() error
}

// Handler 处理一条消息。返回 nil 则 ack；
// 返回非 nil 时首次投递会重新入队，重复失败进入死信队列。
type Handler func(ctx context.Context, generationID string) error

type message struct {
	GenerationID string `json:"generation_id"`
}

// --- AMQP 实现 ---------------------------------------------------------

type amqpQueue struct {
	conn      *amqp.Connection
	ch        *amqp.Channel
	queueName string
	delayedEx string
	log       *zap.Logger
}

// NewAMQPQueue 建立连接并声明主队列、死信队列和延迟交换机
// （延迟交换机用于无可用账号时的限时退避重入队）。
func NewAMQPQueue(dsn, queueName string, prefetch int, log *zap.Logger) (WorkQueue, error) {
	conn, err := amqp.Dial(dsn)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	dlxName := queueName + "_dlq_exchange"
	dlqName := queueName + "_dlq"

	if err := ch.ExchangeDeclare(dlxName, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if err := ch.QueueBind(dlqName, dlqName, dlxName, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    dlxName,
			"x-dead-letter-routing-key": dlqName,
		},
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	// 延迟交换机（x-delayed-message 插件），绑定回主队列
	delayedEx := queueName + "_delayed_exchange"
	err = ch.ExchangeDeclare(delayedEx, "x-delayed-message", true, false, false, false,
		amqp.Table{"x-delayed-type": "direct"})
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare delayed exchange: %w", err)
	}
	if err := ch.QueueBind(q.Name, q.Name, delayedEx, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if prefetch > 0 {
		_ = ch.Qos(prefetch, 0, false)
	}

	return &amqpQueue{
		conn:      conn,
		ch:        ch,
		queueName: q.Name,
		delayedEx: delayedEx,
		log:       log,
	}, nil
}

func (q *amqpQueue) Publish(generationID string) error {
	b, err := json.Marshal(message{GenerationID: generationID})
	if err != nil {
		return err
	}
	return q.ch.Publish(
		"", q.queueName, false, false,
		amqp.Publishing{ContentType: "application/json", Body: b, DeliveryMode: amqp.Persistent},
	)
}

func (q *amqpQueue) PublishDelayed(generationID string, delay time.Duration) error {
	b, err := json.Marshal(message{GenerationID: generationID})
	if err != nil {
		return err
	}
	return q.ch.Publish(
		q.delayedEx, q.queueName, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         b,
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{"x-delay": delay.Milliseconds()},
		},
	)
}

// Consume 拉取消息并在受控并发下执行 handler，处理结束后 ack/nack。
// ctx 取消后停止接收新消息并等待在途 handler 结束。
func (q *amqpQueue) Consume(ctx context.Context, concurrency int, h Handler) error {
	deliveries, err := q.ch.Consume(q.queueName, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	// 并发控制，与 prefetch 配合使用
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				wg.Wait()
				return nil
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(del amqp.Delivery) {
				defer func() { <-sem; wg.Done() }()

				var m message
				if err := json.Unmarshal(del.Body, &m); err != nil || m.GenerationID == "" {
					q.log.Warn("invalid queue payload, dropping", zap.Error(err))
					_ = del.Nack(false, false) // 非法消息进死信队列
					return
				}

				if err := h(ctx, m.GenerationID); err != nil {
					if del.Redelivered {
						q.log.Error("handler failed twice, sending to DLQ",
							zap.String("generation_id", m.GenerationID), zap.Error(err))
						_ = del.Nack(false, false)
					} else {
						q.log.Warn("handler failed, requeueing once",
							zap.String("generation_id", m.GenerationID), zap.Error(err))
						_ = del.Nack(false, true)
					}
					return
				}
				_ = del.Ack(false)
			}(d)
		}
	}
}

func (q *amqpQueue) Close() error {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
