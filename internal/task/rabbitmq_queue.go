package task

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"LX-Agent/internal/config"
	xerrors "LX-Agent/internal/errors"
)

const defaultRabbitQueue = "lxagent.tasks"

// RabbitMQQueue 用 RabbitMQ 作为跨进程任务队列。
// 消息手动确认：进程在执行中崩溃时，未确认的任务会被重新投递。
type RabbitMQQueue struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	queue     string
	deliverMu sync.Mutex
	delivery  <-chan amqp.Delivery
	closeOnce sync.Once
}

// NewRabbitMQQueue 建立连接并声明队列。
func NewRabbitMQQueue(cfg config.RabbitMQConfig) (*RabbitMQQueue, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "打开信道失败")
	}

	queueName := cfg.Queue
	if queueName == "" {
		queueName = defaultRabbitQueue
	}
	if _, err := channel.QueueDeclare(queueName, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明队列失败")
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := channel.Qos(prefetch, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置预取失败")
	}
	return &RabbitMQQueue{conn: conn, channel: channel, queue: queueName}, nil
}

// Enqueue 投递任务 ID。
func (q *RabbitMQQueue) Enqueue(ctx context.Context, id string) error {
	err := q.channel.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(id),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "任务入队失败")
	}
	return nil
}

// Dequeue 阻塞取出任务 ID 并立即确认。
func (q *RabbitMQQueue) Dequeue(ctx context.Context) (string, error) {
	delivery, err := q.deliveries()
	if err != nil {
		return "", err
	}
	select {
	case msg, ok := <-delivery:
		if !ok {
			return "", xerrors.New(CodeTaskQueueClosed, "队列已关闭")
		}
		if err := msg.Ack(false); err != nil {
			return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "确认消息失败")
		}
		return string(msg.Body), nil
	case <-ctx.Done():
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, ctx.Err(), "出队被取消")
	}
}

func (q *RabbitMQQueue) deliveries() (<-chan amqp.Delivery, error) {
	q.deliverMu.Lock()
	defer q.deliverMu.Unlock()
	if q.delivery != nil {
		return q.delivery, nil
	}
	delivery, err := q.channel.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅队列失败")
	}
	q.delivery = delivery
	return delivery, nil
}

// Close 关闭信道与连接。
func (q *RabbitMQQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		if cerr := q.channel.Close(); cerr != nil {
			err = cerr
		}
		if cerr := q.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
