package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// historyLen caps the alert history list kept next to the pub/sub topic.
const historyLen = 1000

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Close() error
}

// Message is the JSON payload published for each alert.
type Message struct {
	Subject string    `json:"subject"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// RedisPublisher delivers alerts on a Redis pub/sub channel and keeps the
// most recent ones in a list for late subscribers.
type RedisPublisher struct {
	client redisClient
	topic  string
	log    *logrus.Logger
	now    func() time.Time
}

// NewRedisPublisher connects to Redis. An unreachable server is logged,
// not fatal: the client reconnects on the next publish.
func NewRedisPublisher(addr, password string, db int, topic string, log *logrus.Logger) *RedisPublisher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warnf("redis %s unreachable, alerts will retry per message: %v", addr, err)
	} else {
		log.Infof("alerts publishing to redis %s channel %s", addr, topic)
	}
	return newPublisher(client, topic, log)
}

func newPublisher(c redisClient, topic string, log *logrus.Logger) *RedisPublisher {
	return &RedisPublisher{client: c, topic: topic, log: log, now: time.Now}
}

func (p *RedisPublisher) historyKey() string { return p.topic + ":history" }

// Alert publishes one alert.
func (p *RedisPublisher) Alert(ctx context.Context, subject, message string) error {
	payload, err := json.Marshal(Message{Subject: subject, Message: message, SentAt: p.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := p.client.Publish(ctx, p.topic, payload).Err(); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}

	if err := p.client.LPush(ctx, p.historyKey(), payload).Err(); err != nil {
		p.log.Warnf("save alert history: %v", err)
		return nil
	}
	if err := p.client.LTrim(ctx, p.historyKey(), 0, historyLen-1).Err(); err != nil {
		p.log.Warnf("trim alert history: %v", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error { return p.client.Close() }
