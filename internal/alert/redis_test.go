package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type fakeRedis struct {
	published  map[string][]string
	history    []string
	trimmed    int
	publishErr error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.publishErr != nil {
		cmd.SetErr(f.publishErr)
		return cmd
	}
	if f.published == nil {
		f.published = map[string][]string{}
	}
	f.published[channel] = append(f.published[channel], string(message.([]byte)))
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	for _, v := range values {
		f.history = append(f.history, string(v.([]byte)))
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(f.history)))
	return cmd
}

func (f *fakeRedis) LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd {
	f.trimmed++
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Close() error { return nil }

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRedisPublisher_Payload(t *testing.T) {
	fr := &fakeRedis{}
	p := newPublisher(fr, "dataq_alerts", quiet())
	p.now = func() time.Time { return time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC) }

	if err := p.Alert(context.Background(), "DI-245 device 2 threshold alert", "tc0-K=512.0000 above 500.0000"); err != nil {
		t.Fatalf("Alert err=%v", err)
	}

	msgs := fr.published["dataq_alerts"]
	if len(msgs) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(msgs))
	}
	var m Message
	if err := json.Unmarshal([]byte(msgs[0]), &m); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if m.Subject != "DI-245 device 2 threshold alert" || m.Message == "" || !m.SentAt.Equal(p.now()) {
		t.Fatalf("unexpected payload %+v", m)
	}
	if len(fr.history) != 1 || fr.trimmed != 1 {
		t.Fatalf("expected history push and trim, got %d/%d", len(fr.history), fr.trimmed)
	}
}

func TestRedisPublisher_PublishError(t *testing.T) {
	fr := &fakeRedis{publishErr: errors.New("connection refused")}
	p := newPublisher(fr, "dataq_alerts", quiet())
	if err := p.Alert(context.Background(), "s", "m"); err == nil {
		t.Fatalf("expected publish error")
	}
	if len(fr.history) != 0 {
		t.Fatalf("history written for an undelivered alert")
	}
}
