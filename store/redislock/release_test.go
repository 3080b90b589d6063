package redislock

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
)

func TestUnlocker_LogsFailedRelease(t *testing.T) {
	// GIVEN: a locker whose Redis is unreachable
	// WHEN: a held lock is released
	// THEN: the failure is logged with the key

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	var buf bytes.Buffer
	l := New(client, time.Second, slog.New(slog.NewTextHandler(&buf, nil)))

	unlock := l.unlocker("settlement:lock:contract:c1", "token")
	unlock()
	unlock()

	out := buf.String()
	assert.Contains(t, out, "release contract lock failed")
	assert.Contains(t, out, "settlement:lock:contract:c1")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("release contract lock failed")), "released once")
}
