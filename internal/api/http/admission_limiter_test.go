package http

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestAdmissionLimiterPerClient(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewAdmissionLimiter(clock, 1, 2)

	for i := 0; i < 2; i++ {
		ok, _ := l.Allow("10.0.0.1")
		assert.True(t, ok, "burst request %d", i)
	}
	ok, retryAfter := l.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, time.Second, retryAfter)

	ok, _ = l.Allow("10.0.0.2")
	assert.True(t, ok, "other clients have their own bucket")

	clock.Advance(time.Second)
	ok, _ = l.Allow("10.0.0.1")
	assert.True(t, ok, "a token is refilled after one second")
}

func TestAdmissionLimiterForgetsIdleClients(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewAdmissionLimiter(clock, 1, 1)

	l.Allow("a")
	l.Allow("b")
	assert.Equal(t, 2, l.Len())

	clock.Advance(l.idleTTL + l.cleanupEvery)
	l.Allow("c")
	assert.Equal(t, 1, l.Len())
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest("POST", "/ingest", nil)
	r.RemoteAddr = "192.0.2.7:53211"
	assert.Equal(t, "192.0.2.7", clientKey(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientKey(r))

	r = httptest.NewRequest("POST", "/ingest", nil)
	r.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", clientKey(r))
}
