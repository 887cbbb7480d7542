package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSetNX claims keys in memory, or fails every call when err is set.
type fakeSetNX struct {
	claimed map[string]bool
	err     error
}

func (f *fakeSetNX) SetNX(ctx context.Context, key string, _ any, _ time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	if f.claimed == nil {
		f.claimed = make(map[string]bool)
	}
	if f.claimed[key] {
		cmd.SetVal(false)
		return cmd
	}
	f.claimed[key] = true
	cmd.SetVal(true)
	return cmd
}

func TestDedupKeyIsStable(t *testing.T) {
	memberID := uuid.New()
	refID := uuid.New()
	a := Message{MemberID: memberID, Kind: "payment_failed", ReferenceID: refID}
	b := Message{MemberID: memberID, Kind: "payment_failed", ReferenceID: refID, Subject: "different subject"}

	assert.Equal(t, a.DedupKey(), b.DedupKey(), "subject and body do not affect deduplication")

	c := Message{MemberID: memberID, Kind: "suspended", ReferenceID: refID}
	assert.NotEqual(t, a.DedupKey(), c.DedupKey())
}

func TestDedupGateSuppressesRepeats(t *testing.T) {
	gate := NewDedupGate(&fakeSetNX{}, time.Hour, testLogger())
	msg := Message{MemberID: uuid.New(), Kind: "payment_failed", ReferenceID: uuid.New()}

	assert.True(t, gate.ShouldSend(context.Background(), msg))
	assert.False(t, gate.ShouldSend(context.Background(), msg), "second delivery inside the window is suppressed")

	other := msg
	other.ReferenceID = uuid.New()
	assert.True(t, gate.ShouldSend(context.Background(), other))
}

func TestDedupGateFailsOpen(t *testing.T) {
	gate := NewDedupGate(&fakeSetNX{err: errors.New("redis down")}, time.Hour, testLogger())
	msg := Message{MemberID: uuid.New(), Kind: "payment_failed", ReferenceID: uuid.New()}

	assert.True(t, gate.ShouldSend(context.Background(), msg))
	assert.True(t, gate.ShouldSend(context.Background(), msg),
		"dedup failures must not drop payment notices")
}

func TestLogSender(t *testing.T) {
	s := &LogSender{Logger: testLogger()}
	require.NoError(t, s.Send(context.Background(), Message{
		MemberID: uuid.New(),
		Kind:     "payment_confirmation",
		Subject:  "Payment received",
	}))
}
