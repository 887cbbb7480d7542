// Package notify delivers member-facing messages about payment events,
// with a Redis-backed gate that stops a flapping sequence from spamming
// the same message.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Message is one notification to a member or staff user.
type Message struct {
	MemberID      uuid.UUID `json:"member_id"`
	Kind          string    `json:"kind"`
	Subject       string    `json:"subject"`
	Body          string    `json:"body"`
	ReferenceID   uuid.UUID `json:"reference_id"`
	ReferenceType string    `json:"reference_type"`
}

// DedupKey is stable per member, kind and reference, so redeliveries of
// the same event collapse within the gate window.
func (m Message) DedupKey() string {
	return fmt.Sprintf("notify:dedup:%s:%s:%s", m.MemberID, m.Kind, m.ReferenceID)
}

// Sender delivers a message over the member's channels.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// setNXer is the slice of the redis client the gate uses.
type setNXer interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// DedupGate suppresses repeat sends of the same message inside a window.
type DedupGate struct {
	rdb    setNXer
	window time.Duration
	logger *slog.Logger
}

func NewDedupGate(rdb setNXer, window time.Duration, logger *slog.Logger) *DedupGate {
	return &DedupGate{rdb: rdb, window: window, logger: logger}
}

// ShouldSend claims the message's dedup key. The first caller inside the
// window wins; everyone else is told to stay quiet. On Redis failure the
// message is sent anyway: a duplicate beats a silently dropped payment
// notice.
func (g *DedupGate) ShouldSend(ctx context.Context, msg Message) bool {
	ok, err := g.rdb.SetNX(ctx, msg.DedupKey(), 1, g.window).Result()
	if err != nil {
		g.logger.WarnContext(ctx, "notification dedup check failed, sending anyway",
			"key", msg.DedupKey(), "error", err)
		return true
	}
	return ok
}

// LogSender writes notifications to the log. Stands in until a real
// channel provider is wired per organization.
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.Logger.InfoContext(ctx, "notification",
		"member_id", msg.MemberID,
		"kind", msg.Kind,
		"subject", msg.Subject,
		"reference_type", msg.ReferenceType,
		"reference_id", msg.ReferenceID,
	)
	return nil
}
