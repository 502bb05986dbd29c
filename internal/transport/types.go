package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Delete when the target message no longer exists
// on the platform. Callers treat it as already-clean, not as a failure.
var ErrNotFound = errors.New("message not found")

// RateLimitedError signals an upstream abuse limit. It is transient; RetryAfter
// is the platform's suggested wait (zero if the platform gave none).
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// PermanentError signals a send/delete that will never succeed on retry
// (destination gone, bot kicked, content rejected).
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return "permanent: " + e.Reason }

// ChatTarget addresses a destination group/channel, optionally a forum topic thread.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies a message previously posted to a destination.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Adapter is the platform boundary. The engine only ever needs two operations
// from the messaging platform: post a message and remove one.
//
// Implementations must honor ctx cancellation; the gateway wraps every call
// in a timeout. When a chunked send fails after its first chunk went out,
// SendText returns that chunk's ref together with the error so the caller
// can retract it.
type Adapter interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	Delete(ctx context.Context, ref MessageRef) error
}
