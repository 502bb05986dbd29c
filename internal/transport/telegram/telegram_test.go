package telegram

import (
	"errors"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"adpilot/internal/transport"
	logx "adpilot/pkg/logx"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	t.Run("short text passes through", func(t *testing.T) {
		t.Parallel()
		got := splitText("hello", 100)
		if len(got) != 1 || got[0] != "hello" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("prefers newline boundaries", func(t *testing.T) {
		t.Parallel()
		text := strings.Repeat("a", 60) + "\n" + strings.Repeat("b", 60)
		got := splitText(text, 100)
		if len(got) != 2 {
			t.Fatalf("chunks = %d, want 2: %q", len(got), got)
		}
		if !strings.HasPrefix(got[1], "b") {
			t.Fatalf("second chunk should start at the newline, got %q", got[1])
		}
	})

	t.Run("hard split without newlines", func(t *testing.T) {
		t.Parallel()
		text := strings.Repeat("x", 250)
		got := splitText(text, 100)
		if len(got) != 3 {
			t.Fatalf("chunks = %d, want 3", len(got))
		}
		total := 0
		for _, c := range got {
			if len(c) > 100 {
				t.Fatalf("chunk exceeds limit: %d", len(c))
			}
			total += len(c)
		}
		if total != 250 {
			t.Fatalf("content lost: %d runes total", total)
		}
	})

	t.Run("multibyte runes never split mid-character", func(t *testing.T) {
		t.Parallel()
		text := strings.Repeat("д", 150)
		for _, c := range splitText(text, 100) {
			for _, r := range c {
				if r != 'д' {
					t.Fatalf("corrupted rune %q in chunk", r)
				}
			}
		}
	})
}

func TestTranslate(t *testing.T) {
	t.Parallel()

	t.Run("flood becomes rate limited", func(t *testing.T) {
		t.Parallel()
		err := translate(&tele.FloodError{RetryAfter: 17})
		var rl *transport.RateLimitedError
		if !errors.As(err, &rl) {
			t.Fatalf("got %T, want RateLimitedError", err)
		}
		if rl.RetryAfter != 17*time.Second {
			t.Fatalf("retryAfter = %v, want 17s", rl.RetryAfter)
		}
	})

	t.Run("delete not found becomes ErrNotFound", func(t *testing.T) {
		t.Parallel()
		err := translate(errors.New("telegram: message to delete not found (400)"))
		if !errors.Is(err, transport.ErrNotFound) {
			t.Fatalf("got %v, want ErrNotFound", err)
		}
	})

	t.Run("permanent markers", func(t *testing.T) {
		t.Parallel()
		for _, desc := range []string{
			"telegram: chat not found (400)",
			"telegram: Forbidden: bot was kicked from the supergroup chat (403)",
			"telegram: Bad Request: message is too long (400)",
		} {
			err := translate(errors.New(desc))
			var perm *transport.PermanentError
			if !errors.As(err, &perm) {
				t.Errorf("%q: got %T, want PermanentError", desc, err)
			}
		}
	})

	t.Run("unknown errors pass through", func(t *testing.T) {
		t.Parallel()
		orig := errors.New("connection reset by peer")
		if got := translate(orig); got != orig {
			t.Fatalf("got %v, want original error", got)
		}
	})

	t.Run("nil stays nil", func(t *testing.T) {
		t.Parallel()
		if translate(nil) != nil {
			t.Fatal("translate(nil) != nil")
		}
	})
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
