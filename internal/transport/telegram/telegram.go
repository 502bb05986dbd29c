package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"adpilot/internal/transport"
	logx "adpilot/pkg/logx"
)

type Config struct {
	Token string
}

// Adapter is the outbound-only Telegram implementation of transport.Adapter.
// The engine never polls for updates; it only posts and retracts content.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

const telegramTextLimit = 4000

// splitText splits long creatives into chunks that are safe to send to Telegram,
// preferring newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}

	chunks := splitText(text, telegramTextLimit)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	chat := &tele.Chat{ID: to.ChatID}

	var first transport.MessageRef
	for i, chunk := range chunks {
		if ctx != nil {
			select {
			case <-ctx.Done():
				if first.ChatID != 0 {
					return first, ctx.Err()
				}
				return transport.MessageRef{}, ctx.Err()
			default:
			}
		}

		sendOpt := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		// Attach markup only to the first message.
		if i == 0 && opt.ReplyMarkupAdapter != nil {
			if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
				sendOpt.ReplyMarkup = rm
			}
		}

		msg, err := a.bot.Send(chat, chunk, sendOpt)
		if err != nil {
			err = translate(err)
			if first.ChatID != 0 {
				return first, err
			}
			return transport.MessageRef{}, err
		}

		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}

	return first, nil
}

func (a *Adapter) Delete(ctx context.Context, ref transport.MessageRef) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	msg := tele.StoredMessage{MessageID: strconv.Itoa(ref.MessageID), ChatID: ref.ChatID}
	if err := a.bot.Delete(msg); err != nil {
		return translate(err)
	}
	return nil
}

// translate maps telebot errors onto transport-level error classes so callers
// never import telebot.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var flood *tele.FloodError
	if errors.As(err, &flood) {
		return &transport.RateLimitedError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second}
	}

	desc := strings.ToLower(err.Error())
	if strings.Contains(desc, "message to delete not found") {
		return transport.ErrNotFound
	}
	for _, p := range permanentMarkers {
		if strings.Contains(desc, p) {
			return &transport.PermanentError{Reason: err.Error()}
		}
	}
	return err
}

// Telegram Bad Request / Forbidden descriptions that retrying cannot fix.
var permanentMarkers = []string{
	"chat not found",
	"bot was kicked",
	"bot was blocked",
	"not enough rights",
	"chat_write_forbidden",
	"message is too long",
	"can't parse entities",
	"group chat was deactivated",
}
