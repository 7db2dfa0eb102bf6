package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/dingbridge/internal/card"
	"github.com/openclaw/dingbridge/internal/config"
	"github.com/openclaw/dingbridge/internal/extract"
	"github.com/openclaw/dingbridge/internal/media"
	"github.com/openclaw/dingbridge/internal/reply"
	"github.com/openclaw/dingbridge/internal/robot"
	"github.com/openclaw/dingbridge/internal/send"
)

// User-facing notices. Kept bilingual to match what users of the platform
// expect to read.
const (
	accessDeniedNotice = "访问受限：当前会话不在允许列表中。\nAccess restricted: this conversation is not on the allow list."

	proactiveHintNotice = "提示：您的账号配置可能导致主动推送可能失败，回复仍可正常接收。\nNote: proactive pushes to you may fail due to permission limits; replies in this session still work."
)

// stopReasonPrefix marks runaway pipeline output that must never reach chat.
const stopReasonPrefix = "Unhandled stop reason:"

// Sender posts outbound messages.
type Sender interface {
	BySession(ctx context.Context, sessionWebhook, title, text string, log zerolog.Logger) error
	Message(ctx context.Context, creds send.Credentials, target, title, text string, log zerolog.Logger) send.Result
}

// CardDriver drives progressive reply cards.
type CardDriver interface {
	Create(ctx context.Context, clientID, clientSecret string, target card.Target, log zerolog.Logger) (*card.Card, error)
	Stream(ctx context.Context, clientID, clientSecret string, c *card.Card, content string, log zerolog.Logger) error
	Finish(ctx context.Context, clientID, clientSecret string, c *card.Card, content string, log zerolog.Logger) error
	Fail(ctx context.Context, clientID, clientSecret string, c *card.Card, log zerolog.Logger) error
}

// MediaFetcher resolves and stores inbound attachments.
type MediaFetcher interface {
	Download(ctx context.Context, clientID, clientSecret, robotCode, downloadCode string, log zerolog.Logger) (*media.File, error)
}

// RosterNoter records group member sightings.
type RosterNoter interface {
	Note(accountID, conversationID, userID, nick string) error
}

// MessageHandler is the reply dispatch orchestrator: it runs the ordered
// inbound steps for one message once the gateway has granted it the session
// lock.
type MessageHandler struct {
	Pipeline reply.Pipeline
	Sender   Sender
	Cards    CardDriver
	Media    MediaFetcher
	// Roster may be nil when no roster store is configured.
	Roster RosterNoter
}

// Handle runs self-filter, policy gate, proactive-permission hint, roster
// bookkeeping, content extraction, and reply dispatch over the configured
// surface.
func (h *MessageHandler) Handle(ctx context.Context, a *Account, msg *robot.Message) error {
	log := a.Log.With().Str("msgId", msg.MsgID).Logger()

	// The bot's own messages echo back over the stream; never answer them.
	if msg.SenderID != "" && msg.SenderID == msg.ChatbotUserID {
		log.Debug().Msg("ignoring self message")
		return nil
	}

	if !policyAllows(a.Config, msg) {
		log.Info().Str("sender", msg.SenderID).Str("conversation", msg.ConversationID).Msg("sender blocked by policy")
		return h.Sender.BySession(ctx, msg.SessionWebhook, "", accessDeniedNotice, log)
	}

	h.maybeHint(ctx, a, msg, log)

	if msg.IsGroup() && h.Roster != nil && msg.SenderID != "" {
		if err := h.Roster.Note(a.ID, msg.ConversationID, msg.SenderID, msg.SenderNick); err != nil {
			log.Debug().Err(err).Msg("roster note failed")
		}
	}

	content := extract.FromMessage(msg)
	mediaPath := ""
	if content.MediaCode != "" && h.Media != nil {
		f, err := h.Media.Download(ctx, a.Config.ClientID, a.Config.ClientSecret, a.Config.RobotCode, content.MediaCode, log)
		if err != nil {
			log.Warn().Err(err).Msg("media download failed, handling message without attachment")
		} else if f != nil {
			mediaPath = f.Path
		}
	}

	req := reply.Request{
		AccountID:      a.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderNick:     msg.SenderNick,
		IsGroup:        msg.IsGroup(),
		Text:           content.Text,
		MediaPath:      mediaPath,
	}

	if a.Config.MessageType == config.MessageTypeCard {
		return h.dispatchCard(ctx, a, msg, req, log)
	}
	return h.dispatchMarkdown(ctx, a, msg, req, log)
}

// maybeHint tells a sender their targets carry a recorded push-permission
// risk, at most once per cooldown window.
func (h *MessageHandler) maybeHint(ctx context.Context, a *Account, msg *robot.Message, log zerolog.Logger) {
	hint := a.Config.ProactivePermissionHint
	if hint == nil || !hint.Enabled {
		return
	}
	target := msg.SenderID
	if msg.IsGroup() {
		target = msg.ConversationID
	}
	cooldown := time.Duration(hint.CooldownHours) * time.Hour
	if !a.Risks.ShouldHint(a.ID, target, cooldown) {
		return
	}
	if err := h.Sender.BySession(ctx, msg.SessionWebhook, "", proactiveHintNotice, log); err != nil {
		log.Warn().Err(err).Msg("proactive permission hint failed")
		return
	}
	a.Risks.MarkHinted(a.ID, target)
}

// dispatchCard runs the pipeline behind a progressive card: reasoning and
// tool output stream into the card, the final answer finalizes it.
func (h *MessageHandler) dispatchCard(ctx context.Context, a *Account, msg *robot.Message, req reply.Request, log zerolog.Logger) error {
	target := card.Target{RobotCode: a.Config.RobotCode}
	if msg.IsGroup() {
		target.OpenConversationID = msg.ConversationID
	} else {
		target.UserID = msg.SenderID
	}

	c, err := h.Cards.Create(ctx, a.Config.ClientID, a.Config.ClientSecret, target, log)
	if err != nil {
		log.Warn().Err(err).Msg("card create failed, falling back to markdown")
		return h.dispatchMarkdown(ctx, a, msg, req, log)
	}

	hooks := reply.Hooks{
		Deliver: func(text string, kind reply.BlockKind) error {
			if kind == reply.KindFinal {
				// Buffered; the finalize below carries it.
				return nil
			}
			if c.State().Terminal() {
				return nil
			}
			if err := h.Cards.Stream(ctx, a.Config.ClientID, a.Config.ClientSecret, c, card.FormatContent(text), log); err != nil {
				log.Debug().Err(err).Msg("card tool update dropped")
			}
			return nil
		},
	}
	if a.Config.ShowThinking {
		hooks.OnReasoningStream = func(text string) {
			if c.State().Terminal() {
				return
			}
			if err := h.Cards.Stream(ctx, a.Config.ClientID, a.Config.ClientSecret, c, card.FormatContent(text), log); err != nil {
				log.Debug().Err(err).Msg("card reasoning update dropped")
			}
		}
	}

	res, err := h.Pipeline.Dispatch(ctx, req, hooks)
	if err != nil {
		// The delivery stays unacknowledged for retry, but the card must
		// not render forever-pending; a redelivery mints a fresh card.
		if !c.State().Terminal() {
			if failErr := h.Cards.Fail(ctx, a.Config.ClientID, a.Config.ClientSecret, c, log); failErr != nil {
				log.Error().Err(failErr).Str("outTrackId", c.OutTrackID).Msg("failing card after pipeline error failed")
			}
		}
		return err
	}

	if c.State().Terminal() {
		log.Debug().Str("state", string(c.State())).Msg("card already terminal, skipping finalize")
		return nil
	}
	final := card.FormatContent(filterStopReason(res.QueuedFinal, log))
	if err := h.Cards.Finish(ctx, a.Config.ClientID, a.Config.ClientSecret, c, final, log); err != nil {
		if line, ok := send.ErrorPayloadLine("inbound.cardFinalize", err); ok {
			log.Debug().Msg(line)
		}
		log.Error().Err(err).Str("outTrackId", c.OutTrackID).Msg("card finalize failed")
	}
	return nil
}

// dispatchMarkdown runs the pipeline over plain messages: intermediate
// output goes to the session webhook, the final answer goes through the
// proactive send path so permission failures are observed and recorded.
func (h *MessageHandler) dispatchMarkdown(ctx context.Context, a *Account, msg *robot.Message, req reply.Request, log zerolog.Logger) error {
	target := msg.SenderID
	if msg.IsGroup() {
		target = msg.ConversationID
	}
	creds := send.Credentials{
		AccountID:    a.ID,
		ClientID:     a.Config.ClientID,
		ClientSecret: a.Config.ClientSecret,
		RobotCode:    a.Config.RobotCode,
	}

	hooks := reply.Hooks{
		Deliver: func(text string, kind reply.BlockKind) error {
			switch kind {
			case reply.KindFinal:
				text = filterStopReason(text, log)
				if text == "" {
					return nil
				}
				if res := h.Sender.Message(ctx, creds, target, "", text, log); !res.OK {
					// Session webhook as delivery of last resort.
					return h.Sender.BySession(ctx, msg.SessionWebhook, "", text, log)
				}
			default:
				if a.Config.ShowThinking {
					if err := h.Sender.BySession(ctx, msg.SessionWebhook, "", text, log); err != nil {
						log.Debug().Err(err).Msg("intermediate output delivery failed")
					}
				}
			}
			return nil
		},
	}
	// No OnReasoningStream hook: partial reasoning would flood a chat
	// surface, so only completed blocks are delivered here.

	_, err := h.Pipeline.Dispatch(ctx, req, hooks)
	return err
}

// policyAllows applies the dm/group policy to the message origin.
func policyAllows(ac config.AccountConfig, msg *robot.Message) bool {
	policy := ac.DMPolicy
	id := msg.SenderID
	if msg.IsGroup() {
		policy = ac.GroupPolicy
		id = msg.ConversationID
	}
	switch policy {
	case config.PolicyOpen:
		return true
	case config.PolicyDeny:
		return false
	case config.PolicyAllowlist:
		for _, allowed := range ac.AllowFrom {
			if allowed == id {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// filterStopReason swallows runaway stop-reason text so it never reaches a
// chat surface.
func filterStopReason(text string, log zerolog.Logger) string {
	if strings.HasPrefix(strings.TrimSpace(text), stopReasonPrefix) {
		log.Warn().Str("text", text).Msg("suppressing unhandled stop reason output")
		return ""
	}
	return text
}
