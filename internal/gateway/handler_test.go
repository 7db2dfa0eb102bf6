package gateway

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openclaw/dingbridge/internal/card"
	"github.com/openclaw/dingbridge/internal/config"
	"github.com/openclaw/dingbridge/internal/reply"
	"github.com/openclaw/dingbridge/internal/risk"
	"github.com/openclaw/dingbridge/internal/robot"
	"github.com/openclaw/dingbridge/internal/send"
)

type mockSender struct {
	mu            sync.Mutex
	sessionTexts  []string
	messageTexts  []string
	messageResult send.Result
	sessionErr    error
}

func (m *mockSender) BySession(ctx context.Context, sessionWebhook, title, text string, log zerolog.Logger) error {
	m.mu.Lock()
	m.sessionTexts = append(m.sessionTexts, text)
	m.mu.Unlock()
	return m.sessionErr
}

func (m *mockSender) Message(ctx context.Context, creds send.Credentials, target, title, text string, log zerolog.Logger) send.Result {
	m.mu.Lock()
	m.messageTexts = append(m.messageTexts, text)
	m.mu.Unlock()
	if m.messageResult == (send.Result{}) {
		return send.Result{OK: true}
	}
	return m.messageResult
}

type mockCards struct {
	mu          sync.Mutex
	created     []*card.Card
	streamed    []string
	finished    []string
	failed      []*card.Card
	createState card.State
	createErr   error
	finishErr   error
	failErr     error
}

func (m *mockCards) Create(ctx context.Context, clientID, clientSecret string, target card.Target, log zerolog.Logger) (*card.Card, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	state := m.createState
	if state == "" {
		state = card.StateCreated
	}
	m.mu.Lock()
	c := card.NewCard("track_"+string(rune('A'+len(m.created))), state)
	m.created = append(m.created, c)
	m.mu.Unlock()
	return c, nil
}

func (m *mockCards) Stream(ctx context.Context, clientID, clientSecret string, c *card.Card, content string, log zerolog.Logger) error {
	m.mu.Lock()
	m.streamed = append(m.streamed, content)
	m.mu.Unlock()
	return nil
}

func (m *mockCards) Finish(ctx context.Context, clientID, clientSecret string, c *card.Card, content string, log zerolog.Logger) error {
	m.mu.Lock()
	m.finished = append(m.finished, content)
	m.mu.Unlock()
	return m.finishErr
}

func (m *mockCards) Fail(ctx context.Context, clientID, clientSecret string, c *card.Card, log zerolog.Logger) error {
	m.mu.Lock()
	m.failed = append(m.failed, c)
	m.mu.Unlock()
	return m.failErr
}

type pipelineFunc func(ctx context.Context, req reply.Request, hooks reply.Hooks) (reply.Result, error)

func (f pipelineFunc) Dispatch(ctx context.Context, req reply.Request, hooks reply.Hooks) (reply.Result, error) {
	return f(ctx, req, hooks)
}

// standardPipeline mimics a working reply flow: one tool block, one final
// block, queued final text.
func standardPipeline(final string) pipelineFunc {
	return func(ctx context.Context, req reply.Request, hooks reply.Hooks) (reply.Result, error) {
		if hooks.OnReasoningStream != nil {
			hooks.OnReasoningStream("thinking")
		}
		if hooks.Deliver != nil {
			hooks.Deliver("tool output", reply.KindTool)
			hooks.Deliver(final, reply.KindFinal)
		}
		return reply.Result{QueuedFinal: final}, nil
	}
}

func handlerAccount(cfg config.AccountConfig) *Account {
	if cfg.ClientID == "" {
		cfg.ClientID = "ding_id"
		cfg.ClientSecret = "ding_secret"
		cfg.RobotCode = "robot_1"
	}
	return &Account{
		ID:       "main",
		Config:   cfg,
		Log:      zerolog.New(&bytes.Buffer{}),
		Counters: &Counters{},
		Risks:    risk.NewRegistry(),
	}
}

func directMessage(msgID, senderID string) *robot.Message {
	m, _ := robot.Parse([]byte(`{"msgId":"` + msgID + `","msgtype":"text","text":{"content":"hello"},` +
		`"conversationType":"1","conversationId":"cid1","senderId":"` + senderID + `",` +
		`"chatbotUserId":"bot_1","sessionWebhook":"https://session.webhook"}`))
	return m
}

func groupMessage(msgID, conversationID, senderID string) *robot.Message {
	m, _ := robot.Parse([]byte(`{"msgId":"` + msgID + `","msgtype":"text","text":{"content":"hello"},` +
		`"conversationType":"2","conversationId":"` + conversationID + `","senderId":"` + senderID + `",` +
		`"senderNick":"Sender","chatbotUserId":"bot_1","sessionWebhook":"https://session.webhook"}`))
	return m
}

func TestHandle_IgnoresSelfMessage(t *testing.T) {
	sender := &mockSender{}
	h := &MessageHandler{Pipeline: standardPipeline("hi"), Sender: sender}
	a := handlerAccount(config.AccountConfig{DMPolicy: config.PolicyOpen, MessageType: config.MessageTypeMarkdown})

	if err := h.Handle(context.Background(), a, directMessage("m1", "bot_1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sender.sessionTexts) != 0 || len(sender.messageTexts) != 0 {
		t.Error("self message produced outbound traffic")
	}
}

func TestHandle_AllowlistBlocksDMSender(t *testing.T) {
	sender := &mockSender{}
	h := &MessageHandler{Pipeline: standardPipeline("hi"), Sender: sender}
	a := handlerAccount(config.AccountConfig{
		DMPolicy:    config.PolicyAllowlist,
		AllowFrom:   []string{"user_ok"},
		MessageType: config.MessageTypeMarkdown,
	})

	if err := h.Handle(context.Background(), a, directMessage("m2", "user_blocked")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sender.sessionTexts) != 1 || !strings.Contains(sender.sessionTexts[0], "访问受限") {
		t.Errorf("deny notice not sent: %v", sender.sessionTexts)
	}
	if len(sender.messageTexts) != 0 {
		t.Error("blocked sender still got a reply")
	}
}

func TestHandle_AllowlistBlocksGroup(t *testing.T) {
	sender := &mockSender{}
	h := &MessageHandler{Pipeline: standardPipeline("hi"), Sender: sender}
	a := handlerAccount(config.AccountConfig{
		DMPolicy:    config.PolicyOpen,
		GroupPolicy: config.PolicyAllowlist,
		AllowFrom:   []string{"cid_allowed"},
		MessageType: config.MessageTypeMarkdown,
	})

	if err := h.Handle(context.Background(), a, groupMessage("m3", "cid_blocked", "user_1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sender.sessionTexts) != 1 || !strings.Contains(sender.sessionTexts[0], "访问受限") {
		t.Errorf("group deny notice not sent: %v", sender.sessionTexts)
	}
}

func TestHandle_DenyPolicyBlocksEveryone(t *testing.T) {
	sender := &mockSender{}
	h := &MessageHandler{Pipeline: standardPipeline("hi"), Sender: sender}
	a := handlerAccount(config.AccountConfig{DMPolicy: config.PolicyDeny, MessageType: config.MessageTypeMarkdown})

	if err := h.Handle(context.Background(), a, directMessage("m3b", "anyone")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sender.sessionTexts) != 1 || !strings.Contains(sender.sessionTexts[0], "访问受限") {
		t.Errorf("deny notice not sent: %v", sender.sessionTexts)
	}
}

func TestHandle_CardFlowFinalizesCard(t *testing.T) {
	sender := &mockSender{}
	cards := &mockCards{}
	h := &MessageHandler{Pipeline: standardPipeline("final output"), Sender: sender, Cards: cards}
	a := handlerAccount(config.AccountConfig{DMPolicy: config.PolicyOpen, MessageType: config.MessageTypeCard})

	if err := h.Handle(context.Background(), a, directMessage("m4", "user_1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(cards.created) != 1 {
		t.Fatalf("cards created = %d, want 1", len(cards.created))
	}
	if len(cards.streamed) == 0 {
		t.Error("no streaming updates reached the card")
	}
	if len(cards.finished) != 1 || cards.finished[0] != "final output" {
		t.Errorf("finish calls = %v", cards.finished)
	}
	if len(sender.messageTexts) != 0 {
		t.Error("card flow fell through to proactive send")
	}
}

func TestHandle_CardTerminalSkipsFinalize(t *testing.T) {
	sender := &mockSender{}
	cards := &mockCards{createState: card.StateFailed}
	h := &MessageHandler{Pipeline: standardPipeline("queued final"), Sender: sender, Cards: cards}
	a := handlerAccount(config.AccountConfig{DMPolicy: config.PolicyOpen, MessageType: config.MessageTypeCard})

	if err := h.Handle(context.Background(), a, directMessage("m7", "user_1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(cards.finished) != 0 {
		t.Errorf("terminal card was finalized: %v", cards.finished)
	}
	if len(cards.streamed) != 0 {
		t.Errorf("terminal card received stream updates: %v", cards.streamed)
	}
}

func TestHandle_CardFinalizeErrorDoesNotFailHandling(t *testing.T) {
	sender := &mockSender{}
	cards := &mockCards{finishErr: &send.APIError{StatusCode: 400, Code: "invalidParameter", Message: "cannot finalize"}}
	h := &MessageHandler{Pipeline: standardPipeline("final"), Sender: sender, Cards: cards}
	a := handlerAccount(config.AccountConfig{DMPolicy: config.PolicyOpen, MessageType: config.MessageTypeCard})

	if err := h.Handle(context.Background(), a, directMessage("m8", "user_1")); err != nil {
		t.Fatalf("finalize error escaped the handler: %v", err)
	}
	if len(cards.finished) != 1 {
		t.Errorf("finish calls = %d, want 1", len(cards.finished))
	}
}

func TestHandle_CardPipelineErrorFailsCard(t *testing.T) {
	sender := &mockSender{}
	cards := &mockCards{}
	pipeErr := errors.New("reply flow died")
	h := &MessageHandler{
		Pipeline: pipelineFunc(func(ctx context.Context, req reply.Request, hooks reply.Hooks) (reply.Result, error) {
			return reply.Result{}, pipeErr
		}),
		Sender: sender,
		Cards:  cards,
	}
	a := handlerAccount(config.AccountConfig{DMPolicy: config.PolicyOpen, MessageType: config.MessageTypeCard})

	if err := h.Handle(context.Background(), a, directMessage("m8b", "user_1")); !errors.Is(err, pipeErr) {
		t.Fatalf("Handle err = %v, want the pipeline error", err)
	}
	if len(cards.failed) != 1 {
		t.Fatalf("fail calls = %d, want 1", len(cards.failed))
	}
	if len(cards.finished) != 0 {
		t.Errorf("errored flow still finalized the card: %v", cards.finished)
	}
}

func TestHandle_CardPipelineErrorSkipsTerminalCard(t *testing.T) {
	sender := &mockSender{}
	cards := &mockCards{createState: card.StateFailed}
	h := &MessageHandler{
		Pipeline: pipelineFunc(func(ctx context.Context, req reply.Request, hooks reply.Hooks) (reply.Result, error) {
			return reply.Result{}, errors.New("reply flow died")
		}),
		Sender: sender,
		Cards:  cards,
	}
	a := handlerAccount(config.AccountConfig{DMPolicy: config.PolicyOpen, MessageType: config.MessageTypeCard})

	if err := h.Handle(context.Background(), a, directMessage("m8c", "user_1")); err == nil {
		t.Fatal("pipeline error swallowed")
	}
	if len(cards.failed) != 0 {
		t.Errorf("terminal card was failed again: %d calls", len(cards.failed))
	}
}

func TestHandle_CardCreateErrorFallsBackToMarkdown(t *testing.T) {
	sender := &mockSender{}
	cards := &mockCards{createErr: errors.New("create failed")}
	h := &MessageHandler{Pipeline: standardPipeline("fallback final"), Sender: sender, Cards: cards}
	a := handlerAccount(config.AccountConfig{DMPolicy: config.PolicyOpen, MessageType: config.MessageTypeCard})

	if err := h.Handle(context.Background(), a, directMessage("m9", "user_1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sender.messageTexts) != 1 || sender.messageTexts[0] != "fallback final" {
		t.Errorf("markdown fallback not used: %v", sender.messageTexts)
	}
}

func TestHandle_MarkdownFlowSendsThinkingAndFinal(t *testing.T) {
	sender := &mockSender{}
	h := &MessageHandler{Pipeline: standardPipeline("final output"), Sender: sender}
	a := handlerAccount(config.AccountConfig{
		DMPolicy:     config.PolicyOpen,
		MessageType:  config.MessageTypeMarkdown,
		ShowThinking: true,
	})

	if err := h.Handle(context.Background(), a, directMessage("m5", "user_1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sender.sessionTexts) != 1 || sender.sessionTexts[0] != "tool output" {
		t.Errorf("intermediate output = %v", sender.sessionTexts)
	}
	if len(sender.messageTexts) != 1 || sender.messageTexts[0] != "final output" {
		t.Errorf("final output = %v", sender.messageTexts)
	}
}

func TestHandle_MarkdownHidesThinkingByDefault(t *testing.T) {
	sender := &mockSender{}
	h := &MessageHandler{Pipeline: standardPipeline("final output"), Sender: sender}
	a := handlerAccount(config.AccountConfig{DMPolicy: config.PolicyOpen, MessageType: config.MessageTypeMarkdown})

	if err := h.Handle(context.Background(), a, directMessage("m5b", "user_1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sender.sessionTexts) != 0 {
		t.Errorf("thinking leaked with show_thinking off: %v", sender.sessionTexts)
	}
}

func TestHandle_ProactiveFailureFallsBackToSessionWebhook(t *testing.T) {
	sender := &mockSender{messageResult: send.Result{OK: false, Err: "forbidden"}}
	h := &MessageHandler{Pipeline: standardPipeline("final output"), Sender: sender}
	a := handlerAccount(config.AccountConfig{DMPolicy: config.PolicyOpen, MessageType: config.MessageTypeMarkdown})

	if err := h.Handle(context.Background(), a, directMessage("m5c", "user_1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sender.sessionTexts) != 1 || sender.sessionTexts[0] != "final output" {
		t.Errorf("session fallback = %v", sender.sessionTexts)
	}
}

func TestHandle_SwallowsUnhandledStopReason(t *testing.T) {
	sender := &mockSender{}
	h := &MessageHandler{Pipeline: standardPipeline("Unhandled stop reason: network_error"), Sender: sender}
	a := handlerAccount(config.AccountConfig{DMPolicy: config.PolicyOpen, MessageType: config.MessageTypeMarkdown})

	if err := h.Handle(context.Background(), a, directMessage("m12", "user_1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	for _, text := range sender.messageTexts {
		if strings.Contains(text, "Unhandled stop reason:") {
			t.Errorf("stop reason leaked to chat: %q", text)
		}
	}
	for _, text := range sender.sessionTexts {
		if strings.Contains(text, "Unhandled stop reason:") {
			t.Errorf("stop reason leaked to session webhook: %q", text)
		}
	}
}

func TestHandle_ProactiveHintOncePerCooldown(t *testing.T) {
	sender := &mockSender{}
	h := &MessageHandler{Pipeline: standardPipeline(""), Sender: sender}
	a := handlerAccount(config.AccountConfig{
		DMPolicy:                config.PolicyOpen,
		MessageType:             config.MessageTypeMarkdown,
		ProactivePermissionHint: &config.HintConfig{Enabled: true, CooldownHours: 24},
	})
	a.Risks.Record(risk.Observation{
		AccountID: "main",
		TargetID:  "manager123",
		Level:     risk.LevelHigh,
		Reason:    "Forbidden.AccessDenied.AccessTokenPermissionDenied",
		Source:    risk.SourceProactiveAPI,
	})

	if err := h.Handle(context.Background(), a, directMessage("m9", "manager123")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sender.sessionTexts) != 1 || !strings.Contains(sender.sessionTexts[0], "主动推送可能失败") {
		t.Fatalf("hint not sent: %v", sender.sessionTexts)
	}

	// Second message inside the cooldown window.
	if err := h.Handle(context.Background(), a, directMessage("m10", "manager123")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sender.sessionTexts) != 1 {
		t.Errorf("hint repeated inside cooldown: %v", sender.sessionTexts)
	}
}

func TestHandle_NoHintWithoutQualifyingObservation(t *testing.T) {
	sender := &mockSender{}
	h := &MessageHandler{Pipeline: standardPipeline(""), Sender: sender}
	a := handlerAccount(config.AccountConfig{
		DMPolicy:                config.PolicyOpen,
		MessageType:             config.MessageTypeMarkdown,
		ProactivePermissionHint: &config.HintConfig{Enabled: true, CooldownHours: 24},
	})

	if err := h.Handle(context.Background(), a, directMessage("m11", "0341234567")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	for _, text := range sender.sessionTexts {
		if strings.Contains(text, "主动推送可能失败") {
			t.Errorf("hint sent without observation: %q", text)
		}
	}
}

type mockRoster struct {
	mu    sync.Mutex
	notes []string
}

func (m *mockRoster) Note(accountID, conversationID, userID, nick string) error {
	m.mu.Lock()
	m.notes = append(m.notes, conversationID+"/"+userID+"/"+nick)
	m.mu.Unlock()
	return nil
}

func TestHandle_GroupMessageNotesRoster(t *testing.T) {
	sender := &mockSender{}
	noter := &mockRoster{}
	h := &MessageHandler{Pipeline: standardPipeline("ok"), Sender: sender, Roster: noter}
	a := handlerAccount(config.AccountConfig{
		DMPolicy:    config.PolicyOpen,
		GroupPolicy: config.PolicyOpen,
		MessageType: config.MessageTypeMarkdown,
	})

	if err := h.Handle(context.Background(), a, groupMessage("m13", "cid_group", "user_9")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(noter.notes) != 1 || noter.notes[0] != "cid_group/user_9/Sender" {
		t.Errorf("roster notes = %v", noter.notes)
	}
}
