// Package send delivers outbound messages to DingTalk, both session-webhook
// replies and proactive open API sends.
package send

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/dingbridge/internal/auth"
	"github.com/openclaw/dingbridge/internal/risk"
)

const defaultBaseURL = "https://api.dingtalk.com"

// DefaultTitle is the markdown title used when none is configured.
const DefaultTitle = "DingBridge"

// Credentials carries the per-account identity a send operates under.
type Credentials struct {
	AccountID    string
	ClientID     string
	ClientSecret string
	RobotCode    string
}

func (c Credentials) robotCode() string {
	if c.RobotCode != "" {
		return c.RobotCode
	}
	return c.ClientID
}

// Result reports the outcome of a proactive send.
type Result struct {
	OK  bool
	Err string
}

// Service posts messages to DingTalk. It records permission-denied proactive
// responses into the risk registry when one is attached.
type Service struct {
	baseURL string
	httpc   *http.Client
	tokens  *auth.TokenSource
	risks   *risk.Registry
}

// Option configures a Service.
type Option func(*Service)

// WithBaseURL overrides the open API base, used by tests.
func WithBaseURL(base string) Option {
	return func(s *Service) { s.baseURL = base }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpc = c }
}

// NewService creates a Service. risks may be nil when permission tracking is
// not wanted.
func NewService(tokens *auth.TokenSource, risks *risk.Registry, opts ...Option) *Service {
	s := &Service{
		baseURL: defaultBaseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
		risks:   risks,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BySession posts a markdown reply to the per-message session webhook.
func (s *Service) BySession(ctx context.Context, sessionWebhook, title, text string, log zerolog.Logger) error {
	if sessionWebhook == "" {
		return fmt.Errorf("send: empty session webhook")
	}
	if title == "" {
		title = DefaultTitle
	}
	payload := map[string]any{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"title": title,
			"text":  text,
		},
	}
	err := s.postJSON(ctx, sessionWebhook, "", payload)
	if err != nil {
		logErrorPayload(log, "send.bySession", err)
		log.Error().Err(err).Msg("session webhook reply failed")
		return err
	}
	return nil
}

// Message sends a proactive message to a target conversation. Group targets
// carry the open conversation ID (cid prefix); anything else is treated as a
// staff user ID. A permission-denied response is recorded as a high-risk
// proactive-api observation for the target.
func (s *Service) Message(ctx context.Context, creds Credentials, target, title, text string, log zerolog.Logger) Result {
	err := s.proactive(ctx, creds, target, title, text)
	if err == nil {
		return Result{OK: true}
	}

	logErrorPayload(log, "send.proactiveMessage", err)

	ev := log.Error().Err(err).Str("target", target)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.PermissionDenied() && s.risks != nil {
		reason := apiErr.Code
		if reason == "" {
			reason = "permission-denied"
		}
		s.risks.Record(risk.Observation{
			AccountID: creds.AccountID,
			TargetID:  target,
			Level:     risk.LevelHigh,
			Reason:    reason,
			Source:    risk.SourceProactiveAPI,
		})
	}
	if s.risks != nil {
		if obs, ok := s.risks.Get(creds.AccountID, target); ok {
			ev = ev.Str("proactiveRisk", string(obs.Level)+":"+obs.Reason)
		}
	}
	ev.Msg("proactive send failed")

	return Result{OK: false, Err: rootMessage(err)}
}

func (s *Service) proactive(ctx context.Context, creds Credentials, target, title, text string) error {
	token, err := s.tokens.AccessToken(ctx, creds.ClientID, creds.ClientSecret)
	if err != nil {
		return err
	}
	if title == "" {
		title = DefaultTitle
	}
	msgParam, err := json.Marshal(map[string]string{
		"title": title,
		"text":  text,
	})
	if err != nil {
		return fmt.Errorf("send: marshal msgParam: %w", err)
	}

	var url string
	body := map[string]any{
		"robotCode": creds.robotCode(),
		"msgKey":    "sampleMarkdown",
		"msgParam":  string(msgParam),
	}
	if strings.HasPrefix(target, "cid") {
		url = s.baseURL + "/v1.0/robot/groupMessages/send"
		body["openConversationId"] = target
	} else {
		url = s.baseURL + "/v1.0/robot/oToMessages/batchSend"
		body["userIds"] = []string{target}
	}
	return s.postJSON(ctx, url, token, body)
}

// postJSON posts a JSON body and maps non-2xx responses (or ok-status
// responses carrying an error code body) to an APIError.
func (s *Service) postJSON(ctx context.Context, url, token string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("send: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("send: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("x-acs-dingtalk-access-token", token)
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("send: post: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var errBody struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	_ = json.Unmarshal(respBody, &errBody)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       errBody.Code,
			Message:    errBody.Message,
		}
	}
	// Session webhooks answer 200 with an errcode body on failure.
	if errBody.ErrCode != 0 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("%d", errBody.ErrCode),
			Message:    errBody.ErrMsg,
		}
	}
	return nil
}

func logErrorPayload(log zerolog.Logger, op string, err error) {
	if line, ok := ErrorPayloadLine(op, err); ok {
		log.Error().Msg(line)
	}
}

// rootMessage unwraps to the innermost error message for compact reporting.
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
