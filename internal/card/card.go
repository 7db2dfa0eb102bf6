// Package card manages progressive AI reply cards: creating a card instance
// in the conversation, streaming partial content into it, and finalizing it.
package card

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openclaw/dingbridge/internal/auth"
	"github.com/openclaw/dingbridge/internal/send"
)

const defaultBaseURL = "https://api.dingtalk.com"

// defaultTemplateID is the platform-provided markdown AI card template.
const defaultTemplateID = "382e4302-551d-4880-bf29-a30acb27c134.schema"

// DoneFallback replaces an empty final content so a finished card never
// renders blank.
const DoneFallback = "✅ Done"

// State is a card lifecycle state as reported by the platform.
type State string

const (
	StateCreated   State = "1"
	StateStreaming State = "2"
	StateFinished  State = "3"
	StateFailed    State = "5"
)

// Terminal reports whether no further updates may be applied.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed
}

// canTransition encodes the allowed lifecycle moves. Terminal states absorb.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateStreaming:
		return from == StateCreated || from == StateStreaming
	case StateFinished, StateFailed:
		return true
	default:
		return false
	}
}

// ErrTerminalState is returned when an update is attempted against a card
// that already finished or failed.
var ErrTerminalState = fmt.Errorf("card: card is in a terminal state")

// Card is one live card instance. State moves are serialized internally so
// concurrent stream updates cannot race a finalize.
type Card struct {
	OutTrackID  string
	InstanceID  string
	LastUpdated time.Time

	mu    sync.Mutex
	state State
}

// NewCard constructs a Card in the given state, for reconciling an instance
// already known to the platform.
func NewCard(outTrackID string, state State) *Card {
	return &Card{
		OutTrackID:  outTrackID,
		InstanceID:  outTrackID,
		LastUpdated: time.Now(),
		state:       state,
	}
}

// State returns the current lifecycle state.
func (c *Card) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// advance applies a transition, rejecting moves out of terminal states.
func (c *Card) advance(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !canTransition(c.state, to) {
		if c.state.Terminal() {
			return ErrTerminalState
		}
		return fmt.Errorf("card: invalid transition %s -> %s", c.state, to)
	}
	c.state = to
	c.LastUpdated = time.Now()
	return nil
}

// forceFailed stamps the failed state regardless of the current one. Used
// when the remote finalize call errors and the local view must not report a
// usable card.
func (c *Card) forceFailed() {
	c.mu.Lock()
	c.state = StateFailed
	c.LastUpdated = time.Now()
	c.mu.Unlock()
}

// Target names the conversation a card is delivered into. Exactly one of
// OpenConversationID (group) or UserID (direct chat) is set.
type Target struct {
	RobotCode          string
	OpenConversationID string
	UserID             string
}

// Service drives the card open API.
type Service struct {
	baseURL    string
	templateID string
	httpc      *http.Client
	tokens     *auth.TokenSource
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

// WithTemplateID overrides the card template.
func WithTemplateID(id string) Option {
	return func(s *Service) { s.templateID = id }
}

// NewService creates a card Service.
func NewService(tokens *auth.TokenSource, opts ...Option) *Service {
	s := &Service{
		baseURL:    defaultBaseURL,
		templateID: defaultTemplateID,
		httpc:      &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create delivers a fresh card instance into the target conversation. Each
// call mints a new out-track ID, so concurrent messages get independent
// cards.
func (s *Service) Create(ctx context.Context, clientID, clientSecret string, target Target, log zerolog.Logger) (*Card, error) {
	outTrackID := uuid.NewString()

	body := map[string]any{
		"cardTemplateId": s.templateID,
		"outTrackId":     outTrackID,
		"cardData": map[string]any{
			"cardParamMap": map[string]string{"content": ""},
		},
	}
	if target.OpenConversationID != "" {
		body["openSpaceId"] = fmt.Sprintf("dtv1.card//IM_GROUP.%s", target.OpenConversationID)
		body["imGroupOpenSpaceModel"] = map[string]any{"supportForward": true}
		body["imGroupOpenDeliverModel"] = map[string]any{"robotCode": target.RobotCode}
	} else {
		body["openSpaceId"] = fmt.Sprintf("dtv1.card//IM_ROBOT.%s", target.UserID)
		body["imRobotOpenSpaceModel"] = map[string]any{"supportForward": true}
		body["imRobotOpenDeliverModel"] = map[string]any{"spaceType": "IM_ROBOT", "robotCode": target.RobotCode}
	}

	var out struct {
		Result struct {
			ProcessQueryKey string `json:"processQueryKey"`
		} `json:"result"`
	}
	if err := s.postJSON(ctx, clientID, clientSecret, "/v1.0/card/instances/createAndDeliver", body, &out); err != nil {
		log.Error().Err(err).Msg("card create failed")
		return nil, err
	}

	c := &Card{
		OutTrackID:  outTrackID,
		InstanceID:  out.Result.ProcessQueryKey,
		LastUpdated: time.Now(),
		state:       StateCreated,
	}
	if c.InstanceID == "" {
		c.InstanceID = outTrackID
	}
	log.Debug().Str("outTrackId", outTrackID).Msg("card created")
	return c, nil
}

// Stream pushes partial content into a live card. Updates against a terminal
// card return ErrTerminalState without touching the platform.
func (s *Service) Stream(ctx context.Context, clientID, clientSecret string, c *Card, content string, log zerolog.Logger) error {
	if err := c.advance(StateStreaming); err != nil {
		return err
	}
	if err := s.streaming(ctx, clientID, clientSecret, c, content, false, false); err != nil {
		log.Debug().Err(err).Str("outTrackId", c.OutTrackID).Msg("card stream update failed")
		return err
	}
	return nil
}

// Finish finalizes a card with the closing content. An empty content is
// replaced by DoneFallback. If the platform rejects the finalize, the card
// is forced into the failed state and the error is returned.
func (s *Service) Finish(ctx context.Context, clientID, clientSecret string, c *Card, content string, log zerolog.Logger) error {
	if content == "" {
		content = DoneFallback
	}
	if err := c.advance(StateFinished); err != nil {
		return err
	}
	if err := s.streaming(ctx, clientID, clientSecret, c, content, true, false); err != nil {
		c.forceFailed()
		return err
	}
	return nil
}

// Fail finalizes a card as errored, used when the reply flow dies before
// producing a final answer. The card is marked failed locally even if the
// platform rejects the update, so it never reports usable again.
func (s *Service) Fail(ctx context.Context, clientID, clientSecret string, c *Card, log zerolog.Logger) error {
	if err := c.advance(StateFailed); err != nil {
		return err
	}
	if err := s.streaming(ctx, clientID, clientSecret, c, "", true, true); err != nil {
		log.Debug().Err(err).Str("outTrackId", c.OutTrackID).Msg("card fail update rejected")
		return err
	}
	return nil
}

// streaming issues one card streaming update.
func (s *Service) streaming(ctx context.Context, clientID, clientSecret string, c *Card, content string, finalize, isError bool) error {
	body := map[string]any{
		"outTrackId": c.OutTrackID,
		"guid":       uuid.NewString(),
		"key":        "content",
		"content":    content,
		"isFull":     true,
		"isFinalize": finalize,
		"isError":    isError,
	}
	return s.postJSON(ctx, clientID, clientSecret, "/v1.0/card/streaming", body, nil)
}

func (s *Service) postJSON(ctx context.Context, clientID, clientSecret, path string, body, out any) error {
	token, err := s.tokens.AccessToken(ctx, clientID, clientSecret)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("card: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("card: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-acs-dingtalk-access-token", token)

	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("card: post %s: %w", path, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &errBody)
		return &send.APIError{
			StatusCode: resp.StatusCode,
			Code:       errBody.Code,
			Message:    errBody.Message,
		}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("card: decode response: %w", err)
		}
	}
	return nil
}

// FormatContent normalizes model output for card rendering. Cards render
// markdown natively, so today this is the identity transform with trailing
// whitespace trimmed.
func FormatContent(text string) string {
	end := len(text)
	for end > 0 {
		ch := text[end-1]
		if ch != ' ' && ch != '\n' && ch != '\t' && ch != '\r' {
			break
		}
		end--
	}
	return text[:end]
}
