// Package reply defines the interface between the gateway and whatever
// produces replies. The gateway hands a normalized request to a Pipeline and
// receives content back through hooks as it is produced, plus a final
// result once the pipeline drains.
package reply

import "context"

// BlockKind classifies a delivered content block.
type BlockKind string

const (
	// KindTool is intermediate output produced while the pipeline works,
	// such as tool invocation summaries.
	KindTool BlockKind = "tool"
	// KindFinal is the closing answer.
	KindFinal BlockKind = "final"
)

// Request is the normalized inbound message handed to the pipeline.
type Request struct {
	AccountID      string
	ConversationID string
	SenderID       string
	SenderNick     string
	IsGroup        bool
	Text           string
	MediaPath      string
}

// Hooks receive pipeline output as it is produced. Either hook may be nil.
type Hooks struct {
	// OnReasoningStream receives partial reasoning text for progressive
	// display. Called repeatedly with the accumulated text so far.
	OnReasoningStream func(text string)
	// Deliver receives a completed block. A delivery error does not abort
	// the pipeline; remaining blocks are still dispatched.
	Deliver func(text string, kind BlockKind) error
}

// Result summarizes a completed dispatch.
type Result struct {
	// QueuedFinal is the final answer text that was buffered for the
	// closing delivery. Empty when the pipeline produced no textual output.
	QueuedFinal string
}

// Pipeline produces replies for inbound messages.
type Pipeline interface {
	Dispatch(ctx context.Context, req Request, hooks Hooks) (Result, error)
}

// EchoPipeline answers every message with its own text. It is the default
// pipeline for standalone runs and for exercising the delivery path.
type EchoPipeline struct{}

// Dispatch echoes the request text as the final block.
func (EchoPipeline) Dispatch(ctx context.Context, req Request, hooks Hooks) (Result, error) {
	text := req.Text
	if text == "" {
		text = "(empty message)"
	}
	if hooks.Deliver != nil {
		if err := hooks.Deliver(text, KindFinal); err != nil {
			return Result{QueuedFinal: text}, nil
		}
	}
	return Result{QueuedFinal: text}, nil
}
