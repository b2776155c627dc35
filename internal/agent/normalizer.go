package agent

import (
	"fmt"

	"github.com/haasonsaas/anvil/pkg/models"
)

// interruptedResultContent is the synthetic tool_result text inserted for
// tool calls whose execution was interrupted before producing a result.
const interruptedResultContent = "Tool execution was interrupted"

// NormalizationError reports a structural violation in the transcript.
// Normalization failures are fatal to the turn; they indicate a programming
// error upstream, not bad model output.
type NormalizationError struct {
	MessageID string
	Reason    string
}

func (e *NormalizationError) Error() string {
	if e.MessageID == "" {
		return "transcript normalization failed: " + e.Reason
	}
	return fmt.Sprintf("transcript normalization failed at message %s: %s", e.MessageID, e.Reason)
}

// Normalize produces the provider-facing transcript and enforces the
// tool_use/tool_result pairing invariant. Providers reject transcripts where
// an assistant tool call is not answered before the next assistant turn, so
// interrupted turns must be repaired before every completion call.
//
// Rules, per assistant message carrying tool_use blocks, scanning forward to
// the next assistant message:
//   - all ids matched by tool_results: pass through
//   - no id matched: strip the tool_use blocks, keep any text; drop the
//     message entirely if nothing remains
//   - partial match: pass through, then synthesize one user message holding
//     an is_error tool_result for every missing id
//
// Progress messages are dropped. Normalize is a fixed point:
// Normalize(Normalize(m)) == Normalize(m).
func Normalize(messages []*models.Message) ([]*models.Message, error) {
	out := make([]*models.Message, 0, len(messages))

	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		if msg == nil {
			continue
		}
		if err := validateMessage(msg); err != nil {
			return nil, err
		}
		if msg.Role == models.RoleProgress {
			continue
		}
		if msg.Role != models.RoleAssistant {
			out = append(out, msg)
			continue
		}

		uses := msg.ToolUses()
		if len(uses) == 0 {
			out = append(out, msg)
			continue
		}

		// Collect result ids from user messages until the next assistant turn.
		answered := make(map[string]bool)
		for j := i + 1; j < len(messages); j++ {
			next := messages[j]
			if next == nil {
				continue
			}
			if next.Role == models.RoleAssistant {
				break
			}
			if next.Role != models.RoleUser {
				continue
			}
			for _, id := range next.ToolResultIDs() {
				answered[id] = true
			}
		}

		matched := 0
		for _, use := range uses {
			if answered[use.ID] {
				matched++
			}
		}

		switch {
		case matched == len(uses):
			out = append(out, msg)

		case matched == 0:
			// Interrupted before any result: strip the calls, keep the text.
			kept := make([]models.ContentBlock, 0, len(msg.Content))
			for _, b := range msg.Content {
				if b.Type != models.BlockToolUse {
					kept = append(kept, b)
				}
			}
			if len(kept) == 0 {
				continue
			}
			stripped := *msg
			stripped.Content = kept
			out = append(out, &stripped)

		default:
			// Partial: keep the message and answer the missing ids with
			// synthetic error results. The repair sits directly after the
			// assistant turn, ahead of the next assistant message, which is
			// all the pairing invariant requires.
			out = append(out, msg)
			var synthetic []models.ContentBlock
			for _, use := range uses {
				if !answered[use.ID] {
					synthetic = append(synthetic, models.ToolResultBlock(use.ID, interruptedResultContent, true))
				}
			}
			out = append(out, models.NewUserBlocksMessage(synthetic...))
		}
	}

	return out, nil
}

func validateMessage(msg *models.Message) error {
	switch msg.Role {
	case models.RoleUser, models.RoleAssistant, models.RoleProgress:
	default:
		return &NormalizationError{MessageID: msg.ID, Reason: fmt.Sprintf("unknown role %q", msg.Role)}
	}
	for _, b := range msg.Content {
		switch b.Type {
		case models.BlockText, models.BlockThinking:
		case models.BlockToolUse:
			if b.ID == "" || b.Name == "" {
				return &NormalizationError{MessageID: msg.ID, Reason: "tool_use block missing id or name"}
			}
		case models.BlockToolResult:
			if b.ToolUseID == "" {
				return &NormalizationError{MessageID: msg.ID, Reason: "tool_result block missing tool_use_id"}
			}
		default:
			return &NormalizationError{MessageID: msg.ID, Reason: fmt.Sprintf("unknown content block type %q", b.Type)}
		}
	}
	return nil
}
