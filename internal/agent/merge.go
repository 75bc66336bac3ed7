package agent

import (
	"time"

	"github.com/mikesmullin/subd/internal/providers"
	"github.com/mikesmullin/subd/pkg/models"
)

const finishToolCalls = "tool_calls"

// mergeChoices folds every provider choice into one assistant message:
// contents concatenate in order, tool-call lists concatenate in order. The
// merged finish reason is "tool_calls" if any choice finished that way,
// otherwise the last choice's reason.
func mergeChoices(choices []providers.Choice) (models.ChatMessage, string) {
	msg := models.ChatMessage{Role: models.RoleAssistant, Timestamp: time.Now().UTC()}
	finish := ""
	sawToolCalls := false
	for _, c := range choices {
		msg.Content += c.Message.Content
		msg.ToolCalls = append(msg.ToolCalls, c.Message.ToolCalls...)
		if c.FinishReason == finishToolCalls {
			sawToolCalls = true
		}
		finish = c.FinishReason
	}
	if sawToolCalls {
		finish = finishToolCalls
	}
	return msg, finish
}
