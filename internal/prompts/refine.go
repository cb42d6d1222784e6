package prompts

import (
	"fmt"
	"strings"
)

// refineTemplate asks the model to repair a failed capability input.
// The format verbs are: failure message, failed input. The model must
// answer with the corrected input alone — the router compares the raw
// reply against the failed input to detect a stalled loop, so any
// framing text would defeat that check.
const refineTemplate = `A request to an external service failed with this error:

%s

The input that failed was:

%s

Rewrite the input so the request is likely to succeed. Fix spelling,
naming, or formatting problems. Reply with ONLY the corrected input,
no explanation. If you cannot improve the input, reply with nothing.`

// RefinePrompt returns the input-repair prompt for a retry-refinement
// call. instruction carries optional capability-specific guidance from
// the retry policy (e.g. "Use the city's official name"), appended
// when present.
func RefinePrompt(failedInput, failureMessage, instruction string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(refineTemplate, failureMessage, failedInput))
	if instruction != "" {
		sb.WriteString("\n\n")
		sb.WriteString(instruction)
	}
	return sb.String()
}
