package prompts

import "fmt"

// finalPassTemplate wraps a capability's raw result in a context block
// and asks the model to answer conversationally. The format verbs are:
// source category, rendered result context, original user text.
const finalPassTemplate = `<context source=%q>
%s
</context>

Using only the context above, answer the user's request in a natural,
conversational tone. Do not mention the context block or that you were
given data. If the context does not cover something the user asked,
say so briefly rather than inventing an answer.

User request: %s`

// FinalPassPrompt returns the prompt for a final-pass rendering call:
// the successful payload's formatted context plus the original user
// text, tagged with the category that produced it.
func FinalPassPrompt(api, renderedContext, userInput string) string {
	return fmt.Sprintf(finalPassTemplate, api, renderedContext, userInput)
}
