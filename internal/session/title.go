package session

import (
	"context"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/tarkshell/tark/internal/provider"
)

const titleSystemPrompt = `You are a title generator. You output ONLY a thread title. Nothing else.

Generate a brief title that would help the user find this conversation later.

Rules:
- A single line, ≤50 characters
- No explanations
- Use -ing verbs for actions (Debugging, Implementing, Analyzing)
- Keep exact: technical terms, numbers, filenames
- Remove: the, this, my, a, an
- Always output something meaningful

Examples:
"debug 500 errors in production" → Debugging production 500 errors
"refactor user service" → Refactoring user service
"implement rate limiting" → Implementing rate limiting`

// DefaultTitle is the placeholder a new session carries until
// GenerateTitle replaces it.
const DefaultTitle = "New Session"

// IsDefaultTitle reports whether title is still the unreplaced placeholder.
func IsDefaultTitle(title string) bool {
	return title == DefaultTitle || strings.HasPrefix(title, DefaultTitle)
}

// GenerateTitle asks prov for a short title summarizing userContent. Callers
// decide whether to invoke it (typically only on a session's first message,
// skipping child sessions and sessions that already have a custom title)
// and whether to persist/publish the result — this function has no
// knowledge of sessions or storage.
func GenerateTitle(ctx context.Context, prov provider.Provider, modelID string, userContent string) (string, error) {
	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model: modelID,
		Messages: []*schema.Message{
			{Role: schema.System, Content: titleSystemPrompt},
			{Role: schema.User, Content: "Generate a title for this conversation:\n\n" + userContent},
		},
		MaxTokens: 50,
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var title strings.Builder
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		title.WriteString(msg.Content)
	}

	titleText := strings.TrimSpace(title.String())
	for _, line := range strings.Split(titleText, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			titleText = line
			break
		}
	}
	if len(titleText) > 100 {
		titleText = titleText[:97] + "..."
	}
	return titleText, nil
}
