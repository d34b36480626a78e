package translator

import (
	"context"
	"fmt"
	"strings"

	"github.com/frozenspider/rosetta/internal/llm"
)

// llmTranslator translates document segments through a chat-completions API.
type llmTranslator struct {
	client *llm.Client
}

func NewLLMTranslator(client *llm.Client) Translator {
	return &llmTranslator{client: client}
}

func (t *llmTranslator) Translate(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return req.Text, nil
	}

	content, err := t.client.SimpleChat(ctx, req.Text, buildSystemPrompt(req))
	if err != nil {
		return "", Classify(err)
	}

	translated := strings.TrimSpace(content)
	if translated == "" {
		return "", &ProviderError{
			Kind:    KindUnknown,
			Message: "provider returned an empty translation",
		}
	}
	return translated, nil
}

// buildSystemPrompt builds the per-segment system prompt from the job's
// translation options.
func buildSystemPrompt(req Request) string {
	var prompt strings.Builder

	prompt.WriteString("You are a professional document translation expert. ")
	if req.SourceLang != "" {
		prompt.WriteString(fmt.Sprintf("Translate the user's text from %s to %s.\n", req.SourceLang, req.TargetLang))
	} else {
		prompt.WriteString(fmt.Sprintf("Translate the user's text to %s.\n", req.TargetLang))
	}

	if req.Subject != "" {
		prompt.WriteString(fmt.Sprintf("The document's subject is: %s.\n", req.Subject))
	}
	if req.Tone != "" {
		prompt.WriteString(fmt.Sprintf("Use a %s tone.\n", req.Tone))
	}
	if req.Instructions != "" {
		prompt.WriteString(req.Instructions + "\n")
	}

	prompt.WriteString("\nPreserve markdown markup, inline formatting and numbers exactly as they appear.\n")
	prompt.WriteString("Return ONLY the translated text without explanations, notes or additional text.\n")

	return prompt.String()
}
