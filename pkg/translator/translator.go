// Package translator implements the Translator callable (spec §6.4),
// adapted from the teacher's pkg/providers/llm chat-completion clients.
// Each provider is repurposed from open-ended chat into a single-turn
// translation prompt: one user message holding the instruction followed by
// the source text,
// returning only the translated text.
package translator

import "context"

// Translator is the external collaborator invoked by the translation
// worker loop (C6, spec §6.4).
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
	Name() string
}

func translationPrompt(text, sourceLang, targetLang string) string {
	return "Translate the following text from " + sourceLang + " to " + targetLang +
		". Reply with only the translated text, no commentary.\n\n" + text
}
