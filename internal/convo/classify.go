// Package convo implements the conversation stage: inbound classification,
// the onboarding state machine, and the command router.
package convo

import (
	"strings"

	"github.com/ZapMentor/ZapMentor/internal/models"
)

// bareCommandWords are treated as commands even without a prefix so users who
// type "ajuda" instead of "/ajuda" still reach the menu.
var bareCommandWords = map[string]string{
	"ajuda":    "/ajuda",
	"menu":     "/menu",
	"help":     "/ajuda",
	"comandos": "/comandos",
}

// Classify decides how one inbound text routes through the pipeline. Users
// who have not finished onboarding always classify as onboarding messages;
// completed users classify as commands when the text carries a command prefix
// or is a bare menu word, and as free-form messages otherwise. The returned
// text is the command form when a bare menu word was recognized.
func Classify(user *models.User, text string) (models.EnvelopeType, models.ConversationContext, string) {
	trimmed := strings.TrimSpace(text)

	if !user.OnboardingCompleted {
		return models.EnvelopeTypeMessage, models.ConversationContext{
			Stage: models.StageOnboarding,
			Step:  models.ParseStep(string(user.OnboardingStep)),
		}, trimmed
	}

	regular := models.ConversationContext{Stage: models.StageRegular}

	if strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, "#") {
		return models.EnvelopeTypeCommand, regular, trimmed
	}
	if cmd, ok := bareCommandWords[strings.ToLower(trimmed)]; ok {
		return models.EnvelopeTypeCommand, regular, cmd
	}
	return models.EnvelopeTypeMessage, regular, trimmed
}
