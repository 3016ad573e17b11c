// Package genai provides the prompt templates for each content type.
//
// This is the extension point for new content types: add a case here and a
// command mapping in the router; generation, sanitation, persistence, and
// delivery are shared.
package genai

import (
	"fmt"
	"strings"

	"github.com/ZapMentor/ZapMentor/internal/models"
)

const baseSystemPrompt = "Você é o ZapMentor, um mentor de carreira e tecnologia que responde " +
	"por WhatsApp em português do Brasil. Seja direto, prático e acolhedor. " +
	"Responda em texto simples, sem blocos de código e sem notas internas."

// BuildPrompt returns the system and user prompts for a generation request.
// All four content types share the same generation path downstream.
func BuildPrompt(req models.GenerationRequest) (systemPrompt, userPrompt string) {
	profile := describeProfile(req.Profile)

	switch req.Type {
	case models.RequestTypeToolRecommendation:
		return baseSystemPrompt, fmt.Sprintf(
			"Recomende ferramentas de IA para o tema %q. Perfil do usuário: %s. "+
				"Liste até 3 ferramentas, com uma frase sobre quando usar cada uma.",
			req.Topic, profile)
	case models.RequestTypeCaseStudy:
		return baseSystemPrompt, fmt.Sprintf(
			"Conte um caso real e recente de aplicação de IA sobre %q, relevante para este perfil: %s. "+
				"Inclua o resultado obtido e uma lição prática.",
			req.Topic, profile)
	case models.RequestTypeTrendReport:
		return baseSystemPrompt, fmt.Sprintf(
			"Resuma as tendências mais importantes sobre %q neste momento, para este perfil: %s. "+
				"Destaque o que muda na prática para quem trabalha na área.",
			req.Topic, profile)
	default:
		// user_query and anything unmapped fall through to free-form answers.
		return baseSystemPrompt, fmt.Sprintf(
			"Pergunta do usuário: %s\nPerfil do usuário: %s\nResponda de forma útil e objetiva.",
			req.Query, profile)
	}
}

func describeProfile(p models.Profile) string {
	var parts []string
	if p.Role != "" {
		parts = append(parts, "atua como "+p.Role)
	}
	if p.Objective != "" {
		parts = append(parts, "objetivo: "+p.Objective)
	}
	if len(p.ToolsUsed) > 0 {
		parts = append(parts, "usa: "+strings.Join(p.ToolsUsed, ", "))
	}
	if len(p.Challenges) > 0 {
		parts = append(parts, "desafios: "+strings.Join(p.Challenges, ", "))
	}
	if p.Industry != "" {
		parts = append(parts, "setor: "+p.Industry)
	}
	if len(parts) == 0 {
		return "não informado"
	}
	return strings.Join(parts, "; ")
}
