package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ZapMentor/ZapMentor/internal/models"
	"github.com/ZapMentor/ZapMentor/internal/store"
	"github.com/ZapMentor/ZapMentor/internal/util"
)

// Deliverer sends one outbound message and writes the result back to the
// ledger entry identified by interactionID.
type Deliverer interface {
	Deliver(ctx context.Context, recipient, body, interactionID string) (string, error)
}

// OnboardingStore is the store subset the state machine needs.
type OnboardingStore interface {
	AdvanceOnboarding(userID string, from, to models.OnboardingStep, profile models.Profile, prefs models.Preferences) error
	AddInteraction(in models.Interaction) error
}

// Onboarding drives the fixed question sequence for new users. Each inbound
// message while a user is onboarding feeds the current step; the step only
// moves forward, and concurrent duplicates of the same answer collapse onto
// one advancement via the store's conditional update.
type Onboarding struct {
	store   OnboardingStore
	deliver Deliverer
}

// NewOnboarding creates the onboarding state machine.
func NewOnboarding(st OnboardingStore, deliver Deliverer) *Onboarding {
	return &Onboarding{store: st, deliver: deliver}
}

const (
	welcomeMessage = `👋 Olá! Eu sou o *ZapMentor*, seu mentor de IA no WhatsApp.

Antes de começar, quero te conhecer melhor. São só quatro perguntas rápidas.

Primeira: *qual é o seu cargo ou área de atuação?*`

	interestsQuestion = `Ótimo! 🎯 Agora me conta: *quais temas de IA mais te interessam?*
(ex.: automação, atendimento, análise de dados — pode listar vários, separados por vírgula)`

	toolsQuestion = `Perfeito. 🛠️ *Quais ferramentas de IA você já usa hoje?*
(se ainda não usa nenhuma, responda "nenhuma")`

	challengesQuestion = `Última pergunta: *quais são seus maiores desafios com IA no trabalho?*`

	completionMessage = `Pronto, tudo anotado! ✅

A partir de agora você pode usar os comandos:

/ferramenta [tema] — recomendação de ferramenta
/caso [tema] — estudo de caso real
/tendencia [tema] — tendências do setor
/ajuda — menu de comandos

Ou simplesmente me mandar qualquer pergunta sobre IA. Vamos nessa? 🚀`
)

// Handle processes one inbound message for a user who has not completed
// onboarding. The step recorded on the user snapshot decides which answer the
// text is; a step conflict means a concurrent message already advanced the
// sequence and the text is dropped. replyTo is the ledger id of the inbound
// interaction the prompt answers.
func (o *Onboarding) Handle(ctx context.Context, user *models.User, text, replyTo string) error {
	step := models.ParseStep(string(user.OnboardingStep))
	answer := strings.TrimSpace(text)
	profile := user.Profile
	prefs := user.Preferences

	var reply string
	next := models.NextStep(step)

	switch step {
	case models.StepWelcome:
		reply = welcomeMessage
	case models.StepProfileQuestion:
		profile.Role = answer
		reply = interestsQuestion
	case models.StepInterestsQuestion:
		prefs.Interests = splitList(answer)
		reply = toolsQuestion
	case models.StepToolsQuestion:
		profile.ToolsUsed = splitList(answer)
		reply = challengesQuestion
	case models.StepChallengesQuestion:
		profile.Challenges = splitList(answer)
		reply = completionMessage
	default:
		// Finishing or an already-completed user slipping through: close out.
		next = models.StepNone
		reply = completionMessage
	}

	if err := o.store.AdvanceOnboarding(user.UserID, step, next, profile, prefs); err != nil {
		if errors.Is(err, store.ErrStepConflict) {
			slog.Info("Onboarding.Handle dropping message after concurrent step advance", "userID", user.UserID, "step", step)
			return nil
		}
		return fmt.Errorf("failed to advance onboarding: %w", err)
	}

	// Finishing needs no further answer; complete in the same turn.
	if next == models.StepFinishing {
		if err := o.store.AdvanceOnboarding(user.UserID, models.StepFinishing, models.StepNone, profile, prefs); err != nil && !errors.Is(err, store.ErrStepConflict) {
			return fmt.Errorf("failed to complete onboarding: %w", err)
		}
	}

	return o.sendPrompt(ctx, user, reply, replyTo)
}

// sendPrompt records the outbound prompt on the ledger and delivers it.
func (o *Onboarding) sendPrompt(ctx context.Context, user *models.User, body, replyTo string) error {
	out := models.Interaction{
		InteractionID:  util.GenerateInteractionID(),
		UserID:         user.UserID,
		Timestamp:      time.Now(),
		Direction:      models.DirectionOutgoing,
		ContentType:    "onboarding_prompt",
		Content:        body,
		ReplyTo:        replyTo,
		DeliveryStatus: models.DeliveryStatusPending,
	}
	if err := o.store.AddInteraction(out); err != nil {
		return fmt.Errorf("failed to record onboarding prompt: %w", err)
	}
	if _, err := o.deliver.Deliver(ctx, user.PhoneNumber, body, out.InteractionID); err != nil {
		return fmt.Errorf("failed to deliver onboarding prompt: %w", err)
	}
	return nil
}

// splitList splits a free-form answer into items on commas, semicolons and
// the Portuguese conjunction "e".
func splitList(answer string) []string {
	if answer == "" {
		return nil
	}
	normalized := strings.NewReplacer(";", ",", "\n", ",", " e ", ",").Replace(answer)
	var items []string
	for _, part := range strings.Split(normalized, ",") {
		if p := strings.TrimSpace(part); p != "" {
			items = append(items, p)
		}
	}
	return items
}
