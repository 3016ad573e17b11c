// Package pipeline connects webhook ingress, the durable queue, the
// conversation stage, generation, and delivery.
//
// Ingress work is intentionally small: normalize, record, classify, enqueue.
// Everything slow or fallible happens in queue handlers, where the outermost
// error boundary decides between redelivery and a terminal apology.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ZapMentor/ZapMentor/internal/convo"
	"github.com/ZapMentor/ZapMentor/internal/delivery"
	"github.com/ZapMentor/ZapMentor/internal/genai"
	"github.com/ZapMentor/ZapMentor/internal/metrics"
	"github.com/ZapMentor/ZapMentor/internal/models"
	"github.com/ZapMentor/ZapMentor/internal/normalize"
	"github.com/ZapMentor/ZapMentor/internal/store"
	"github.com/ZapMentor/ZapMentor/internal/util"
)

// Job kinds consumed from the durable queue. Each envelope type maps to one
// registered handler.
const (
	JobKindCommand = string(models.EnvelopeTypeCommand)
	JobKindMessage = string(models.EnvelopeTypeMessage)
)

// recentContextLimit bounds how many ledger entries feed the conversation
// context of one envelope.
const recentContextLimit = 10

const (
	ackMessage     = "⏳ Recebido! Estou preparando sua resposta..."
	apologyMessage = "😕 Tive um problema para processar sua mensagem agora. Pode tentar de novo em alguns instantes?"
	unknownReply   = "🤔 Não conheci esse comando.\n\n" + convo.HelpMenu
)

// Processor coordinates the message pipeline end to end.
type Processor struct {
	store      store.Store
	queue      store.JobRepo
	gen        *genai.Orchestrator
	deliver    convo.Deliverer
	onboarding *convo.Onboarding
	rec        *metrics.Recorder
}

// NewProcessor creates the pipeline processor.
func NewProcessor(st store.Store, queue store.JobRepo, gen *genai.Orchestrator, deliver convo.Deliverer, onboarding *convo.Onboarding, rec *metrics.Recorder) *Processor {
	return &Processor{
		store:      st,
		queue:      queue,
		gen:        gen,
		deliver:    deliver,
		onboarding: onboarding,
		rec:        rec,
	}
}

// Register wires the processor's envelope handlers into the job runner.
func (p *Processor) Register(runner *store.JobRunner) {
	runner.RegisterHandler(JobKindCommand, p.HandleCommand)
	runner.RegisterHandler(JobKindMessage, p.HandleMessage)
}

// Ingest handles one raw webhook payload: normalize, record the inbound
// interaction, resolve the user, classify, and enqueue the envelope. Payloads
// that carry no user message (status callbacks, unrecognized shapes) are
// acknowledged by doing nothing. The inbound message id doubles as the queue
// dedupe key so webhook redelivery cannot enqueue twice.
func (p *Processor) Ingest(ctx context.Context, raw []byte) error {
	msg := normalize.Normalize(raw)
	if msg == nil {
		slog.Debug("Processor.Ingest: payload carried no message")
		return nil
	}
	p.rec.Incr(metrics.MessagesReceived)

	phone, err := delivery.CanonicalizePhoneNumber(msg.PhoneNumber)
	if err != nil {
		slog.Warn("Processor.Ingest: dropping message with invalid sender", "error", err, "messageID", msg.MessageID)
		return nil
	}

	user, created, err := p.store.GetOrCreateUser(phone)
	if err != nil {
		return fmt.Errorf("failed to resolve user: %w", err)
	}
	if created {
		slog.Info("Processor.Ingest: new user", "userID", user.UserID)
	}

	interaction := models.Interaction{
		InteractionID:  util.GenerateInteractionID(),
		UserID:         user.UserID,
		Timestamp:      msg.Timestamp,
		Direction:      models.DirectionIncoming,
		ContentType:    string(msg.Type),
		Content:        msg.Text,
		DeliveryStatus: models.DeliveryStatusNone,
		MessageID:      msg.MessageID,
	}
	if err := p.store.AddInteraction(interaction); err != nil {
		return fmt.Errorf("failed to record inbound interaction: %w", err)
	}
	if err := p.store.IncrementUserMessages(user.UserID); err != nil {
		slog.Error("Processor.Ingest: engagement update failed", "error", err, "userID", user.UserID)
	}

	envType, convCtx, text := convo.Classify(user, msg.Text)
	convCtx.RecentTopics = p.recentTopics(user.UserID)

	env := models.Envelope{
		Type:          envType,
		UserID:        user.UserID,
		InteractionID: interaction.InteractionID,
		Context:       convCtx,
	}
	if envType == models.EnvelopeTypeCommand {
		env.FullCommand = text
	} else {
		env.Content = text
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if _, err := p.queue.EnqueueJob(string(envType), time.Now(), string(payload), msg.MessageID); err != nil {
		return fmt.Errorf("failed to enqueue envelope: %w", err)
	}
	return nil
}

// recentTopics collects the generated content kinds of a user's recent ledger
// entries. Best effort: a read failure yields an empty context.
func (p *Processor) recentTopics(userID string) []string {
	recent, err := p.store.ListRecentInteractions(userID, recentContextLimit)
	if err != nil {
		slog.Error("Processor.recentTopics: ledger read failed", "error", err, "userID", userID)
		return nil
	}
	var topics []string
	seen := map[string]bool{}
	for _, in := range recent {
		if in.Direction != models.DirectionOutgoing {
			continue
		}
		switch models.RequestType(in.ContentType) {
		case models.RequestTypeToolRecommendation, models.RequestTypeCaseStudy, models.RequestTypeTrendReport, models.RequestTypeUserQuery:
			if !seen[in.ContentType] {
				seen[in.ContentType] = true
				topics = append(topics, in.ContentType)
			}
		}
	}
	return topics
}

// HandleCommand processes one command envelope from the queue.
func (p *Processor) HandleCommand(ctx context.Context, payload string) error {
	env, user, err := p.load(payload)
	if err != nil {
		return err
	}

	routed := convo.Route(env.FullCommand)
	switch routed.Kind {
	case convo.KindHelp:
		return p.boundary(ctx, user, p.sendReply(ctx, user, "help_menu", convo.HelpMenu, env.InteractionID))

	case convo.KindUnknown:
		slog.Info("Processor.HandleCommand: unknown command", "userID", user.UserID, "command", routed.Name)
		return p.boundary(ctx, user, p.sendReply(ctx, user, "unknown_command", unknownReply, env.InteractionID))

	case convo.KindGenerate:
		return p.boundary(ctx, user, p.generateAndDeliver(ctx, user, models.GenerationRequest{
			Type:          routed.Type,
			Topic:         routed.Topic,
			UserID:        user.UserID,
			InteractionID: env.InteractionID,
			Profile:       user.Profile,
		}))
	}
	return nil
}

// HandleMessage processes one free-form message envelope. Onboarding users
// feed the state machine; everyone else gets a generated answer to their
// question.
func (p *Processor) HandleMessage(ctx context.Context, payload string) error {
	env, user, err := p.load(payload)
	if err != nil {
		return err
	}

	if !user.OnboardingCompleted {
		return p.boundary(ctx, user, p.onboarding.Handle(ctx, user, env.Content, env.InteractionID))
	}

	return p.boundary(ctx, user, p.generateAndDeliver(ctx, user, models.GenerationRequest{
		Type:          models.RequestTypeUserQuery,
		Query:         env.Content,
		UserID:        user.UserID,
		InteractionID: env.InteractionID,
		Profile:       user.Profile,
	}))
}

// generateAndDeliver acknowledges receipt, runs the generation chain, and
// delivers the result linked back to the generated-content ledger entry.
func (p *Processor) generateAndDeliver(ctx context.Context, user *models.User, req models.GenerationRequest) error {
	if err := p.sendReply(ctx, user, "ack", ackMessage, req.InteractionID); err != nil {
		// The real answer may still go through; the ack is best effort.
		slog.Warn("Processor.generateAndDeliver: ack failed", "error", err, "userID", user.UserID)
	}

	content, err := p.gen.GenerateFor(ctx, req)
	if err != nil {
		return err
	}
	return p.sendReply(ctx, user, string(content.ContentType), content.Content, req.InteractionID)
}

// sendReply appends an outgoing ledger entry and delivers it.
func (p *Processor) sendReply(ctx context.Context, user *models.User, contentType, body, replyTo string) error {
	out := models.Interaction{
		InteractionID:  util.GenerateInteractionID(),
		UserID:         user.UserID,
		Timestamp:      time.Now(),
		Direction:      models.DirectionOutgoing,
		ContentType:    contentType,
		Content:        body,
		ReplyTo:        replyTo,
		DeliveryStatus: models.DeliveryStatusPending,
	}
	if err := p.store.AddInteraction(out); err != nil {
		return fmt.Errorf("failed to record outgoing interaction: %w", err)
	}
	if _, err := p.deliver.Deliver(ctx, user.PhoneNumber, body, out.InteractionID); err != nil {
		if perm := (*models.PermanentDeliveryError)(nil); errors.As(err, &perm) {
			if uerr := p.store.UpdateInteractionDelivery(out.InteractionID, models.DeliveryStatusFailed, ""); uerr != nil {
				slog.Error("Processor.sendReply: failed-status write failed", "error", uerr, "interactionID", out.InteractionID)
			}
		}
		return err
	}
	return nil
}

// load unmarshals one envelope and resolves its user.
func (p *Processor) load(payload string) (models.Envelope, *models.User, error) {
	var env models.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return env, nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	user, err := p.store.GetUser(env.UserID)
	if err != nil {
		return env, nil, fmt.Errorf("failed to load user %s: %w", env.UserID, err)
	}
	return env, user, nil
}

// boundary is the outermost error boundary of one envelope. Terminal errors
// (invalid input, both generators down, exhausted delivery) are absorbed after
// an apology so the queue entry completes instead of redelivering work that
// cannot succeed; anything else propagates for redelivery with backoff.
func (p *Processor) boundary(ctx context.Context, user *models.User, err error) error {
	if err == nil {
		return nil
	}
	if !terminal(err) {
		return err
	}

	p.rec.Incr(metrics.ProcessingErrors)
	slog.Error("Processor: terminal pipeline error", "error", err, "userID", user.UserID)
	if aerr := p.sendReply(ctx, user, "apology", apologyMessage, ""); aerr != nil {
		slog.Error("Processor: apology delivery failed", "error", aerr, "userID", user.UserID)
	}
	return nil
}

func terminal(err error) bool {
	var vErr *models.ValidationError
	var gErr *models.GenerationError
	var pErr *models.PermanentDeliveryError
	return errors.As(err, &vErr) || errors.As(err, &gErr) || errors.As(err, &pErr)
}
