package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ZapMentor/ZapMentor/internal/metrics"
	"github.com/ZapMentor/ZapMentor/internal/models"
)

type stubProvider struct {
	name  string
	text  string
	err   error
	calls int
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.text, nil
}

type memContentStore struct {
	contents []models.GeneratedContent
	err      error
}

func (s *memContentStore) AddContent(c models.GeneratedContent) error {
	if s.err != nil {
		return s.err
	}
	s.contents = append(s.contents, c)
	return nil
}

func TestGeneratePrimarySucceedsSkipsSecondary(t *testing.T) {
	primary := &stubProvider{name: "openai", text: "resposta principal"}
	secondary := &stubProvider{name: "fallback", text: "resposta reserva"}
	o := NewOrchestrator(primary, secondary, &memContentStore{}, metrics.NewRecorder())

	text, err := o.Generate(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "resposta principal" {
		t.Errorf("unexpected text: %q", text)
	}
	if primary.calls != 1 {
		t.Errorf("primary should get exactly one attempt, got %d", primary.calls)
	}
	if secondary.calls != 0 {
		t.Errorf("secondary must not be consulted when primary succeeds, got %d calls", secondary.calls)
	}
}

func TestGenerateFallsBackOnPrimaryFailure(t *testing.T) {
	primary := &stubProvider{name: "openai", err: errors.New("rate limited")}
	secondary := &stubProvider{name: "fallback", text: "resposta reserva"}
	o := NewOrchestrator(primary, secondary, &memContentStore{}, metrics.NewRecorder())

	text, err := o.Generate(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "resposta reserva" {
		t.Errorf("unexpected text: %q", text)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Errorf("expected one attempt each, got %d and %d", primary.calls, secondary.calls)
	}
}

func TestGenerateBothFailNamesBothCauses(t *testing.T) {
	primary := &stubProvider{name: "openai", err: errors.New("primary down")}
	secondary := &stubProvider{name: "fallback", err: errors.New("secondary down")}
	o := NewOrchestrator(primary, secondary, &memContentStore{}, metrics.NewRecorder())

	_, err := o.Generate(context.Background(), "sys", "user")
	var gErr *models.GenerationError
	if !errors.As(err, &gErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if gErr.PrimaryErr == nil || gErr.SecondaryErr == nil {
		t.Error("both causes must be carried")
	}
	if !strings.Contains(err.Error(), "primary down") || !strings.Contains(err.Error(), "secondary down") {
		t.Errorf("error should name both causes: %v", err)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Errorf("each provider gets exactly one attempt, got %d and %d", primary.calls, secondary.calls)
	}
}

func TestGenerateForPersistsBeforeReturning(t *testing.T) {
	primary := &stubProvider{name: "openai", text: "As três ferramentas mais úteis..."}
	st := &memContentStore{}
	o := NewOrchestrator(primary, &stubProvider{name: "fallback"}, st, metrics.NewRecorder())

	content, err := o.GenerateFor(context.Background(), models.GenerationRequest{
		Type:          models.RequestTypeToolRecommendation,
		Topic:         "automação de marketing",
		UserID:        "usr_1",
		InteractionID: "int_1",
	})
	if err != nil {
		t.Fatalf("GenerateFor failed: %v", err)
	}
	if len(st.contents) != 1 {
		t.Fatalf("expected one persisted record, got %d", len(st.contents))
	}
	stored := st.contents[0]
	if stored.ContentID != content.ContentID {
		t.Error("returned content must match the persisted record")
	}
	if stored.ContentType != models.RequestTypeToolRecommendation || stored.Topic != "automação de marketing" {
		t.Errorf("unexpected record: %+v", stored)
	}
	if stored.InteractionID != "int_1" {
		t.Errorf("record must link the originating interaction, got %q", stored.InteractionID)
	}
}

func TestGenerateForPersistFailureIsError(t *testing.T) {
	primary := &stubProvider{name: "openai", text: "texto"}
	st := &memContentStore{err: errors.New("disk full")}
	o := NewOrchestrator(primary, &stubProvider{name: "fallback"}, st, metrics.NewRecorder())

	if _, err := o.GenerateFor(context.Background(), models.GenerationRequest{Type: models.RequestTypeUserQuery, Query: "?"}); err == nil {
		t.Fatal("persistence failure must surface as an error")
	}
}

func TestGenerateSanitizesOutput(t *testing.T) {
	primary := &stubProvider{name: "openai", text: "<think>racional interno</think>\n\nResposta final limpa."}
	o := NewOrchestrator(primary, &stubProvider{name: "fallback"}, &memContentStore{}, metrics.NewRecorder())

	text, err := o.Generate(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if strings.Contains(text, "think") || strings.Contains(text, "racional") {
		t.Errorf("reasoning markup must be stripped: %q", text)
	}
	if !strings.Contains(text, "Resposta final limpa.") {
		t.Errorf("answer text lost in sanitation: %q", text)
	}
}
