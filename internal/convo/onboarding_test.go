package convo

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/ZapMentor/ZapMentor/internal/models"
	"github.com/ZapMentor/ZapMentor/internal/store"
)

type fakeDeliverer struct {
	bodies []string
	err    error
}

func (d *fakeDeliverer) Deliver(ctx context.Context, recipient, body, interactionID string) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	d.bodies = append(d.bodies, body)
	return "mid-1", nil
}

func TestOnboardingFullSequence(t *testing.T) {
	st := store.NewInMemoryStore()
	deliver := &fakeDeliverer{}
	ob := NewOnboarding(st, deliver)

	user, _, err := st.GetOrCreateUser("5511999999999")
	if err != nil {
		t.Fatalf("GetOrCreateUser failed: %v", err)
	}

	answers := []string{
		"oi",
		"analista de marketing",
		"automação, análise de dados",
		"ChatGPT e Canva",
		"falta de tempo; orçamento curto",
	}
	wantSteps := []models.OnboardingStep{
		models.StepProfileQuestion,
		models.StepInterestsQuestion,
		models.StepToolsQuestion,
		models.StepChallengesQuestion,
		models.StepNone,
	}

	for i, answer := range answers {
		current, err := st.GetUser(user.UserID)
		if err != nil {
			t.Fatalf("GetUser failed: %v", err)
		}
		if err := ob.Handle(context.Background(), current, answer, fmt.Sprintf("in_%d", i)); err != nil {
			t.Fatalf("step %d: Handle failed: %v", i, err)
		}
		after, _ := st.GetUser(user.UserID)
		if after.OnboardingStep != wantSteps[i] {
			t.Fatalf("step %d: expected %s, got %s", i, wantSteps[i], after.OnboardingStep)
		}
	}

	final, _ := st.GetUser(user.UserID)
	if !final.OnboardingCompleted {
		t.Error("user should be completed after the full sequence")
	}
	if final.Profile.Role != "analista de marketing" {
		t.Errorf("role not persisted: %+v", final.Profile)
	}
	if len(final.Preferences.Interests) != 2 {
		t.Errorf("interests not split: %v", final.Preferences.Interests)
	}
	if len(final.Profile.ToolsUsed) != 2 {
		t.Errorf("tools answer should split on 'e': %v", final.Profile.ToolsUsed)
	}
	if len(final.Profile.Challenges) != 2 {
		t.Errorf("challenges answer should split on ';': %v", final.Profile.Challenges)
	}

	if len(deliver.bodies) != len(answers) {
		t.Fatalf("expected one prompt per answer, got %d", len(deliver.bodies))
	}
	if !strings.Contains(deliver.bodies[0], "cargo") {
		t.Errorf("first prompt should ask the profile question: %q", deliver.bodies[0])
	}
	if !strings.Contains(deliver.bodies[len(deliver.bodies)-1], "/ferramenta") {
		t.Errorf("final prompt should introduce the commands: %q", deliver.bodies[len(deliver.bodies)-1])
	}
}

func TestOnboardingConcurrentDuplicateDropped(t *testing.T) {
	st := store.NewInMemoryStore()
	deliver := &fakeDeliverer{}
	ob := NewOnboarding(st, deliver)

	user, _, _ := st.GetOrCreateUser("5511999999999")

	// Snapshot the user at welcome, then process the same snapshot twice to
	// simulate two queue workers racing the same step.
	snapshot, _ := st.GetUser(user.UserID)
	if err := ob.Handle(context.Background(), snapshot, "oi", "in_1"); err != nil {
		t.Fatalf("first Handle failed: %v", err)
	}
	if err := ob.Handle(context.Background(), snapshot, "oi de novo", "in_2"); err != nil {
		t.Fatalf("duplicate Handle should be dropped silently: %v", err)
	}

	after, _ := st.GetUser(user.UserID)
	if after.OnboardingStep != models.StepProfileQuestion {
		t.Errorf("step advanced twice: %s", after.OnboardingStep)
	}
	if len(deliver.bodies) != 1 {
		t.Errorf("dropped duplicate must not send a prompt, got %d sends", len(deliver.bodies))
	}
}

func TestOnboardingRecordsOutboundPrompt(t *testing.T) {
	st := store.NewInMemoryStore()
	ob := NewOnboarding(st, &fakeDeliverer{})

	user, _, _ := st.GetOrCreateUser("5511999999999")
	snapshot, _ := st.GetUser(user.UserID)
	if err := ob.Handle(context.Background(), snapshot, "oi", "in_1"); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	recent, _ := st.ListRecentInteractions(user.UserID, 5)
	if len(recent) != 1 {
		t.Fatalf("expected one ledger entry for the prompt, got %d", len(recent))
	}
	if recent[0].Direction != models.DirectionOutgoing || recent[0].ContentType != "onboarding_prompt" {
		t.Errorf("unexpected ledger entry: %+v", recent[0])
	}
	if recent[0].ReplyTo != "in_1" {
		t.Errorf("prompt should reference the triggering interaction, got %q", recent[0].ReplyTo)
	}
}

func TestSplitList(t *testing.T) {
	cases := []struct {
		input string
		want  int
	}{
		{"a, b, c", 3},
		{"um e dois", 2},
		{"único", 1},
		{"", 0},
		{" ; , ", 0},
	}
	for _, tc := range cases {
		if got := splitList(tc.input); len(got) != tc.want {
			t.Errorf("splitList(%q) = %v, want %d items", tc.input, got, tc.want)
		}
	}
}
