package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ZapMentor/ZapMentor/internal/models"
)

func TestGetOrCreateUserIdempotent(t *testing.T) {
	st := NewInMemoryStore()

	u1, created, err := st.GetOrCreateUser("5511999999999")
	if err != nil {
		t.Fatalf("first GetOrCreateUser failed: %v", err)
	}
	if !created {
		t.Error("first contact should create the user")
	}
	if u1.OnboardingStep != models.StepWelcome {
		t.Errorf("new user should start at welcome, got %s", u1.OnboardingStep)
	}

	u2, created, err := st.GetOrCreateUser("5511999999999")
	if err != nil {
		t.Fatalf("second GetOrCreateUser failed: %v", err)
	}
	if created {
		t.Error("second contact should not create a user")
	}
	if u2.UserID != u1.UserID {
		t.Errorf("expected same user id, got %s and %s", u1.UserID, u2.UserID)
	}
}

func TestGetOrCreateUserConcurrent(t *testing.T) {
	st := NewInMemoryStore()

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, _, err := st.GetOrCreateUser("5511888887777")
			if err != nil {
				t.Errorf("GetOrCreateUser failed: %v", err)
				return
			}
			ids[i] = u.UserID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent first contacts diverged: %s vs %s", ids[0], ids[i])
		}
	}
}

func TestAdvanceOnboardingConflict(t *testing.T) {
	st := NewInMemoryStore()
	u, _, err := st.GetOrCreateUser("5511999999999")
	if err != nil {
		t.Fatalf("GetOrCreateUser failed: %v", err)
	}

	profile := models.Profile{Role: "analista de marketing"}
	if err := st.AdvanceOnboarding(u.UserID, models.StepWelcome, models.StepProfileQuestion, profile, models.Preferences{}); err != nil {
		t.Fatalf("first advance failed: %v", err)
	}

	// Same transition again must conflict: the step already moved.
	err = st.AdvanceOnboarding(u.UserID, models.StepWelcome, models.StepProfileQuestion, profile, models.Preferences{})
	if !errors.Is(err, ErrStepConflict) {
		t.Fatalf("expected ErrStepConflict, got %v", err)
	}

	got, err := st.GetUser(u.UserID)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got.OnboardingStep != models.StepProfileQuestion {
		t.Errorf("step should be profile_question, got %s", got.OnboardingStep)
	}
	if got.Profile.Role != "analista de marketing" {
		t.Errorf("profile write lost: %+v", got.Profile)
	}
}

func TestAdvanceOnboardingCompletion(t *testing.T) {
	st := NewInMemoryStore()
	u, _, _ := st.GetOrCreateUser("5511999999999")

	steps := []models.OnboardingStep{
		models.StepWelcome, models.StepProfileQuestion, models.StepInterestsQuestion,
		models.StepToolsQuestion, models.StepChallengesQuestion, models.StepFinishing,
	}
	for i, from := range steps {
		to := models.StepNone
		if i+1 < len(steps) {
			to = steps[i+1]
		}
		if err := st.AdvanceOnboarding(u.UserID, from, to, models.Profile{}, models.Preferences{}); err != nil {
			t.Fatalf("advance %s -> %s failed: %v", from, to, err)
		}
	}

	got, _ := st.GetUser(u.UserID)
	if !got.OnboardingCompleted {
		t.Error("user should be marked completed")
	}
	if got.OnboardingStep != models.StepNone {
		t.Errorf("completed user step should be none, got %s", got.OnboardingStep)
	}
}

func TestAdvanceOnboardingHealsUnknownStep(t *testing.T) {
	st := NewInMemoryStore()
	u, _, _ := st.GetOrCreateUser("5511999999999")

	// A corrupted step value reads back as welcome; the advance from welcome
	// must still match the row, or every later message from this user is
	// dropped as a step conflict.
	st.mu.Lock()
	st.users[u.UserID].OnboardingStep = "garbage"
	st.mu.Unlock()

	err := st.AdvanceOnboarding(u.UserID, models.StepWelcome, models.StepProfileQuestion, models.Profile{}, models.Preferences{})
	if err != nil {
		t.Fatalf("restart advance over a corrupted step failed: %v", err)
	}

	got, _ := st.GetUser(u.UserID)
	if got.OnboardingStep != models.StepProfileQuestion {
		t.Errorf("expected profile_question after the restart, got %s", got.OnboardingStep)
	}

	// The heal only applies to the welcome restart; other transitions still
	// conflict on a mismatched step.
	err = st.AdvanceOnboarding(u.UserID, models.StepToolsQuestion, models.StepChallengesQuestion, models.Profile{}, models.Preferences{})
	if !errors.Is(err, ErrStepConflict) {
		t.Fatalf("expected ErrStepConflict for a mismatched transition, got %v", err)
	}
}

func TestInteractionLedger(t *testing.T) {
	st := NewInMemoryStore()
	u, _, _ := st.GetOrCreateUser("5511999999999")

	in := models.Interaction{
		InteractionID:  "int_1",
		UserID:         u.UserID,
		Timestamp:      time.Now(),
		Direction:      models.DirectionOutgoing,
		ContentType:    "trend_report",
		Content:        "as tendências...",
		DeliveryStatus: models.DeliveryStatusPending,
	}
	if err := st.AddInteraction(in); err != nil {
		t.Fatalf("AddInteraction failed: %v", err)
	}

	if err := st.UpdateInteractionDelivery("int_1", models.DeliveryStatusSent, "wamid.xyz"); err != nil {
		t.Fatalf("UpdateInteractionDelivery failed: %v", err)
	}

	got, err := st.GetInteraction("int_1")
	if err != nil {
		t.Fatalf("GetInteraction failed: %v", err)
	}
	if got.DeliveryStatus != models.DeliveryStatusSent {
		t.Errorf("unexpected status: %s", got.DeliveryStatus)
	}
	if got.MessageID != "wamid.xyz" {
		t.Errorf("unexpected message id: %s", got.MessageID)
	}
	if got.Content != "as tendências..." {
		t.Errorf("content must be immutable, got %q", got.Content)
	}
}

func TestListRecentInteractionsOrder(t *testing.T) {
	st := NewInMemoryStore()
	u, _, _ := st.GetOrCreateUser("5511999999999")

	for _, id := range []string{"int_a", "int_b", "int_c"} {
		st.AddInteraction(models.Interaction{InteractionID: id, UserID: u.UserID, Direction: models.DirectionIncoming})
	}

	recent, err := st.ListRecentInteractions(u.UserID, 2)
	if err != nil {
		t.Fatalf("ListRecentInteractions failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	if recent[0].InteractionID != "int_c" || recent[1].InteractionID != "int_b" {
		t.Errorf("expected newest first, got %s then %s", recent[0].InteractionID, recent[1].InteractionID)
	}
}

func TestSecretRoundTrip(t *testing.T) {
	st := NewInMemoryStore()

	if _, _, err := st.GetSecret("missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	exp := time.Now().Add(time.Hour)
	if err := st.PutSecret("wa_access_token", "tok-1", &exp); err != nil {
		t.Fatalf("PutSecret failed: %v", err)
	}
	value, meta, err := st.GetSecret("wa_access_token")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if value != "tok-1" {
		t.Errorf("unexpected value: %s", value)
	}
	if meta.ExpiresAt == nil || !meta.ExpiresAt.Equal(exp) {
		t.Errorf("unexpected expiry: %v", meta.ExpiresAt)
	}
}
