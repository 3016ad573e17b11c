package convo

import (
	"testing"

	"github.com/ZapMentor/ZapMentor/internal/models"
)

func TestRouteGenerationCommands(t *testing.T) {
	cases := []struct {
		input string
		typ   models.RequestType
		topic string
	}{
		{"/ferramenta automação de marketing", models.RequestTypeToolRecommendation, "automação de marketing"},
		{"/caso varejo", models.RequestTypeCaseStudy, "varejo"},
		{"/tendencia inteligência artificial", models.RequestTypeTrendReport, "inteligência artificial"},
		{"/tendência inteligência artificial", models.RequestTypeTrendReport, "inteligência artificial"},
		{"/TENDENCIA saúde", models.RequestTypeTrendReport, "saúde"},
		{"#caso logística", models.RequestTypeCaseStudy, "logística"},
		{"/ferramenta", models.RequestTypeToolRecommendation, ""},
	}

	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			routed := Route(tc.input)
			if routed.Kind != KindGenerate {
				t.Fatalf("expected generation command, got kind %d", routed.Kind)
			}
			if routed.Type != tc.typ {
				t.Errorf("expected type %s, got %s", tc.typ, routed.Type)
			}
			if routed.Topic != tc.topic {
				t.Errorf("expected topic %q, got %q", tc.topic, routed.Topic)
			}
		})
	}
}

func TestRouteHelpCommands(t *testing.T) {
	for _, input := range []string{"/ajuda", "/menu", "/comandos", "/help", "#ajuda"} {
		routed := Route(input)
		if routed.Kind != KindHelp {
			t.Errorf("%q should route to help, got kind %d", input, routed.Kind)
		}
	}
}

func TestRouteUnknownCommand(t *testing.T) {
	routed := Route("/foo alguma coisa")
	if routed.Kind != KindUnknown {
		t.Fatalf("expected unknown kind, got %d", routed.Kind)
	}
	if routed.Type != models.RequestTypeUnknownCommand {
		t.Errorf("expected unknown_command type, got %s", routed.Type)
	}
}

func TestClassifyOnboardingUser(t *testing.T) {
	user := &models.User{UserID: "usr_1", OnboardingStep: models.StepInterestsQuestion}

	// Even command-looking text stays in the onboarding flow.
	envType, ctx, text := Classify(user, "/ferramenta crm")
	if envType != models.EnvelopeTypeMessage {
		t.Errorf("onboarding input must classify as message, got %s", envType)
	}
	if ctx.Stage != models.StageOnboarding {
		t.Errorf("expected onboarding stage, got %s", ctx.Stage)
	}
	if ctx.Step != models.StepInterestsQuestion {
		t.Errorf("context should carry the current step, got %s", ctx.Step)
	}
	if text != "/ferramenta crm" {
		t.Errorf("text should pass through, got %q", text)
	}
}

func TestClassifyCompletedUser(t *testing.T) {
	user := &models.User{UserID: "usr_1", OnboardingCompleted: true, OnboardingStep: models.StepNone}

	envType, ctx, _ := Classify(user, "  /caso varejo ")
	if envType != models.EnvelopeTypeCommand {
		t.Errorf("slash text should classify as command, got %s", envType)
	}
	if ctx.Stage != models.StageRegular {
		t.Errorf("expected regular stage, got %s", ctx.Stage)
	}

	envType, _, _ = Classify(user, "qual ferramenta usar para planilhas?")
	if envType != models.EnvelopeTypeMessage {
		t.Errorf("free text should classify as message, got %s", envType)
	}
}

func TestClassifyBareMenuWords(t *testing.T) {
	user := &models.User{UserID: "usr_1", OnboardingCompleted: true}

	envType, _, text := Classify(user, "Ajuda")
	if envType != models.EnvelopeTypeCommand {
		t.Fatalf("bare menu word should classify as command, got %s", envType)
	}
	if text != "/ajuda" {
		t.Errorf("bare word should rewrite to the command form, got %q", text)
	}
}
