// Package models defines the core data structures for ZapMentor.
//
// It includes the canonical inbound message shape, user and interaction
// records, generation requests, and the queue envelope shared across modules.
package models

import "time"

// Validation constants for input validation
const (
	// MaxMessageBodyLength defines the channel limit for a single outbound message
	MaxMessageBodyLength = 4096
	// MinPhoneNumberDigits defines the minimum digits for a canonical phone number
	MinPhoneNumberDigits = 8
)

// MessageType describes the content kind of an inbound message.
type MessageType string

const (
	// MessageTypeText is a plain text message.
	MessageTypeText MessageType = "text"
	// MessageTypeInteractive is a button or list reply.
	MessageTypeInteractive MessageType = "interactive"
)

// InboundMessage is the provider-agnostic representation of one inbound
// message. Provider payloads are converted to this shape by the normalizer.
type InboundMessage struct {
	MessageID   string      `json:"message_id"`
	PhoneNumber string      `json:"phone_number"`
	Text        string      `json:"text"`
	Type        MessageType `json:"type"`
	Timestamp   time.Time   `json:"timestamp"`
}

// OnboardingStep identifies one step of the fixed onboarding sequence.
type OnboardingStep string

const (
	StepWelcome            OnboardingStep = "welcome"
	StepProfileQuestion    OnboardingStep = "profile_question"
	StepInterestsQuestion  OnboardingStep = "interests_question"
	StepToolsQuestion      OnboardingStep = "tools_question"
	StepChallengesQuestion OnboardingStep = "challenges_question"
	StepFinishing          OnboardingStep = "finishing"
	// StepNone is the step value once onboarding has completed.
	StepNone OnboardingStep = "none"
)

// onboardingOrder defines the total order of the onboarding sequence.
var onboardingOrder = []OnboardingStep{
	StepWelcome,
	StepProfileQuestion,
	StepInterestsQuestion,
	StepToolsQuestion,
	StepChallengesQuestion,
	StepFinishing,
}

// KnownStep reports whether s is one of the defined step values.
func KnownStep(s string) bool {
	if s == string(StepNone) {
		return true
	}
	for _, step := range onboardingOrder {
		if string(step) == s {
			return true
		}
	}
	return false
}

// StepValues returns every defined step value, including StepNone.
func StepValues() []string {
	out := make([]string, 0, len(onboardingOrder)+1)
	for _, step := range onboardingOrder {
		out = append(out, string(step))
	}
	return append(out, string(StepNone))
}

// ParseStep maps a stored step value to a known step. Unknown values map to
// StepWelcome so a corrupted record restarts the flow instead of wedging it.
func ParseStep(s string) OnboardingStep {
	for _, step := range onboardingOrder {
		if string(step) == s {
			return step
		}
	}
	if s == string(StepNone) {
		return StepNone
	}
	return StepWelcome
}

// NextStep returns the step following s in the fixed sequence. The terminal
// steps (finishing, none) return StepNone.
func NextStep(s OnboardingStep) OnboardingStep {
	for i, step := range onboardingOrder {
		if step == s && i+1 < len(onboardingOrder) {
			return onboardingOrder[i+1]
		}
	}
	return StepNone
}

// StepIndex returns the position of s in the onboarding order, or -1 for
// values outside the sequence. Used to enforce monotonic advancement.
func StepIndex(s OnboardingStep) int {
	for i, step := range onboardingOrder {
		if step == s {
			return i
		}
	}
	return -1
}

// Profile holds the answers collected during onboarding.
type Profile struct {
	Role       string   `json:"role,omitempty"`
	Objective  string   `json:"objective,omitempty"`
	ToolsUsed  []string `json:"tools_used,omitempty"`
	Challenges []string `json:"challenges,omitempty"`
	Industry   string   `json:"industry,omitempty"`
	Location   string   `json:"location,omitempty"`
}

// Preferences holds the user's content preferences.
type Preferences struct {
	Interests        []string `json:"interests,omitempty"`
	MessageFrequency string   `json:"message_frequency,omitempty"`
	ContentTypes     []string `json:"content_types,omitempty"`
}

// Engagement tracks aggregate interaction metrics per user.
type Engagement struct {
	Score         float64 `json:"score"`
	TotalMessages int     `json:"total_messages"`
	ResponseRate  float64 `json:"response_rate"`
}

// User represents one end user, keyed by a generated id with a unique
// secondary lookup on the normalized phone number.
type User struct {
	UserID              string         `json:"user_id"`
	PhoneNumber         string         `json:"phone_number"`
	OnboardingCompleted bool           `json:"onboarding_completed"`
	OnboardingStep      OnboardingStep `json:"onboarding_step"`
	Profile             Profile        `json:"profile"`
	Preferences         Preferences    `json:"preferences"`
	Engagement          Engagement     `json:"engagement"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Direction indicates whether an interaction was received or sent.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// DeliveryStatus represents the delivery state of an outbound interaction.
type DeliveryStatus string

const (
	// DeliveryStatusNone marks rows the status does not apply to, such as
	// inbound interactions.
	DeliveryStatusNone      DeliveryStatus = "none"
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// Interaction is one entry of the append-only ledger. Only DeliveryStatus
// and MessageID are ever updated after insert.
type Interaction struct {
	InteractionID  string         `json:"interaction_id"`
	UserID         string         `json:"user_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Direction      Direction      `json:"direction"`
	ContentType    string         `json:"content_type"`
	Content        string         `json:"content"`
	ReplyTo        string         `json:"reply_to,omitempty"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	MessageID      string         `json:"message_id,omitempty"`
}

// RequestType identifies the kind of content a generation request produces.
type RequestType string

const (
	RequestTypeToolRecommendation RequestType = "tool_recommendation"
	RequestTypeCaseStudy          RequestType = "case_study"
	RequestTypeTrendReport        RequestType = "trend_report"
	RequestTypeUserQuery          RequestType = "user_query"
	// RequestTypeUnknownCommand marks an unmapped command token. It is never
	// forwarded to the generation orchestrator.
	RequestTypeUnknownCommand RequestType = "unknown_command"
)

// GenerationRequest is the transient unit of one generation-and-delivery
// cycle.
type GenerationRequest struct {
	Type          RequestType `json:"type"`
	Topic         string      `json:"topic,omitempty"`
	Query         string      `json:"query,omitempty"`
	UserID        string      `json:"user_id"`
	InteractionID string      `json:"interaction_id"`
	Profile       Profile     `json:"profile"`
}

// GeneratedContent is a durable record of one successful generation, written
// before delivery is attempted.
type GeneratedContent struct {
	ContentID     string      `json:"content_id"`
	UserID        string      `json:"user_id"`
	ContentType   RequestType `json:"content_type"`
	Topic         string      `json:"topic,omitempty"`
	Content       string      `json:"content"`
	InteractionID string      `json:"interaction_id"`
	CreatedAt     time.Time   `json:"created_at"`
}

// ConversationStage distinguishes onboarding from regular conversation.
type ConversationStage string

const (
	StageOnboarding ConversationStage = "onboarding"
	StageRegular    ConversationStage = "regular"
)

// ConversationContext is derived per inbound message from the user record
// plus recent ledger entries. It is never persisted as its own entity.
type ConversationContext struct {
	Stage            ConversationStage `json:"stage"`
	Step             OnboardingStep    `json:"step,omitempty"`
	RecentTopics     []string          `json:"recent_topics,omitempty"`
	ActiveCommands   []string          `json:"active_commands,omitempty"`
	PendingResponses []string          `json:"pending_responses,omitempty"`
}

// EnvelopeType identifies the classification carried by a queue envelope.
type EnvelopeType string

const (
	EnvelopeTypeCommand EnvelopeType = "command"
	EnvelopeTypeMessage EnvelopeType = "message"
)

// Envelope is the JSON unit consumed from the durable queue by the
// conversation stage.
type Envelope struct {
	Type          EnvelopeType        `json:"type"`
	UserID        string              `json:"userId"`
	InteractionID string              `json:"interactionId"`
	Content       string              `json:"content,omitempty"`
	FullCommand   string              `json:"fullCommand,omitempty"`
	Context       ConversationContext `json:"context"`
}

// Credential is the long-lived secret authorizing delivery channel calls.
// At most one live value exists per deployment.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExpiresWithin reports whether the credential expires within the margin.
// A zero ExpiresAt is treated as never expiring.
func (c Credential) ExpiresWithin(margin time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(c.ExpiresAt) <= margin
}
