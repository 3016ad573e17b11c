// Package normalize converts heterogeneous provider webhook payloads into the
// canonical inbound message shape.
//
// The set of recognized envelope shapes is closed: new providers are added as
// new variants here, never by loosening the canonical type. Unrecognized
// payloads normalize to nil so callers can acknowledge receipt without
// reprocessing.
package normalize

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ZapMentor/ZapMentor/internal/models"
	"github.com/tidwall/gjson"
)

// Normalize converts a raw provider payload into a canonical InboundMessage.
// It probes the known envelope shapes in order and returns the first match.
// Payloads carrying no actionable message (status callbacks, unknown shapes)
// return nil. Pure function: no side effects.
func Normalize(raw []byte) *models.InboundMessage {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return nil
	}

	if msg := normalizeGraph(raw); msg != nil {
		return msg
	}
	if msg := normalizeTwilio(raw); msg != nil {
		return msg
	}
	if msg := normalizeFlat(raw); msg != nil {
		return msg
	}

	slog.Debug("Normalize: unrecognized payload shape, ignoring", "size", len(raw))
	return nil
}

// normalizeGraph handles graph-style webhook batches:
// entry[0].changes[0].value.messages[0]. Status-only callbacks (value.statuses)
// carry no message and yield nil.
func normalizeGraph(raw []byte) *models.InboundMessage {
	value := gjson.GetBytes(raw, "entry.0.changes.0.value")
	if !value.Exists() {
		return nil
	}

	msg := value.Get("messages.0")
	if !msg.Exists() {
		// Delivery/read status callback: acknowledged, not processed.
		return nil
	}

	from := msg.Get("from").String()
	if from == "" {
		return nil
	}

	text := msg.Get("text.body").String()
	msgType := models.MessageTypeText
	if msg.Get("type").String() == "interactive" {
		msgType = models.MessageTypeInteractive
		if reply := msg.Get("interactive.button_reply.title"); reply.Exists() {
			text = reply.String()
		} else if reply := msg.Get("interactive.list_reply.title"); reply.Exists() {
			text = reply.String()
		}
	}
	if text == "" {
		// Media and other non-text kinds are not actionable here.
		return nil
	}

	ts := time.Now()
	if rawTS := msg.Get("timestamp").String(); rawTS != "" {
		if unix, err := strconv.ParseInt(rawTS, 10, 64); err == nil {
			ts = time.Unix(unix, 0)
		}
	}

	return &models.InboundMessage{
		MessageID:   msg.Get("id").String(),
		PhoneNumber: from,
		Text:        text,
		Type:        msgType,
		Timestamp:   ts,
	}
}

// normalizeTwilio handles Twilio-style JSON payloads with From/Body/MessageSid
// fields. The "whatsapp:" channel prefix is stripped from the sender.
func normalizeTwilio(raw []byte) *models.InboundMessage {
	from := gjson.GetBytes(raw, "From")
	body := gjson.GetBytes(raw, "Body")
	if !from.Exists() || !body.Exists() {
		return nil
	}
	if body.String() == "" {
		return nil
	}

	return &models.InboundMessage{
		MessageID:   gjson.GetBytes(raw, "MessageSid").String(),
		PhoneNumber: strings.TrimPrefix(from.String(), "whatsapp:"),
		Text:        body.String(),
		Type:        models.MessageTypeText,
		Timestamp:   time.Now(),
	}
}

// normalizeFlat handles the flat bridge shape {from, text, id, timestamp}.
func normalizeFlat(raw []byte) *models.InboundMessage {
	from := gjson.GetBytes(raw, "from")
	text := gjson.GetBytes(raw, "text")
	if !from.Exists() || !text.Exists() {
		return nil
	}
	if from.String() == "" || text.String() == "" {
		return nil
	}

	ts := time.Now()
	if rawTS := gjson.GetBytes(raw, "timestamp"); rawTS.Exists() && rawTS.Int() > 0 {
		ts = time.Unix(rawTS.Int(), 0)
	}

	return &models.InboundMessage{
		MessageID:   gjson.GetBytes(raw, "id").String(),
		PhoneNumber: from.String(),
		Text:        text.String(),
		Type:        models.MessageTypeText,
		Timestamp:   ts,
	}
}
