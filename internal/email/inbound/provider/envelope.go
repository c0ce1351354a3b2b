package provider

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// EventEmailReceived is the only reply webhook type acted upon.
const EventEmailReceived = "email.received"

// Structural signatures used to tell payload shapes apart. They only pin what
// the dispatch relies on; everything else stays permissive.
var (
	receivedEnvelopeSchema = mustSchema(`{
		"type": "object",
		"required": ["type"],
		"properties": {
			"type": {"const": "email.received"},
			"data": {"type": "object"}
		}
	}`)
	sendGridBatchSchema = mustSchema(`{"type": "array"}`)
	envelopeSchema = mustSchema(`{"type": "object"}`)
)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("provider: invalid built-in schema: %v", err))
	}
	return schema
}

func matches(schema *gojsonschema.Schema, raw []byte) bool {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return false
	}
	return result.Valid()
}

// DetectReplyEnvelope classifies a reply webhook body. Anything that is not an
// email.received envelope comes back with Kind EnvelopeIgnored.
func DetectReplyEnvelope(raw []byte) (ReplyEnvelope, error) {
	v, err := decodeJSON(raw)
	if err != nil {
		return ReplyEnvelope{}, err
	}
	obj := asObject(v)
	env := ReplyEnvelope{Type: firstString(obj, "type")}
	if !matches(receivedEnvelopeSchema, raw) {
		return env, nil
	}
	data := asObject(obj["data"])
	env.EmailID = firstString(data, "email_id", "emailId", "id")
	if env.EmailID == "" {
		return env, nil
	}
	env.Kind = EnvelopeEmailReceived
	env.Attachments = attachmentsFrom(data["attachments"])
	return env, nil
}

// DetectDeliveryBatch parses a delivery-status webhook. A JSON array is a
// SendGrid event batch whose non-object entries are dropped; any other JSON
// value is treated as a single Resend envelope (possibly with nothing usable
// in it).
func DetectDeliveryBatch(raw []byte) (DeliveryBatch, error) {
	v, err := decodeJSON(raw)
	if err != nil {
		return DeliveryBatch{}, err
	}

	if matches(sendGridBatchSchema, raw) {
		batch := DeliveryBatch{Provider: DeliverySendGrid, Batch: true}
		for _, item := range asList(v) {
			if ev := asObject(item); ev != nil {
				batch.Events = append(batch.Events, sendGridEvent(ev))
			}
		}
		return batch, nil
	}

	batch := DeliveryBatch{Provider: DeliveryResend}
	if !matches(envelopeSchema, raw) {
		batch.Events = []DeliveryEvent{{Provider: DeliveryResend}}
		return batch, nil
	}
	batch.Events = []DeliveryEvent{resendEvent(asObject(v))}
	return batch, nil
}

func sendGridEvent(ev map[string]interface{}) DeliveryEvent {
	out := DeliveryEvent{
		Provider:  DeliverySendGrid,
		Type:      strings.ToLower(firstString(ev, "event")),
		MessageID: firstString(ev, "sg_message_id", "smtp-id", "message_id", "messageId"),
		Reason:    firstString(ev, "reason", "response", "status"),
	}
	// sg_message_id is the X-Message-Id plus a ".filter..." suffix; smtp-id is
	// the Message-ID header of the sent mail.
	var alts []string
	if sg := firstString(ev, "sg_message_id"); sg != "" {
		if xid, _, ok := strings.Cut(sg, ".filter"); ok {
			alts = append(alts, xid)
		}
	}
	alts = append(alts, firstString(ev, "smtp-id"), firstString(ev, "message_id", "messageId"))
	out.AltMessageIDs = alternates(out.MessageID, alts...)
	if ts := firstString(ev, "timestamp"); ts != "" {
		if sec, err := strconv.ParseFloat(ts, 64); err == nil && sec > 0 {
			out.OccurredAt = time.UnixMilli(int64(math.Round(sec * 1000))).UTC()
		}
	}
	return out
}

func resendEvent(body map[string]interface{}) DeliveryEvent {
	data := asObject(body["data"])
	if data == nil {
		if payload := asObject(body["payload"]); payload != nil {
			data = asObject(payload["data"])
		}
	}
	if data == nil {
		data = body
	}

	out := DeliveryEvent{
		Provider: DeliveryResend,
		Type:     firstString(body, "type", "event_type"),
	}
	if out.Type == "" {
		out.Type = firstString(data, "type", "event_type")
	}
	out.MessageID = firstString(data, "email_id", "emailId", "id")
	if out.MessageID == "" {
		out.MessageID = firstString(body, "email_id", "emailId", "id")
	}
	out.AltMessageIDs = alternates(out.MessageID,
		firstString(data, "message_id", "messageId"),
		NormalizeHeaders(data["headers"])["message-id"])
	if bounce := asObject(data["bounce"]); bounce != nil {
		out.Reason = firstString(bounce, "type")
		if out.Reason == "" {
			out.Reason = firstString(bounce, "reason")
		}
	}
	if out.Reason == "" {
		out.Reason = firstString(data, "error", "message", "reason")
	}
	if created := firstString(data, "created_at"); created != "" {
		if t, err := parseTimestamp(created); err == nil {
			out.OccurredAt = t
		}
	}
	return out
}

func alternates(primary string, ids ...string) []string {
	var out []string
	seen := map[string]bool{strings.TrimSpace(primary): true}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func parseTimestamp(s string) (time.Time, error) {
	layouts := []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999-07", "2006-01-02 15:04:05.999999Z07:00", "2006-01-02T15:04:05"}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, strings.TrimSpace(s))
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
