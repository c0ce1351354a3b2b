package provider

import (
	"strings"
)

// ParseReceivedEmail decodes the provider's received-email object. A payload
// wrapped in {"data": {...}} is unwrapped first.
func ParseReceivedEmail(raw []byte) (*ReceivedEmail, error) {
	v, err := decodeJSON(raw)
	if err != nil {
		return nil, err
	}
	obj := asObject(v)
	if obj == nil {
		return &ReceivedEmail{Source: SourceResend, Headers: map[string]string{}}, nil
	}
	if inner := asObject(obj["data"]); inner != nil && firstString(obj, "id", "from") == "" {
		obj = inner
	}
	return receivedFromObject(obj), nil
}

func receivedFromObject(obj map[string]interface{}) *ReceivedEmail {
	email := &ReceivedEmail{
		ID:         firstString(obj, "id", "email_id", "emailId"),
		Source:     SourceResend,
		From:       strings.TrimSpace(stringOrJoined(obj["from"], ", ")),
		To:         stringList(obj["to"]),
		Subject:    firstString(obj, "subject"),
		Text:       firstString(obj, "text"),
		HTML:       firstString(obj, "html"),
		Headers:    NormalizeHeaders(obj["headers"]),
		InReplyTo:  firstString(obj, "in_reply_to", "inReplyTo"),
		References: stringOrJoined(firstPresent(obj, "references", "References"), " "),
	}
	if rawObj := asObject(obj["raw"]); rawObj != nil {
		email.RawURL = firstString(rawObj, "download_url", "downloadUrl")
	}
	email.Attachments = attachmentsFrom(obj["attachments"])
	return email
}

func firstPresent(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func attachmentsFrom(v interface{}) []AttachmentMeta {
	list := asList(v)
	if len(list) == 0 {
		return nil
	}
	out := make([]AttachmentMeta, 0, len(list))
	for _, item := range list {
		if obj := asObject(item); obj != nil {
			out = append(out, attachmentFromObject(obj))
		}
	}
	return out
}

func attachmentFromObject(obj map[string]interface{}) AttachmentMeta {
	return AttachmentMeta{
		ID:          firstString(obj, "id", "attachment_id", "attachmentId"),
		Filename:    firstString(obj, "filename", "name"),
		ContentType: firstString(obj, "content_type", "contentType"),
		Size:        int64Field(obj, "size"),
		DownloadURL: firstString(obj, "download_url", "downloadUrl", "url"),
	}
}

// ParseAttachmentList decodes the attachment listing endpoint, which answers
// either {"data": [...]} or a bare array.
func ParseAttachmentList(raw []byte) ([]AttachmentMeta, error) {
	v, err := decodeJSON(raw)
	if err != nil {
		return nil, err
	}
	if obj := asObject(v); obj != nil {
		return attachmentsFrom(obj["data"]), nil
	}
	return attachmentsFrom(v), nil
}

// ParseAttachment decodes a single attachment metadata object, unwrapping
// {"data": {...}} when present.
func ParseAttachment(raw []byte) (AttachmentMeta, error) {
	v, err := decodeJSON(raw)
	if err != nil {
		return AttachmentMeta{}, err
	}
	obj := asObject(v)
	if obj == nil {
		return AttachmentMeta{}, nil
	}
	if inner := asObject(obj["data"]); inner != nil {
		obj = inner
	}
	return attachmentFromObject(obj), nil
}
