package evolution

import (
	"encoding/json"
	"strings"
)

// Event names after normalization. Evolution emits both dotted
// ("messages.upsert") and underscored ("MESSAGES_UPSERT") forms
// depending on version and transport.
const (
	EventMessagesUpsert   = "MESSAGES_UPSERT"
	EventMessagesUpdate   = "MESSAGES_UPDATE"
	EventQRCodeUpdated    = "QRCODE_UPDATED"
	EventConnectionUpdate = "CONNECTION_UPDATE"
	EventSendMessage      = "SEND_MESSAGE"
)

// MessageKey identifies a message within a chat on the Baileys side.
type MessageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

// Message is one entry of a messages.upsert payload. Only the fields
// the dispatcher needs are decoded; the rest of the (large) Baileys
// message object is ignored.
type Message struct {
	Key     MessageKey      `json:"key"`
	From    string          `json:"from"`
	Message json.RawMessage `json:"message"`

	// Flat text fields used by webhookByEvents payloads.
	FlatText string `json:"text"`
	Body     string `json:"body"`
	Caption  string `json:"caption"`
}

// messageContent is the subset of a Baileys message object that can
// carry user-visible text.
type messageContent struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ButtonsResponseMessage *struct {
		SelectedButtonID string `json:"selectedButtonId"`
	} `json:"buttonsResponseMessage"`
	ListResponseMessage *struct {
		SingleSelectReply struct {
			SelectedRowID string `json:"selectedRowId"`
		} `json:"singleSelectReply"`
	} `json:"listResponseMessage"`
}

// WebhookEvent is a decoded Evolution webhook delivery.
type WebhookEvent struct {
	Event    string
	Sender   string
	Messages []Message
	Data     json.RawMessage
}

// rawWebhook matches the envelope variants Evolution produces. data can
// be an object, an array of messages, or absent with a top-level
// messages array.
type rawWebhook struct {
	Event    string          `json:"event"`
	Type     string          `json:"type"`
	Sender   string          `json:"sender"`
	Data     json.RawMessage `json:"data"`
	Messages []Message       `json:"messages"`
}

// NormalizeEventName maps "messages.upsert" and friends onto the
// canonical underscored uppercase form.
func NormalizeEventName(name string) string {
	return strings.ReplaceAll(strings.ToUpper(name), ".", "_")
}

// ParseWebhook decodes a webhook body into a WebhookEvent. It accepts
// every payload shape Evolution is known to produce: data as a message
// object, data.messages as an array, data as an array, or a top-level
// messages array.
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	var raw rawWebhook
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	name := raw.Event
	if name == "" {
		name = raw.Type
	}
	ev := &WebhookEvent{
		Event:  NormalizeEventName(name),
		Sender: raw.Sender,
		Data:   raw.Data,
	}

	ev.Messages = extractMessages(raw)
	return ev, nil
}

func extractMessages(raw rawWebhook) []Message {
	if len(raw.Data) > 0 {
		switch raw.Data[0] {
		case '{':
			// Either {"messages": [...]} or a single message object.
			var wrapper struct {
				Messages []Message `json:"messages"`
			}
			if err := json.Unmarshal(raw.Data, &wrapper); err == nil && len(wrapper.Messages) > 0 {
				return wrapper.Messages
			}
			var single Message
			if err := json.Unmarshal(raw.Data, &single); err == nil && messageHasContent(single) {
				return []Message{single}
			}
		case '[':
			var list []Message
			if err := json.Unmarshal(raw.Data, &list); err == nil {
				return list
			}
		}
	}
	return raw.Messages
}

func messageHasContent(m Message) bool {
	return len(m.Message) > 0 || m.Key != (MessageKey{}) ||
		m.FlatText != "" || m.Body != "" || m.Caption != ""
}

// Text extracts the user-visible text from a message, trying the
// Baileys content types first and falling back to the flat fields of
// per-event payloads. Returns "" for media-only messages.
func (m Message) Text() string {
	if len(m.Message) > 0 {
		var content messageContent
		if err := json.Unmarshal(m.Message, &content); err == nil {
			switch {
			case content.Conversation != "":
				return content.Conversation
			case content.ExtendedTextMessage != nil && content.ExtendedTextMessage.Text != "":
				return content.ExtendedTextMessage.Text
			case content.ButtonsResponseMessage != nil && content.ButtonsResponseMessage.SelectedButtonID != "":
				return content.ButtonsResponseMessage.SelectedButtonID
			case content.ListResponseMessage != nil && content.ListResponseMessage.SingleSelectReply.SelectedRowID != "":
				return content.ListResponseMessage.SingleSelectReply.SelectedRowID
			}
		}
	}
	for _, flat := range []string{m.FlatText, m.Body, m.Caption} {
		if flat != "" {
			return flat
		}
	}
	return ""
}

// RemoteJID returns the chat JID for a message, falling back through
// the envelope variants.
func (m Message) RemoteJID() string {
	if m.Key.RemoteJID != "" {
		return m.Key.RemoteJID
	}
	return m.From
}

// JIDToNumber strips the server suffix and device part of a JID:
// "573001112233:17@s.whatsapp.net" becomes "573001112233".
func JIDToNumber(jid string) string {
	if jid == "" {
		return ""
	}
	jid, _, _ = strings.Cut(jid, "@")
	jid, _, _ = strings.Cut(jid, ":")
	return jid
}

// IsGroupJID reports whether a JID addresses a group chat.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us")
}
