package bus

// InboundMessage is the normalized form every channel adapter delivers
// to the orchestration entry point. Adapters themselves live outside
// this module; they only speak this contract.
type InboundMessage struct {
	MessageID      string            `json:"message_id"`
	ChannelType    string            `json:"channel_type"` // "line", "telegram", "slack", ...
	SenderID       string            `json:"sender_id"`
	SenderName     string            `json:"sender_name,omitempty"`
	ConversationID string            `json:"conversation_id"`
	IsGroup        bool              `json:"is_group"`
	Text           string            `json:"text,omitempty"`
	Media          []MediaItem       `json:"media,omitempty"`
	Location       *Location         `json:"location,omitempty"`
	Timestamp      int64             `json:"timestamp"` // unix ms
	ReplyToID      string            `json:"reply_to_id,omitempty"`
	RawPayload     map[string]string `json:"raw_payload,omitempty"`
}

// MediaItem describes one attachment on an inbound message.
type MediaItem struct {
	Type            string  `json:"type"` // "image", "video", "audio", "file"
	URL             string  `json:"url"`
	MimeType        string  `json:"mime_type,omitempty"`
	SizeBytes       int64   `json:"size_bytes,omitempty"`
	Filename        string  `json:"filename,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// Location is an optional geo attachment.
type Location struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Accuracy float64 `json:"accuracy,omitempty"`
	Address  string  `json:"address,omitempty"`
}

// OutboundMessage is what the runtime hands back to a channel adapter.
type OutboundMessage struct {
	Text       string            `json:"text,omitempty"`
	MediaURL   string            `json:"media_url,omitempty"`
	Buttons    []Button          `json:"buttons,omitempty"`
	RawPayload map[string]string `json:"raw_payload,omitempty"`
}

// Button is a channel-agnostic quick-reply button.
type Button struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Event is a server-side event broadcast to dashboard clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription so the
// runtime does not depend on the gateway's websocket hub directly.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
