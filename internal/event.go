package internal

// Event is one translated delivery on its way to the queue. RawPayload is
// forwarded to brokers untouched; the remaining fields travel as metadata.
type Event struct {
	// ID becomes the broker message id. A fresh UUID is used when empty.
	ID         string            `json:"id,omitempty"`
	Provider   string            `json:"provider"`
	Name       string            `json:"name"`
	RequestID  string            `json:"request_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	RawPayload []byte            `json:"-"`
}
