package idempotency

import "time"

// Status is the lifecycle state of an idempotency record.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record remembers one write request so a retry with the same key replays its result.
// Records are scoped by (Key, CallerID).
type Record struct {
	Key            string
	CallerID       string
	Method         string
	Path           string
	RequestHash    string
	Status         Status
	ResponseBody   []byte
	ResponseStatus int
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// Request identifies an incoming write by its key and a fingerprint of what it asks for.
type Request struct {
	Key      string
	CallerID string
	Method   string
	Path     string
	BodyHash string
}

// Response is a stored result replayed verbatim to retries.
type Response struct {
	Status int
	Body   []byte
}

// Outcome tells the caller either to run the operation or to return Cached.
type Outcome struct {
	Proceed bool
	Cached  *Response
}
