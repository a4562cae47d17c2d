package history

import "time"

// AlertRecord represents one accepted notification in the journal
type AlertRecord struct {
	ID         int64
	RequestID  string
	ClientIP   string
	Status     string // firing, resolved
	Summary    string
	AlertCount int
	Body       string // JSON as received
	ReceivedAt time.Time
}
