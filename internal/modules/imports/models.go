package imports

import "time"

// Import statuses. pending and processing are transient; deleting marks a
// cancellation the ingest pipeline observes at chunk boundaries.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusDeleting   = "deleting"
)

// ImportRecord tracks one CSV upload through its lifecycle.
type ImportRecord struct {
	ID            string    `json:"id"`
	Filename      string    `json:"filename"`
	UploadedAt    time.Time `json:"uploaded_at"`
	Status        string    `json:"status"`
	TotalRows     int64     `json:"total_rows"`
	ProcessedRows int64     `json:"processed_rows"`
	SymbolsCount  int64     `json:"symbols_count"`
	Error         *string   `json:"error"`
}
