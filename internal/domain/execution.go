package domain

import "time"

// ExecutionMode says whether orders reach a venue or a simulator.
type ExecutionMode string

const (
	ModePaper ExecutionMode = "PAPER"
	ModeLive  ExecutionMode = "LIVE"
)

// ExecutionStatus is the adapter's verdict on a submission.
type ExecutionStatus string

const (
	ExecSubmitted   ExecutionStatus = "submitted"
	ExecPaperFilled ExecutionStatus = "paper_filled"
	ExecRejected    ExecutionStatus = "rejected"
)

// ExecutionRequest is sent to the execution adapter once risk approves.
type ExecutionRequest struct {
	OrderID     string        `json:"order_id"`
	Ticker      string        `json:"ticker"`
	Venue       string        `json:"venue,omitempty"`
	Side        Side          `json:"side"`
	Size        float64       `json:"size"`
	LimitPrice  float64       `json:"limit_price"`
	MarketPrice float64       `json:"market_price"` // last observed price, used by paper fills
	Mode        ExecutionMode `json:"mode"`
}

// PaperFill is the simulated fill attached to a paper execution.
type PaperFill struct {
	Count     float64 `json:"count"`
	FillPrice float64 `json:"fill_price"`
	Slippage  float64 `json:"slippage"`
}

// ExecutionResult is the adapter's answer.
type ExecutionResult struct {
	Success         bool            `json:"success"`
	OrderID         string          `json:"order_id"`
	VenueOrderID    string          `json:"venue_order_id,omitempty"`
	Mode            ExecutionMode   `json:"mode"`
	Status          ExecutionStatus `json:"status"`
	PaperFill       *PaperFill      `json:"paper_fill,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	Error           string          `json:"error,omitempty"`
	SubmittedAt     time.Time       `json:"submitted_at"`
}

// ReconciliationResult compares our ledger against the venue's record.
type ReconciliationResult struct {
	Verified     bool      `json:"verified"`
	ExpectedSize float64   `json:"expected_size"`
	BrokerSize   float64   `json:"broker_size"`
	DriftPct     float64   `json:"drift_pct"`
	CheckedAt    time.Time `json:"checked_at"`
}

// ExecutionEventType enumerates asynchronous venue events for live orders.
type ExecutionEventType string

const (
	EventAcknowledged    ExecutionEventType = "ack"
	EventFill            ExecutionEventType = "fill"
	EventPriceMoveCancel ExecutionEventType = "price_move_cancel"
	EventCancelled       ExecutionEventType = "cancel"
	EventExpired         ExecutionEventType = "expire"
	EventError           ExecutionEventType = "error"
)

// ExecutionEvent is one asynchronous update from the venue about a
// submitted order.
type ExecutionEvent struct {
	OrderID          string             `json:"order_id"`
	Type             ExecutionEventType `json:"type"`
	VenueOrderID     string             `json:"venue_order_id,omitempty"`
	FillID           string             `json:"fill_id,omitempty"` // venue trade id, required on fills
	FillSize         float64            `json:"fill_size,omitempty"`
	FillPrice        float64            `json:"fill_price,omitempty"`
	ClosingLinePrice *float64           `json:"closing_line_price,omitempty"`
	ReferencePrice   float64            `json:"reference_price,omitempty"`
	CurrentPrice     float64            `json:"current_price,omitempty"`
	Reason           string             `json:"reason,omitempty"`
	At               time.Time          `json:"at"`
}

// LedgerFill is one fill booked by a venue ledger.
type LedgerFill struct {
	OrderID   string
	Ticker    string
	Side      Side
	Size      float64
	Price     float64
	Timestamp time.Time
}
