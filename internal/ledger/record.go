package ledger

import (
	"fmt"
	"strings"
	"time"
)

// Status is the outcome recorded for a transaction.
type Status string

const (
	StatusApproved Status = "approved"
	StatusDeclined Status = "declined"
	StatusPending  Status = "pending"
	StatusReversed Status = "reversed"
)

// TransactionRecord is one journal entry. PAN is stored masked.
type TransactionRecord struct {
	RRN             string    `json:"rrn"`
	AuthCode        string    `json:"auth_code,omitempty"`
	PAN             string    `json:"pan"`
	Amount          int64     `json:"amount"`
	CurrencyCode    string    `json:"currency_code"`
	TransactionType string    `json:"transaction_type"`
	Date            string    `json:"date"`
	Time            string    `json:"time"`
	ResponseCode    string    `json:"response_code,omitempty"`
	Status          Status    `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
	IsReversal      bool      `json:"is_reversal,omitempty"`
	OriginalRRN     string    `json:"original_rrn,omitempty"`
}

const (
	maskKeepHead = 6
	maskKeepTail = 4
)

// MaskPAN keeps the first six and last four digits and stars the rest.
// Separators are dropped. Values too short to keep both ends show only the
// last four digits.
func MaskPAN(pan string) string {
	var b strings.Builder
	for _, r := range pan {
		if (r >= '0' && r <= '9') || r == '*' {
			b.WriteRune(r)
		}
	}
	s := b.String()

	switch {
	case len(s) <= maskKeepTail:
		return s
	case len(s) <= maskKeepHead+maskKeepTail:
		return strings.Repeat("*", len(s)-maskKeepTail) + s[len(s)-maskKeepTail:]
	default:
		return s[:maskKeepHead] + strings.Repeat("*", len(s)-maskKeepHead-maskKeepTail) + s[len(s)-maskKeepTail:]
	}
}

// NewRRN builds a 12-character retrieval reference number from the last
// digit of the year, the day of year, the hour and the STAN.
func NewRRN(stan int, now time.Time) string {
	return fmt.Sprintf("%d%03d%02d%06d", now.Year()%10, now.YearDay(), now.Hour(), stan%(MaxCounter+1))
}
