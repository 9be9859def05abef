// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"time"
)

// TransactionStatus is the processing state of a transaction.
type TransactionStatus string

const (
	// StatusPending means the transaction is queued and not yet evaluated.
	StatusPending TransactionStatus = "pending"

	// StatusApproved means no rule matched.
	StatusApproved TransactionStatus = "approved"

	// StatusFlagged means at least one rule matched; needs review.
	StatusFlagged TransactionStatus = "flagged"

	// StatusRejected is a manual review outcome.
	StatusRejected TransactionStatus = "rejected"

	// StatusAccepted is a manual review outcome.
	StatusAccepted TransactionStatus = "accepted"

	// StatusFailed means every executed rule errored or evaluation timed out.
	// Distinct from approved so operators can tell "nothing detected" from
	// "detection apparatus broken".
	StatusFailed TransactionStatus = "failed"
)

// Terminal reports whether the status is a terminal engine verdict.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusApproved, StatusFlagged, StatusRejected, StatusAccepted, StatusFailed:
		return true
	}
	return false
}

// TransactionType classifies a financial transaction.
type TransactionType string

const (
	TypeTransfer   TransactionType = "transfer"
	TypeDeposit    TransactionType = "deposit"
	TypeWithdrawal TransactionType = "withdrawal"
	TypePayment    TransactionType = "payment"
)

// Transaction represents an incoming transaction to be evaluated.
// Immutable once created except for Status, which is written by the
// evaluation pipeline and by manual review.
type Transaction struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId"`
	Type          TransactionType `json:"type"`

	// Parties involved
	FromAccount string `json:"fromAccount"`
	ToAccount   string `json:"toAccount"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	// Origin fingerprint
	DeviceID   string `json:"deviceId,omitempty"`
	IPAddress  string `json:"ipAddress,omitempty"`
	MerchantID string `json:"merchantId,omitempty"`
	Location   string `json:"location,omitempty"`

	Status TransactionStatus `json:"status"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TransactionRequest is the API request payload for transaction submission.
type TransactionRequest struct {
	CorrelationID string          `json:"correlationId" validate:"required"`
	Type          TransactionType `json:"type" validate:"required,oneof=transfer deposit withdrawal payment"`
	FromAccount   string          `json:"fromAccount" validate:"required"`
	ToAccount     string          `json:"toAccount" validate:"required"`
	Amount        float64         `json:"amount" validate:"required,gt=0"`
	Currency      string          `json:"currency" validate:"required,len=3"`
	DeviceID      string          `json:"deviceId,omitempty"`
	IPAddress     string          `json:"ipAddress,omitempty" validate:"omitempty,ip"`
	MerchantID    string          `json:"merchantId,omitempty"`
	Location      string          `json:"location,omitempty"`
	Timestamp     *time.Time      `json:"timestamp,omitempty"`
}

// ToTransaction converts a request to a Transaction domain object.
func (r *TransactionRequest) ToTransaction(id string) *Transaction {
	now := time.Now().UTC()
	ts := now
	if r.Timestamp != nil {
		ts = r.Timestamp.UTC()
	}
	return &Transaction{
		ID:            id,
		CorrelationID: r.CorrelationID,
		Type:          r.Type,
		FromAccount:   r.FromAccount,
		ToAccount:     r.ToAccount,
		Amount:        r.Amount,
		Currency:      r.Currency,
		DeviceID:      r.DeviceID,
		IPAddress:     r.IPAddress,
		MerchantID:    r.MerchantID,
		Location:      r.Location,
		Status:        StatusPending,
		Timestamp:     ts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
