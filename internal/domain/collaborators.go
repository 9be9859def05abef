package domain

import (
	"context"
)

// Scorer calls an external ML scoring service and returns the fraud
// probability in [0,1] for the given transaction features.
type Scorer interface {
	Score(ctx context.Context, endpointURL, modelVersion string, features map[string]float64) (float64, error)
}

// Notifier delivers verdict notifications. Fire-and-forget from the
// pipeline's perspective: a notification failure never fails the verdict.
type Notifier interface {
	Notify(ctx context.Context, tx *Transaction, v *Verdict) error
}

// Features extracts the scoring feature vector from a transaction.
func Features(tx *Transaction) map[string]float64 {
	f := map[string]float64{
		"amount": tx.Amount,
		"hour":   float64(tx.Timestamp.Hour()),
	}
	switch tx.Type {
	case TypeTransfer:
		f["type"] = 0
	case TypeDeposit:
		f["type"] = 1
	case TypeWithdrawal:
		f["type"] = 2
	case TypePayment:
		f["type"] = 3
	}
	if tx.DeviceID != "" {
		f["has_device"] = 1
	}
	if tx.MerchantID != "" {
		f["has_merchant"] = 1
	}
	return f
}
