package service

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// NewTransactionID mints a reconciliation token of the form
// YYYYMMDD-<userID>-<random>, with the random suffix taken from the low
// half of a v4 UUID.
func NewTransactionID(userID string, now time.Time) string {
	r := uuid.New()
	return now.UTC().Format("20060102") + "-" + userID + "-" + hex.EncodeToString(r[8:])
}
