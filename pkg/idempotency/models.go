package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"gorm.io/datatypes"
)

// Record is the write-once outcome of one unique delivery.
type Record struct {
	Key        string `gorm:"column:idempotency_key;primaryKey;size:64"`
	Source     string `gorm:"index"`
	StatusCode int
	Response   datatypes.JSON
	CreatedAt  time.Time
}

func (Record) TableName() string {
	return "idempotency_records"
}

// Key identifies a delivery by source, resolved tenant and exact body bytes.
// tenantID is empty for deliveries no clinic could be resolved for.
func Key(source, tenantID string, raw []byte) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}

// Outcome is the cached response replayed for a duplicate.
type Outcome struct {
	StatusCode int            `json:"status"`
	Body       datatypes.JSON `json:"body"`
}
