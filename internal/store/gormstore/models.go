package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProviderAccount represents the provider_accounts table. Balance equals
// TotalEarned minus TotalSpent after every committed operation.
type ProviderAccount struct {
	ProviderID   string    `gorm:"primaryKey"`
	ProviderType string    `gorm:"not null"`
	Balance      int64     `gorm:"not null"`
	TotalEarned  int64     `gorm:"not null"`
	TotalSpent   int64     `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (ProviderAccount) TableName() string { return "provider_accounts" }

// CreditTransaction mirrors the credit_transactions table. Rows are append
// only. The unique index on (provider_id, kind, reference_id) is the
// idempotency backstop; reference_id is null for events without a reference,
// and null values do not collide.
type CreditTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	ProviderID    string         `gorm:"not null;index:idx_tx_provider_created,priority:1;index:uniq_tx_billing_event,unique,priority:1"`
	Amount        int64          `gorm:"not null"`
	Kind          string         `gorm:"not null;index:uniq_tx_billing_event,unique,priority:2"`
	ReferenceID   *string        `gorm:"index:uniq_tx_billing_event,unique,priority:3"`
	Reason        string         `gorm:""`
	Metadata      datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_tx_provider_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}
