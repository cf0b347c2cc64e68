package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AmountCredits is a signed amount in internal credits.
type AmountCredits int64

// Int64 returns the raw credit amount.
func (amount AmountCredits) Int64() int64 {
	return int64(amount)
}

// PositiveAmountCredits is an amount validated to be strictly positive.
type PositiveAmountCredits struct {
	value int64
}

// NewPositiveAmountCredits validates an amount and ensures it is strictly positive.
func NewPositiveAmountCredits(raw int64) (PositiveAmountCredits, error) {
	if raw <= 0 {
		return PositiveAmountCredits{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCredits)
	}
	return PositiveAmountCredits{value: raw}, nil
}

// ToAmountCredits converts to the signed amount type.
func (amount PositiveAmountCredits) ToAmountCredits() AmountCredits {
	return AmountCredits(amount.value)
}

// Int64 returns the raw credit amount.
func (amount PositiveAmountCredits) Int64() int64 {
	return amount.value
}

// ProviderID identifies a therapist or salon entity that earns and spends credits.
type ProviderID struct {
	value string
}

// NewProviderID validates and normalizes a provider id.
func NewProviderID(raw string) (ProviderID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ProviderID{}, fmt.Errorf("%w: empty value", ErrInvalidProviderID)
	}
	return ProviderID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ProviderID) String() string {
	return id.value
}

// ProviderType distinguishes the two provider entities of the marketplace.
type ProviderType string

const (
	ProviderTypeTherapist ProviderType = "therapist"
	ProviderTypeSalon     ProviderType = "salon"
)

// ParseProviderType validates a raw provider type.
func ParseProviderType(raw string) (ProviderType, error) {
	switch ProviderType(strings.ToLower(strings.TrimSpace(raw))) {
	case ProviderTypeTherapist:
		return ProviderTypeTherapist, nil
	case ProviderTypeSalon:
		return ProviderTypeSalon, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidProviderType, raw)
	}
}

// String returns the stored representation.
func (providerType ProviderType) String() string {
	return string(providerType)
}

// InteractionKind tags every ledger transaction with the billable event that caused it.
type InteractionKind string

const (
	KindProfileView      InteractionKind = "profile_view"
	KindChatStarted      InteractionKind = "chat_started"
	KindBookingConfirmed InteractionKind = "booking_confirmed"
	KindAdminAdjustment  InteractionKind = "admin_adjustment"
	KindAdminForcedDebit InteractionKind = "admin_forced_debit"
)

// ParseInteractionKind validates a raw interaction kind.
func ParseInteractionKind(raw string) (InteractionKind, error) {
	switch InteractionKind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindProfileView:
		return KindProfileView, nil
	case KindChatStarted:
		return KindChatStarted, nil
	case KindBookingConfirmed:
		return KindBookingConfirmed, nil
	case KindAdminAdjustment:
		return KindAdminAdjustment, nil
	case KindAdminForcedDebit:
		return KindAdminForcedDebit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidInteractionKind, raw)
	}
}

// String returns the stored representation.
func (kind InteractionKind) String() string {
	return string(kind)
}

// ReferenceID identifies the external event behind a transaction (booking id, chat id).
type ReferenceID struct {
	value string
}

// NewReferenceID validates and normalizes a reference id.
func NewReferenceID(raw string) (ReferenceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReferenceID{}, fmt.Errorf("%w: empty value", ErrInvalidReferenceID)
	}
	return ReferenceID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReferenceID) String() string {
	return id.value
}

// Reason is the mandatory free-text justification on admin adjustments.
type Reason struct {
	value string
}

// NewReason validates a non-empty reason.
func NewReason(raw string) (Reason, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reason{}, fmt.Errorf("%w: empty value", ErrInvalidReason)
	}
	return Reason{value: trimmed}, nil
}

// String returns the normalized reason text.
func (reason Reason) String() string {
	return reason.value
}

// IsEmpty reports whether no reason was supplied.
func (reason Reason) IsEmpty() bool {
	return reason.value == ""
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// AccountSnapshot is the per-provider balance triple.
// Invariant: Balance == TotalEarned - TotalSpent after every committed operation.
type AccountSnapshot struct {
	ProviderID   string
	ProviderType ProviderType
	Balance      AmountCredits
	TotalEarned  AmountCredits
	TotalSpent   AmountCredits
}

// A single immutable line in the audit trail. Positive amounts are credits,
// negative amounts are debits.
type Transaction struct {
	TransactionID  string
	ProviderID     string
	Amount         AmountCredits
	Kind           InteractionKind
	ReferenceID    string
	Reason         string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Store is the persistence contract used by Service.
//
// GetOrCreateAccount must acquire a row-level lock when called inside WithTx so
// that concurrent mutations of the same provider serialize. InsertTransaction
// must surface unique-key violations on (provider_id, kind, reference_id) as
// ErrDuplicateEvent. Transient failures (connection loss, deadlock victim) are
// reported wrapping ErrStorageTransient so the service can retry.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetAccount(ctx context.Context, providerID ProviderID) (AccountSnapshot, bool, error)
	GetOrCreateAccount(ctx context.Context, providerID ProviderID, providerType ProviderType) (AccountSnapshot, error)
	UpdateAccountTotals(ctx context.Context, snapshot AccountSnapshot) error
	FindTransaction(ctx context.Context, providerID ProviderID, kind InteractionKind, referenceID ReferenceID) (Transaction, bool, error)
	InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error)
	ListTransactions(ctx context.Context, providerID ProviderID, beforeUnixUTC int64, limit int) ([]Transaction, error)
}
