package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service contains the domain logic over a Store. All balance mutation in the
// system goes through ApplyDebit/ApplyCredit; no other component writes
// account totals.
type Service struct {
	store        Store
	pricing      *CostTable
	nowFn        func() int64
	logger       OperationLogger
	skipZeroCost bool
}

// NewService wires a Service.
func NewService(store Store, pricing *CostTable, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if pricing == nil {
		return nil, fmt.Errorf("%w: cost table dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, pricing: pricing, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the account snapshot for a provider. Providers that never
// earned or spent report a zero snapshot; the account itself is only created
// on the first mutation. The snapshot is a read-only view and must not be used
// as the basis for subsequent writes.
func (service *Service) Balance(ctx context.Context, providerID ProviderID) (AccountSnapshot, error) {
	snapshot, found, err := service.store.GetAccount(ctx, providerID)
	if err != nil {
		return AccountSnapshot{}, err
	}
	if !found {
		return AccountSnapshot{ProviderID: providerID.String()}, nil
	}
	if snapshot.Balance != snapshot.TotalEarned-snapshot.TotalSpent {
		return AccountSnapshot{}, WrapError(operationBalance, "account", "inconsistent_totals", ErrInvalidBalance)
	}
	return snapshot, nil
}

// ListTransactions lists the audit trail for a provider before a cutoff time,
// newest first.
func (service *Service) ListTransactions(ctx context.Context, providerID ProviderID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: must be greater than zero", ErrInvalidTransactionLimit)
	}
	if beforeUnixUTC == 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	return service.store.ListTransactions(ctx, providerID, beforeUnixUTC, limit)
}

// ApplyDebit atomically charges a provider account and appends the negative
// transaction. The idempotency check runs inside the same transaction as the
// balance mutation; the store's unique key on (provider_id, kind,
// reference_id) backstops the race where two concurrent calls both observe
// "not yet billed". A debit exceeding the balance is rejected with
// ErrInsufficientFunds and mutates nothing.
func (service *Service) ApplyDebit(ctx context.Context, providerID ProviderID, providerType ProviderType, amount PositiveAmountCredits, kind InteractionKind, referenceID *ReferenceID, reason Reason, metadata MetadataJSON) (Transaction, error) {
	var recorded Transaction
	operationError := service.withRetry(ctx, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			account, err := transactionStore.GetOrCreateAccount(ctx, providerID, providerType)
			if err != nil {
				return err
			}
			if referenceID != nil {
				_, exists, err := transactionStore.FindTransaction(ctx, providerID, kind, *referenceID)
				if err != nil {
					return err
				}
				if exists {
					return WrapError(operationDebit, "transaction", "duplicate", ErrDuplicateEvent)
				}
			}
			debit := amount.ToAmountCredits()
			if account.Balance < debit {
				return ErrInsufficientFunds
			}
			account.Balance -= debit
			account.TotalSpent += debit
			if err := transactionStore.UpdateAccountTotals(ctx, account); err != nil {
				return err
			}
			recorded, err = transactionStore.InsertTransaction(ctx, Transaction{
				ProviderID:     providerID.String(),
				Amount:         -debit,
				Kind:           kind,
				ReferenceID:    referenceValue(referenceID),
				Reason:         reason.String(),
				MetadataJSON:   metadata.String(),
				CreatedUnixUTC: service.nowFn(),
			})
			return err
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationDebit,
		ProviderID:  providerID,
		Kind:        kind,
		Amount:      amount.ToAmountCredits(),
		ReferenceID: referenceID,
		Reason:      reason.String(),
		Error:       operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return recorded, nil
}

// ApplyCredit atomically adds credits to a provider account. Credits cannot be
// "insufficient" and always succeed barring storage failure. A reason is
// mandatory for admin adjustments.
func (service *Service) ApplyCredit(ctx context.Context, providerID ProviderID, providerType ProviderType, amount PositiveAmountCredits, kind InteractionKind, referenceID *ReferenceID, reason Reason, metadata MetadataJSON) (Transaction, error) {
	var recorded Transaction
	operationError := func() error {
		if kind == KindAdminAdjustment && reason.IsEmpty() {
			return fmt.Errorf("%w: reason is required", ErrInvalidAdjustment)
		}
		return service.withRetry(ctx, func() error {
			return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
				account, err := transactionStore.GetOrCreateAccount(ctx, providerID, providerType)
				if err != nil {
					return err
				}
				if referenceID != nil {
					_, exists, err := transactionStore.FindTransaction(ctx, providerID, kind, *referenceID)
					if err != nil {
						return err
					}
					if exists {
						return WrapError(operationCredit, "transaction", "duplicate", ErrDuplicateEvent)
					}
				}
				credit := amount.ToAmountCredits()
				account.Balance += credit
				account.TotalEarned += credit
				if err := transactionStore.UpdateAccountTotals(ctx, account); err != nil {
					return err
				}
				recorded, err = transactionStore.InsertTransaction(ctx, Transaction{
					ProviderID:     providerID.String(),
					Amount:         credit,
					Kind:           kind,
					ReferenceID:    referenceValue(referenceID),
					Reason:         reason.String(),
					MetadataJSON:   metadata.String(),
					CreatedUnixUTC: service.nowFn(),
				})
				return err
			})
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation:   operationCredit,
		ProviderID:  providerID,
		Kind:        kind,
		Amount:      amount.ToAmountCredits(),
		ReferenceID: referenceID,
		Reason:      reason.String(),
		Error:       operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return recorded, nil
}

// withRetry re-runs the whole atomic unit on transient storage failures with
// bounded exponential backoff, then surfaces ErrLedgerUnavailable.
func (service *Service) withRetry(ctx context.Context, fn func() error) error {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !errors.Is(lastErr, ErrStorageTransient) {
			return lastErr
		}
		if attempt == retryMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrLedgerUnavailable, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("%w: %v", ErrLedgerUnavailable, lastErr)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func referenceValue(referenceID *ReferenceID) string {
	if referenceID == nil {
		return ""
	}
	return referenceID.String()
}
