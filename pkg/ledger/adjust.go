package ledger

import (
	"context"
	"fmt"
)

// Adjust performs an operator-initiated credit or debit. A non-empty reason is
// mandatory. Negative amounts obey the same strict insufficient-funds policy
// as customer billing unless force is set, in which case the balance may go
// negative and the transaction is recorded with the admin_forced_debit kind so
// the audit trail is honest about how the negative balance arose.
func (service *Service) Adjust(ctx context.Context, providerID ProviderID, providerType ProviderType, amount AmountCredits, rawReason string, force bool) (Transaction, error) {
	reason, err := NewReason(rawReason)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: reason is required", ErrInvalidAdjustment)
	}
	if amount == 0 {
		return Transaction{}, fmt.Errorf("%w: amount must be non-zero", ErrInvalidAdjustment)
	}
	if amount > 0 {
		positive, err := NewPositiveAmountCredits(amount.Int64())
		if err != nil {
			return Transaction{}, err
		}
		return service.ApplyCredit(ctx, providerID, providerType, positive, KindAdminAdjustment, nil, reason, MetadataJSON{})
	}
	positive, err := NewPositiveAmountCredits(-amount.Int64())
	if err != nil {
		return Transaction{}, err
	}
	if !force {
		return service.ApplyDebit(ctx, providerID, providerType, positive, KindAdminAdjustment, nil, reason, MetadataJSON{})
	}
	return service.applyForcedDebit(ctx, providerID, providerType, positive, reason)
}

// applyForcedDebit is the administrative override path: the balance check is
// skipped and the account may go negative.
func (service *Service) applyForcedDebit(ctx context.Context, providerID ProviderID, providerType ProviderType, amount PositiveAmountCredits, reason Reason) (Transaction, error) {
	var recorded Transaction
	operationError := service.withRetry(ctx, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			account, err := transactionStore.GetOrCreateAccount(ctx, providerID, providerType)
			if err != nil {
				return err
			}
			debit := amount.ToAmountCredits()
			account.Balance -= debit
			account.TotalSpent += debit
			if err := transactionStore.UpdateAccountTotals(ctx, account); err != nil {
				return err
			}
			recorded, err = transactionStore.InsertTransaction(ctx, Transaction{
				ProviderID:     providerID.String(),
				Amount:         -debit,
				Kind:           KindAdminForcedDebit,
				Reason:         reason.String(),
				MetadataJSON:   MetadataJSON{}.String(),
				CreatedUnixUTC: service.nowFn(),
			})
			return err
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationAdjust,
		ProviderID: providerID,
		Kind:       KindAdminForcedDebit,
		Amount:     amount.ToAmountCredits(),
		Reason:     reason.String(),
		Error:      operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return recorded, nil
}
