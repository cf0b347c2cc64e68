package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// OutcomeStatus enumerates the results of tracking a billable interaction.
type OutcomeStatus string

const (
	OutcomeBilled                   OutcomeStatus = "billed"
	OutcomeAlreadyBilled            OutcomeStatus = "already_billed"
	OutcomeSkippedInsufficientFunds OutcomeStatus = "skipped_insufficient_funds"
)

// Outcome reports how a tracked interaction was settled. Transaction is set
// only when a new row was recorded.
type Outcome struct {
	Status      OutcomeStatus
	Transaction *Transaction
}

// Track is the entry point for external collaborators (booking flow, chat
// flow, profile views) to report a billable interaction. It resolves the cost,
// applies the idempotency guard, and debits the provider. Duplicate events and
// insufficient funds are reported as outcomes, not errors; the caller decides
// whether a skipped billing blocks the customer-facing action. Track itself
// never blocks anything outside the ledger.
func (service *Service) Track(ctx context.Context, providerID ProviderID, providerType ProviderType, kind InteractionKind, actorID string, referenceID *ReferenceID) (Outcome, error) {
	outcome, operationError := service.track(ctx, providerID, providerType, kind, actorID, referenceID)
	entry := OperationLog{
		Operation:   operationTrack,
		ProviderID:  providerID,
		Kind:        kind,
		ReferenceID: referenceID,
		Error:       operationError,
	}
	if operationError == nil {
		entry.Status = string(outcome.Status)
	}
	service.logOperation(ctx, entry)
	return outcome, operationError
}

func (service *Service) track(ctx context.Context, providerID ProviderID, providerType ProviderType, kind InteractionKind, actorID string, referenceID *ReferenceID) (Outcome, error) {
	cost, err := service.pricing.Cost(kind)
	if err != nil {
		return Outcome{}, err
	}
	if referenceID == nil && !service.pricing.Repeatable(kind) {
		return Outcome{}, fmt.Errorf("%w: required for kind %s", ErrInvalidReferenceID, kind)
	}
	metadata, err := actorMetadata(actorID)
	if err != nil {
		return Outcome{}, err
	}
	if cost == 0 {
		return service.recordFreeInteraction(ctx, providerID, providerType, kind, referenceID, metadata)
	}
	amount, err := NewPositiveAmountCredits(cost.Int64())
	if err != nil {
		return Outcome{}, err
	}
	recorded, err := service.ApplyDebit(ctx, providerID, providerType, amount, kind, referenceID, Reason{}, metadata)
	if errors.Is(err, ErrDuplicateEvent) {
		return Outcome{Status: OutcomeAlreadyBilled}, nil
	}
	if errors.Is(err, ErrInsufficientFunds) {
		return Outcome{Status: OutcomeSkippedInsufficientFunds}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: OutcomeBilled, Transaction: &recorded}, nil
}

// recordFreeInteraction appends a zero-amount transaction so that free kinds
// still leave an audit trail, unless the service is configured to skip them.
func (service *Service) recordFreeInteraction(ctx context.Context, providerID ProviderID, providerType ProviderType, kind InteractionKind, referenceID *ReferenceID, metadata MetadataJSON) (Outcome, error) {
	if service.skipZeroCost {
		return Outcome{Status: OutcomeBilled}, nil
	}
	var recorded Transaction
	operationError := service.withRetry(ctx, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if _, err := transactionStore.GetOrCreateAccount(ctx, providerID, providerType); err != nil {
				return err
			}
			if referenceID != nil {
				_, exists, err := transactionStore.FindTransaction(ctx, providerID, kind, *referenceID)
				if err != nil {
					return err
				}
				if exists {
					return WrapError(operationTrack, "transaction", "duplicate", ErrDuplicateEvent)
				}
			}
			var err error
			recorded, err = transactionStore.InsertTransaction(ctx, Transaction{
				ProviderID:     providerID.String(),
				Amount:         0,
				Kind:           kind,
				ReferenceID:    referenceValue(referenceID),
				MetadataJSON:   metadata.String(),
				CreatedUnixUTC: service.nowFn(),
			})
			return err
		})
	})
	if errors.Is(operationError, ErrDuplicateEvent) {
		return Outcome{Status: OutcomeAlreadyBilled}, nil
	}
	if operationError != nil {
		return Outcome{}, operationError
	}
	return Outcome{Status: OutcomeBilled, Transaction: &recorded}, nil
}

func actorMetadata(actorID string) (MetadataJSON, error) {
	if actorID == "" {
		return MetadataJSON{}, nil
	}
	raw, err := json.Marshal(map[string]string{metadataKeyActorID: actorID})
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(raw))
}
