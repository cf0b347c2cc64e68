package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

// stubStore is an in-memory Store with copy-on-write transactions: fn runs
// against a working copy that only becomes visible on success, and the mutex
// held across WithTx serializes mutations the way a per-row lock would.
type stubStore struct {
	mu                sync.Mutex
	state             *stubState
	transientFailures int
	insertErr         error
}

type stubState struct {
	accounts     map[string]AccountSnapshot
	transactions []Transaction
	sequence     int
}

func newStubStore() *stubStore {
	return &stubStore{state: &stubState{accounts: map[string]AccountSnapshot{}}}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.transientFailures > 0 {
		store.transientFailures--
		return WrapError("store", "transaction", "begin", fmt.Errorf("%w: connection reset", ErrStorageTransient))
	}
	working := store.state.clone()
	if err := fn(ctx, &stubTxStore{state: working, insertErr: store.insertErr}); err != nil {
		return err
	}
	store.state = working
	return nil
}

func (store *stubStore) GetAccount(ctx context.Context, providerID ProviderID) (AccountSnapshot, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTxStore{state: store.state}).GetAccount(ctx, providerID)
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, providerID ProviderID, providerType ProviderType) (AccountSnapshot, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTxStore{state: store.state}).GetOrCreateAccount(ctx, providerID, providerType)
}

func (store *stubStore) UpdateAccountTotals(ctx context.Context, snapshot AccountSnapshot) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTxStore{state: store.state}).UpdateAccountTotals(ctx, snapshot)
}

func (store *stubStore) FindTransaction(ctx context.Context, providerID ProviderID, kind InteractionKind, referenceID ReferenceID) (Transaction, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTxStore{state: store.state}).FindTransaction(ctx, providerID, kind, referenceID)
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTxStore{state: store.state}).InsertTransaction(ctx, transaction)
}

func (store *stubStore) ListTransactions(ctx context.Context, providerID ProviderID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTxStore{state: store.state}).ListTransactions(ctx, providerID, beforeUnixUTC, limit)
}

func (store *stubStore) transactionsFor(providerID ProviderID) []Transaction {
	store.mu.Lock()
	defer store.mu.Unlock()
	matches := make([]Transaction, 0)
	for _, transaction := range store.state.transactions {
		if transaction.ProviderID == providerID.String() {
			matches = append(matches, transaction)
		}
	}
	return matches
}

func (store *stubStore) mustAccount(test *testing.T, providerID ProviderID) AccountSnapshot {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.state.accounts[providerID.String()]
	if !ok {
		test.Fatalf("expected account for %s", providerID.String())
	}
	return account
}

func (state *stubState) clone() *stubState {
	accounts := make(map[string]AccountSnapshot, len(state.accounts))
	for key, value := range state.accounts {
		accounts[key] = value
	}
	transactions := make([]Transaction, len(state.transactions))
	copy(transactions, state.transactions)
	return &stubState{accounts: accounts, transactions: transactions, sequence: state.sequence}
}

type stubTxStore struct {
	state     *stubState
	insertErr error
}

func (store *stubTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubTxStore) GetAccount(_ context.Context, providerID ProviderID) (AccountSnapshot, bool, error) {
	account, ok := store.state.accounts[providerID.String()]
	return account, ok, nil
}

func (store *stubTxStore) GetOrCreateAccount(_ context.Context, providerID ProviderID, providerType ProviderType) (AccountSnapshot, error) {
	if account, ok := store.state.accounts[providerID.String()]; ok {
		return account, nil
	}
	account := AccountSnapshot{ProviderID: providerID.String(), ProviderType: providerType}
	store.state.accounts[providerID.String()] = account
	return account, nil
}

func (store *stubTxStore) UpdateAccountTotals(_ context.Context, snapshot AccountSnapshot) error {
	if _, ok := store.state.accounts[snapshot.ProviderID]; !ok {
		return WrapError("store", "account", "update_totals", fmt.Errorf("missing account %s", snapshot.ProviderID))
	}
	store.state.accounts[snapshot.ProviderID] = snapshot
	return nil
}

func (store *stubTxStore) FindTransaction(_ context.Context, providerID ProviderID, kind InteractionKind, referenceID ReferenceID) (Transaction, bool, error) {
	for _, transaction := range store.state.transactions {
		if transaction.ProviderID == providerID.String() && transaction.Kind == kind && transaction.ReferenceID == referenceID.String() {
			return transaction, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (store *stubTxStore) InsertTransaction(_ context.Context, transaction Transaction) (Transaction, error) {
	if store.insertErr != nil {
		return Transaction{}, store.insertErr
	}
	if transaction.ReferenceID != "" {
		for _, existing := range store.state.transactions {
			if existing.ProviderID == transaction.ProviderID && existing.Kind == transaction.Kind && existing.ReferenceID == transaction.ReferenceID {
				return Transaction{}, WrapError("store", "transaction", "duplicate", ErrDuplicateEvent)
			}
		}
	}
	store.state.sequence++
	stored := transaction
	stored.TransactionID = fmt.Sprintf("tx-%d", store.state.sequence)
	if stored.MetadataJSON == "" {
		stored.MetadataJSON = "{}"
	}
	store.state.transactions = append(store.state.transactions, stored)
	return stored, nil
}

func (store *stubTxStore) ListTransactions(_ context.Context, providerID ProviderID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	matches := make([]Transaction, 0)
	for _, transaction := range store.state.transactions {
		if transaction.ProviderID == providerID.String() && transaction.CreatedUnixUTC < beforeUnixUTC {
			matches = append(matches, transaction)
		}
	}
	sort.SliceStable(matches, func(left, right int) bool {
		if matches[left].CreatedUnixUTC != matches[right].CreatedUnixUTC {
			return matches[left].CreatedUnixUTC > matches[right].CreatedUnixUTC
		}
		return matches[left].TransactionID > matches[right].TransactionID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, DefaultCostTable(), testClock(), options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustServiceWithTable(test *testing.T, store Store, table *CostTable, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, table, testClock(), options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func testClock() func() int64 {
	var mu sync.Mutex
	current := int64(1_700_000_000)
	return func() int64 {
		mu.Lock()
		defer mu.Unlock()
		current++
		return current
	}
}

func mustProviderID(test *testing.T, raw string) ProviderID {
	test.Helper()
	providerID, err := NewProviderID(raw)
	if err != nil {
		test.Fatalf("provider id: %v", err)
	}
	return providerID
}

func mustReferenceID(test *testing.T, raw string) *ReferenceID {
	test.Helper()
	referenceID, err := NewReferenceID(raw)
	if err != nil {
		test.Fatalf("reference id: %v", err)
	}
	return &referenceID
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmountCredits {
	test.Helper()
	amount, err := NewPositiveAmountCredits(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func mustReason(test *testing.T, raw string) Reason {
	test.Helper()
	reason, err := NewReason(raw)
	if err != nil {
		test.Fatalf("reason: %v", err)
	}
	return reason
}
