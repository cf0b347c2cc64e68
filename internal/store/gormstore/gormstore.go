package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glowbook/creditledger/pkg/ledger"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON       = "{}"
	dialectPostgres           = "postgres"
	pgUniqueViolationCode     = "23505"
	pgSerializationFailure    = "40001"
	pgDeadlockDetected        = "40P01"
	pgConnectionClassPrefix   = "08"
	sqliteConstraintCode      = 19
	sqliteBusyCode            = 5
	errorOperationStore       = "store"
	errorSubjectAccount       = "account"
	errorSubjectTransaction   = "transaction"
	errorCodeCreate           = "create"
	errorCodeDuplicate        = "duplicate"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeLookup           = "lookup"
	errorCodeUpdateTotals     = "update_totals"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Used for sqlite deployments and tests; the
// postgres schema is managed externally.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&ProviderAccount{}, &CreditTransaction{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetAccount(ctx context.Context, providerID ledger.ProviderID) (ledger.AccountSnapshot, bool, error) {
	var account ProviderAccount
	err := store.db.WithContext(ctx).
		Where("provider_id = ?", providerID.String()).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.AccountSnapshot{}, false, nil
	}
	if err != nil {
		return ledger.AccountSnapshot{}, false, wrapStoreError(errorSubjectAccount, errorCodeGet, classifyError(err))
	}
	snapshot, err := mapAccount(account)
	if err != nil {
		return ledger.AccountSnapshot{}, false, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return snapshot, true, nil
}

// GetOrCreateAccount fetches the account row, creating it lazily at zero on
// first use. Inside a transaction on postgres the read takes a row lock so
// that concurrent mutations of the same provider serialize; sqlite already
// serializes writers.
func (store *Store) GetOrCreateAccount(ctx context.Context, providerID ledger.ProviderID, providerType ledger.ProviderType) (ledger.AccountSnapshot, error) {
	snapshot, found, err := store.getAccountLocked(ctx, providerID)
	if err != nil {
		return ledger.AccountSnapshot{}, err
	}
	if found {
		return snapshot, nil
	}
	account := ProviderAccount{
		ProviderID:   providerID.String(),
		ProviderType: providerType.String(),
	}
	createErr := store.db.WithContext(ctx).Create(&account).Error
	if createErr != nil && !isUniqueViolation(createErr) {
		return ledger.AccountSnapshot{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, classifyError(createErr))
	}
	// Lost the creation race: another transaction inserted the row first.
	snapshot, found, err = store.getAccountLocked(ctx, providerID)
	if err != nil {
		return ledger.AccountSnapshot{}, err
	}
	if !found {
		return ledger.AccountSnapshot{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, gorm.ErrRecordNotFound)
	}
	return snapshot, nil
}

func (store *Store) getAccountLocked(ctx context.Context, providerID ledger.ProviderID) (ledger.AccountSnapshot, bool, error) {
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var account ProviderAccount
	err := query.Where("provider_id = ?", providerID.String()).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.AccountSnapshot{}, false, nil
	}
	if err != nil {
		return ledger.AccountSnapshot{}, false, wrapStoreError(errorSubjectAccount, errorCodeLookup, classifyError(err))
	}
	snapshot, err := mapAccount(account)
	if err != nil {
		return ledger.AccountSnapshot{}, false, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return snapshot, true, nil
}

func (store *Store) UpdateAccountTotals(ctx context.Context, snapshot ledger.AccountSnapshot) error {
	result := store.db.WithContext(ctx).
		Model(&ProviderAccount{}).
		Where("provider_id = ?", snapshot.ProviderID).
		Updates(map[string]interface{}{
			"balance":      snapshot.Balance.Int64(),
			"total_earned": snapshot.TotalEarned.Int64(),
			"total_spent":  snapshot.TotalSpent.Int64(),
			"updated_at":   time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateTotals, classifyError(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateTotals, gorm.ErrRecordNotFound)
	}
	return nil
}

func (store *Store) FindTransaction(ctx context.Context, providerID ledger.ProviderID, kind ledger.InteractionKind, referenceID ledger.ReferenceID) (ledger.Transaction, bool, error) {
	var row CreditTransaction
	err := store.db.WithContext(ctx).
		Where("provider_id = ? AND kind = ? AND reference_id = ?", providerID.String(), kind.String(), referenceID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, classifyError(err))
	}
	return mapTransaction(row), true, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) (ledger.Transaction, error) {
	var referenceID *string
	if transaction.ReferenceID != "" {
		value := transaction.ReferenceID
		referenceID = &value
	}
	row := CreditTransaction{
		TransactionID: transaction.TransactionID,
		ProviderID:    transaction.ProviderID,
		Amount:        transaction.Amount.Int64(),
		Kind:          transaction.Kind.String(),
		ReferenceID:   referenceID,
		Reason:        transaction.Reason,
		Metadata:      datatypesJSON(transaction.MetadataJSON),
		CreatedAt:     time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if transaction.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateEvent)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, classifyError(err))
	}
	return mapTransaction(row), nil
}

func (store *Store) ListTransactions(ctx context.Context, providerID ledger.ProviderID, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("provider_id = ? AND created_at < ?", providerID.String(), before).
		Order("created_at DESC").
		Order("transaction_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, classifyError(err))
	}

	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transactions = append(transactions, mapTransaction(row))
	}
	return transactions, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(account ProviderAccount) (ledger.AccountSnapshot, error) {
	providerType, err := ledger.ParseProviderType(account.ProviderType)
	if err != nil {
		return ledger.AccountSnapshot{}, err
	}
	return ledger.AccountSnapshot{
		ProviderID:   account.ProviderID,
		ProviderType: providerType,
		Balance:      ledger.AmountCredits(account.Balance),
		TotalEarned:  ledger.AmountCredits(account.TotalEarned),
		TotalSpent:   ledger.AmountCredits(account.TotalSpent),
	}, nil
}

func mapTransaction(row CreditTransaction) ledger.Transaction {
	referenceID := ""
	if row.ReferenceID != nil {
		referenceID = *row.ReferenceID
	}
	metadata := string(row.Metadata)
	if metadata == "" {
		metadata = defaultMetadataJSON
	}
	return ledger.Transaction{
		TransactionID:  row.TransactionID,
		ProviderID:     row.ProviderID,
		Amount:         ledger.AmountCredits(row.Amount),
		Kind:           ledger.InteractionKind(row.Kind),
		ReferenceID:    referenceID,
		Reason:         row.Reason,
		MetadataJSON:   metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

// classifyError tags retryable failures (deadlock victim, serialization
// failure, lost connection, sqlite busy) with ErrStorageTransient so the
// service layer retries the whole atomic unit.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected || len(pgErr.Code) >= 2 && pgErr.Code[:2] == pgConnectionClassPrefix {
			return errors.Join(ledger.ErrStorageTransient, err)
		}
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code()&0xFF == sqliteBusyCode {
			return errors.Join(ledger.ErrStorageTransient, err)
		}
	}
	return err
}
