package pgstore

import (
	"context"
	"errors"
	"strings"

	"github.com/glowbook/creditledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode   = "23505"
	pgSerializationFailure  = "40001"
	pgDeadlockDetected      = "40P01"
	pgConnectionClassPrefix = "08"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeUpdateTotals   = "update_totals"

	sqlUpsertAccountLocked = `
		insert into provider_accounts(provider_id, provider_type) values($1, $2)
		on conflict (provider_id) do update set provider_type = provider_accounts.provider_type
		returning provider_id, provider_type, balance, total_earned, total_spent
	`

	sqlSelectAccount = `
		select provider_id, provider_type, balance, total_earned, total_spent
		from provider_accounts
		where provider_id = $1
	`

	sqlUpdateAccountTotals = `
		update provider_accounts
		set balance = $2, total_earned = $3, total_spent = $4, updated_at = now()
		where provider_id = $1
	`

	sqlSelectTransactionByKey = `
		select transaction_id::text, provider_id, amount, kind::text,
			coalesce(reference_id,''), coalesce(reason,''),
			coalesce(metadata::text,'{}'), extract(epoch from created_at)::bigint
		from credit_transactions
		where provider_id = $1 and kind = $2 and reference_id = $3
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, provider_id, amount, kind, reference_id, reason, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3,
			nullif($4,''), $5,
			coalesce(nullif($6,''),'{}')::jsonb,
			to_timestamp($7)
		)
		returning transaction_id::text, extract(epoch from created_at)::bigint
	`

	sqlListTransactionsBefore = `
		select transaction_id::text, provider_id, amount, kind::text,
			coalesce(reference_id,''), coalesce(reason,''),
			coalesce(metadata::text,'{}'), extract(epoch from created_at)::bigint
		from credit_transactions
		where provider_id = $1 and created_at < to_timestamp($2)
		order by created_at desc, transaction_id desc
		limit $3
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	runner
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
	runner
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, runner: runner{db: pool}}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, classifyError(err))
	}
	transactionStore := &TxStore{tx: tx, runner: runner{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, classifyError(err))
	}
	return nil
}

// WithTx on an active transaction runs fn in place; postgres transactions do
// not nest here.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

// runner carries the shared query implementations for pool and tx stores.
type runner struct {
	db querier
}

func (store runner) GetAccount(ctx context.Context, providerID ledger.ProviderID) (ledger.AccountSnapshot, bool, error) {
	snapshot, err := scanAccount(store.db.QueryRow(ctx, sqlSelectAccount, providerID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.AccountSnapshot{}, false, nil
	}
	if err != nil {
		return ledger.AccountSnapshot{}, false, wrapStoreError(errorSubjectAccount, errorCodeGet, classifyError(err))
	}
	return snapshot, true, nil
}

// GetOrCreateAccount upserts the account row; the conflict update takes the
// row lock that serializes concurrent mutations of the same provider.
func (store runner) GetOrCreateAccount(ctx context.Context, providerID ledger.ProviderID, providerType ledger.ProviderType) (ledger.AccountSnapshot, error) {
	snapshot, err := scanAccount(store.db.QueryRow(ctx, sqlUpsertAccountLocked, providerID.String(), providerType.String()))
	if err != nil {
		return ledger.AccountSnapshot{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, classifyError(err))
	}
	return snapshot, nil
}

func (store runner) UpdateAccountTotals(ctx context.Context, snapshot ledger.AccountSnapshot) error {
	tag, err := store.db.Exec(ctx, sqlUpdateAccountTotals,
		snapshot.ProviderID,
		snapshot.Balance.Int64(),
		snapshot.TotalEarned.Int64(),
		snapshot.TotalSpent.Int64(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateTotals, classifyError(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateTotals, pgx.ErrNoRows)
	}
	return nil
}

func (store runner) FindTransaction(ctx context.Context, providerID ledger.ProviderID, kind ledger.InteractionKind, referenceID ledger.ReferenceID) (ledger.Transaction, bool, error) {
	transaction, err := scanTransaction(store.db.QueryRow(ctx, sqlSelectTransactionByKey, providerID.String(), kind.String(), referenceID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, classifyError(err))
	}
	return transaction, true, nil
}

func (store runner) InsertTransaction(ctx context.Context, transaction ledger.Transaction) (ledger.Transaction, error) {
	row := store.db.QueryRow(ctx, sqlInsertTransaction,
		transaction.ProviderID,
		transaction.Amount.Int64(),
		transaction.Kind.String(),
		transaction.ReferenceID,
		transaction.Reason,
		transaction.MetadataJSON,
		transaction.CreatedUnixUTC,
	)
	stored := transaction
	if err := row.Scan(&stored.TransactionID, &stored.CreatedUnixUTC); err != nil {
		if isUniqueViolation(err) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateEvent)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, classifyError(err))
	}
	return stored, nil
}

func (store runner) ListTransactions(ctx context.Context, providerID ledger.ProviderID, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactionsBefore, providerID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, classifyError(err))
	}
	defer rows.Close()

	transactions := make([]ledger.Transaction, 0, limit)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, classifyError(err))
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, classifyError(err))
	}
	return transactions, nil
}

func scanAccount(row pgx.Row) (ledger.AccountSnapshot, error) {
	var (
		providerID   string
		providerType string
		balance      int64
		totalEarned  int64
		totalSpent   int64
	)
	if err := row.Scan(&providerID, &providerType, &balance, &totalEarned, &totalSpent); err != nil {
		return ledger.AccountSnapshot{}, err
	}
	parsedType, err := ledger.ParseProviderType(providerType)
	if err != nil {
		return ledger.AccountSnapshot{}, err
	}
	return ledger.AccountSnapshot{
		ProviderID:   providerID,
		ProviderType: parsedType,
		Balance:      ledger.AmountCredits(balance),
		TotalEarned:  ledger.AmountCredits(totalEarned),
		TotalSpent:   ledger.AmountCredits(totalSpent),
	}, nil
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		transaction ledger.Transaction
		amount      int64
		kind        string
	)
	err := row.Scan(
		&transaction.TransactionID,
		&transaction.ProviderID,
		&amount,
		&kind,
		&transaction.ReferenceID,
		&transaction.Reason,
		&transaction.MetadataJSON,
		&transaction.CreatedUnixUTC,
	)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transaction.Amount = ledger.AmountCredits(amount)
	transaction.Kind = ledger.InteractionKind(kind)
	return transaction, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected || strings.HasPrefix(pgErr.Code, pgConnectionClassPrefix) {
			return errors.Join(ledger.ErrStorageTransient, err)
		}
	}
	return err
}
