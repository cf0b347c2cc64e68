package ledger

import "time"

const (
	operationTrack   = "track"
	operationDebit   = "debit"
	operationCredit  = "credit"
	operationAdjust  = "adjust"
	operationBalance = "balance"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	metadataKeyActorID = "actor_id"

	retryMaxAttempts = 3
	retryBaseDelay   = 50 * time.Millisecond
)
