// Package oplog adapts the ledger's OperationLogger contract onto zap.
package oplog

import (
	"context"

	"github.com/glowbook/creditledger/pkg/ledger"
	"go.uber.org/zap"
)

// Logger emits one structured log line per state-changing ledger operation.
type Logger struct {
	logger *zap.Logger
}

// New wires a zap-backed operation logger.
func New(logger *zap.Logger) *Logger {
	return &Logger{logger: logger}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *Logger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("provider_id", entry.ProviderID.String()),
		zap.String("kind", entry.Kind.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.ReferenceID != nil {
		fields = append(fields, zap.String("reference_id", entry.ReferenceID.String()))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
