package oplog

import (
	"context"
	"errors"
	"testing"

	"github.com/glowbook/creditledger/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogOperationSuccess(test *testing.T) {
	test.Parallel()
	core, recorded := observer.New(zapcore.InfoLevel)
	operationLogger := New(zap.New(core))

	providerID, err := ledger.NewProviderID("prov-1")
	if err != nil {
		test.Fatalf("provider id: %v", err)
	}
	referenceID, err := ledger.NewReferenceID("booking-1")
	if err != nil {
		test.Fatalf("reference id: %v", err)
	}

	operationLogger.LogOperation(context.Background(), ledger.OperationLog{
		Operation:   "debit",
		ProviderID:  providerID,
		Kind:        ledger.KindBookingConfirmed,
		Amount:      1000,
		ReferenceID: &referenceID,
		Status:      "ok",
	})

	entries := recorded.All()
	if len(entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel || entry.Message != "ledger operation" {
		test.Fatalf("unexpected entry: %+v", entry)
	}
	fields := entry.ContextMap()
	if fields["operation"] != "debit" || fields["provider_id"] != "prov-1" || fields["kind"] != "booking_confirmed" {
		test.Fatalf("unexpected fields: %v", fields)
	}
	if fields["amount"] != int64(1000) || fields["status"] != "ok" || fields["reference_id"] != "booking-1" {
		test.Fatalf("unexpected fields: %v", fields)
	}
}

func TestLogOperationFailure(test *testing.T) {
	test.Parallel()
	core, recorded := observer.New(zapcore.InfoLevel)
	operationLogger := New(zap.New(core))

	providerID, err := ledger.NewProviderID("prov-2")
	if err != nil {
		test.Fatalf("provider id: %v", err)
	}

	operationLogger.LogOperation(context.Background(), ledger.OperationLog{
		Operation:  "credit",
		ProviderID: providerID,
		Kind:       ledger.KindAdminAdjustment,
		Amount:     500,
		Reason:     "recharge",
		Status:     "error",
		Error:      errors.New("boom"),
	})

	entries := recorded.All()
	if len(entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.WarnLevel || entry.Message != "ledger operation failed" {
		test.Fatalf("unexpected entry: %+v", entry)
	}
	fields := entry.ContextMap()
	if fields["reason"] != "recharge" || fields["error"] != "boom" {
		test.Fatalf("unexpected fields: %v", fields)
	}
}
