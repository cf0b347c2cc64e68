package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation   string
	ProviderID  ProviderID
	Kind        InteractionKind
	Amount      AmountCredits
	ReferenceID *ReferenceID
	Reason      string
	Status      string
	Error       error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithSkipZeroCost disables recording of zero-amount transactions for free
// kinds. The default records them for audit completeness.
func WithSkipZeroCost() ServiceOption {
	return func(service *Service) {
		service.skipZeroCost = true
	}
}
