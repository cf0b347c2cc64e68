package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/glowbook/creditledger/pkg/ledger"
	"go.uber.org/zap"
)

const (
	defaultTransactionsLimit = 50
	maxTransactionsLimit     = 200
)

// Run boots the HTTP API using the supplied configuration and blocks until
// the context is cancelled or the server fails.
func Run(ctx context.Context, cfg Config, service *ledger.Service, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}

	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledger api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/track", handler.handleTrack)
	api.GET("/providers/:provider_id/balance", handler.handleBalance)
	api.GET("/providers/:provider_id/transactions", handler.handleTransactions)

	admin := router.Group("/admin")
	admin.Use(adminAuth(cfg))
	admin.POST("/adjust", handler.handleAdjust)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *ledger.Service
	cfg     Config
}

type trackRequest struct {
	ProviderID   string `json:"provider_id"`
	ProviderType string `json:"provider_type"`
	Kind         string `json:"kind"`
	ActorID      string `json:"actor_id"`
	ReferenceID  string `json:"reference_id"`
}

type adjustRequest struct {
	ProviderID   string `json:"provider_id"`
	ProviderType string `json:"provider_type"`
	Amount       int64  `json:"amount"`
	Reason       string `json:"reason"`
	Force        bool   `json:"force"`
}

type balancePayload struct {
	ProviderID  string `json:"provider_id"`
	Balance     int64  `json:"balance"`
	TotalEarned int64  `json:"total_earned"`
	TotalSpent  int64  `json:"total_spent"`
}

type transactionPayload struct {
	TransactionID  string `json:"transaction_id"`
	ProviderID     string `json:"provider_id"`
	Amount         int64  `json:"amount"`
	Kind           string `json:"kind"`
	ReferenceID    string `json:"reference_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Metadata       string `json:"metadata"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func (handler *httpHandler) handleTrack(ctx *gin.Context) {
	var request trackRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	providerID, err := ledger.NewProviderID(request.ProviderID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	providerType, err := ledger.ParseProviderType(request.ProviderType)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	kind, err := ledger.ParseInteractionKind(request.Kind)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var referenceID *ledger.ReferenceID
	if request.ReferenceID != "" {
		parsed, err := ledger.NewReferenceID(request.ReferenceID)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		referenceID = &parsed
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	outcome, err := handler.service.Track(requestCtx, providerID, providerType, kind, request.ActorID, referenceID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	snapshot, err := handler.service.Balance(requestCtx, providerID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	status := http.StatusOK
	if outcome.Status == ledger.OutcomeSkippedInsufficientFunds {
		// The caller decides whether a skipped billing blocks the customer
		// action; the outcome payload carries everything it needs.
		status = http.StatusConflict
	}
	ctx.JSON(status, gin.H{
		"outcome":     string(outcome.Status),
		"transaction": optionalTransaction(outcome.Transaction),
		"balance":     mapBalance(snapshot),
	})
}

func (handler *httpHandler) handleAdjust(ctx *gin.Context) {
	var request adjustRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	providerID, err := ledger.NewProviderID(request.ProviderID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	providerType, err := ledger.ParseProviderType(request.ProviderType)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	transaction, err := handler.service.Adjust(requestCtx, providerID, providerType, ledger.AmountCredits(request.Amount), request.Reason, request.Force)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	snapshot, err := handler.service.Balance(requestCtx, providerID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transaction": mapTransaction(transaction),
		"balance":     mapBalance(snapshot),
	})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	providerID, err := ledger.NewProviderID(ctx.Param("provider_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	snapshot, err := handler.service.Balance(requestCtx, providerID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": mapBalance(snapshot)})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	providerID, err := ledger.NewProviderID(ctx.Param("provider_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	limit, err := normalizeLimit(ctx.Query("limit"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", err.Error()))
		return
	}
	before, err := parseBefore(ctx.Query("before"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_before", err.Error()))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	transactions, err := handler.service.ListTransactions(requestCtx, providerID, before, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, mapTransaction(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrUnknownInteractionKind):
		// Configuration error on the caller's side; alertable.
		handler.logger.Error("unknown interaction kind", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_interaction_kind", err.Error()))
	case errors.Is(err, ledger.ErrInvalidAdjustment):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_adjustment", err.Error()))
	case errors.Is(err, ledger.ErrInsufficientFunds):
		ctx.JSON(http.StatusConflict, errorResponse("insufficient_funds", err.Error()))
	case errors.Is(err, ledger.ErrDuplicateEvent):
		ctx.JSON(http.StatusConflict, errorResponse("duplicate_event", err.Error()))
	case errors.Is(err, ledger.ErrLedgerUnavailable):
		handler.logger.Error("ledger unavailable", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("ledger_unavailable", "try again later"))
	case errors.Is(err, ledger.ErrInvalidProviderID),
		errors.Is(err, ledger.ErrInvalidProviderType),
		errors.Is(err, ledger.ErrInvalidInteractionKind),
		errors.Is(err, ledger.ErrInvalidReferenceID),
		errors.Is(err, ledger.ErrInvalidAmountCredits),
		errors.Is(err, ledger.ErrInvalidReason),
		errors.Is(err, ledger.ErrInvalidTransactionLimit):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_argument", err.Error()))
	default:
		handler.logger.Error("ledger request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "unexpected error"))
	}
}

func normalizeLimit(raw string) (int, error) {
	if raw == "" {
		return defaultTransactionsLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxTransactionsLimit {
		return 0, errors.New("limit exceeds maximum")
	}
	return limit, nil
}

func parseBefore(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	before, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || before < 0 {
		return 0, errors.New("before must be a unix timestamp")
	}
	return before, nil
}

func mapBalance(snapshot ledger.AccountSnapshot) balancePayload {
	return balancePayload{
		ProviderID:  snapshot.ProviderID,
		Balance:     snapshot.Balance.Int64(),
		TotalEarned: snapshot.TotalEarned.Int64(),
		TotalSpent:  snapshot.TotalSpent.Int64(),
	}
}

func mapTransaction(transaction ledger.Transaction) transactionPayload {
	return transactionPayload{
		TransactionID:  transaction.TransactionID,
		ProviderID:     transaction.ProviderID,
		Amount:         transaction.Amount.Int64(),
		Kind:           transaction.Kind.String(),
		ReferenceID:    transaction.ReferenceID,
		Reason:         transaction.Reason,
		Metadata:       transaction.MetadataJSON,
		CreatedUnixUTC: transaction.CreatedUnixUTC,
	}
}

func optionalTransaction(transaction *ledger.Transaction) *transactionPayload {
	if transaction == nil {
		return nil
	}
	payload := mapTransaction(*transaction)
	return &payload
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
