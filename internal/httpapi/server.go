// Package httpapi exposes the credit core to the launcher UI over HTTP.
// Every mutation still flows through the session manager, the ledger, or the
// dispatcher; the façade only translates between JSON and domain errors.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xenolabs/creditcore/internal/launcher"
	"github.com/xenolabs/creditcore/pkg/backend"
	"github.com/xenolabs/creditcore/pkg/credit"
	"github.com/xenolabs/creditcore/pkg/dispatch"
	"github.com/xenolabs/creditcore/pkg/session"
)

const (
	contextKeyUser   = "auth_user"
	sessionCookieTTL = 24 * time.Hour
)

// JournalReader serves the wallet history view. Both journal stores satisfy
// it; a nil reader leaves the history empty.
type JournalReader interface {
	ListEntries(ctx context.Context, walletID string, limit int) ([]credit.JournalEntry, error)
}

// WalletSource reports the authoritative cloud balance for resync. The cloud
// backend client satisfies it; a nil source disables resync.
type WalletSource interface {
	FetchWallet(ctx context.Context) (backend.WalletSnapshot, error)
}

// Server wires the HTTP façade over the credit core.
type Server struct {
	cfg        Config
	logger     *zap.Logger
	sessions   *session.Manager
	ledger     *credit.Ledger
	dispatcher *dispatch.Dispatcher
	apps       *launcher.Registry
	history    JournalReader
	wallets    WalletSource

	operationsMu sync.Mutex
	operations   map[string]*dispatch.Operation
}

// ErrInvalidServerConfig reports missing server dependencies.
var ErrInvalidServerConfig = errors.New("invalid server config")

// NewServer validates the configuration and wires the façade.
func NewServer(cfg Config, logger *zap.Logger, sessions *session.Manager, creditLedger *credit.Ledger, dispatcher *dispatch.Dispatcher, apps *launcher.Registry, history JournalReader, wallets WalletSource) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServerConfig, err)
	}
	if sessions == nil || creditLedger == nil || dispatcher == nil {
		return nil, fmt.Errorf("%w: sessions, ledger, and dispatcher are required", ErrInvalidServerConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if apps == nil {
		apps = launcher.NewRegistry()
	}
	return &Server{
		cfg:        cfg,
		logger:     logger,
		sessions:   sessions,
		ledger:     creditLedger,
		dispatcher: dispatcher,
		apps:       apps,
		history:    history,
		wallets:    wallets,
		operations: make(map[string]*dispatch.Operation),
	}, nil
}

// Router builds the gin engine with all routes installed.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/login", server.handleLogin)

	authed := api.Group("")
	authed.Use(server.requireSession)
	authed.POST("/logout", server.handleLogout)
	authed.GET("/wallet", server.handleWallet)
	authed.POST("/wallet/purchase", server.handlePurchase)
	authed.POST("/wallet/resync", server.handleResync)
	authed.POST("/ai/dispatch", server.handleDispatch)
	authed.GET("/ai/operations/:id", server.handleOperation)
	authed.GET("/apps", server.handleApps)
	authed.POST("/apps/:id/launch", server.handleLaunch)

	return router
}

// Run serves the façade until the context is cancelled.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type loginRequest struct {
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

func (server *Server) handleLogin(ctx *gin.Context) {
	var request loginRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	authSession, err := server.sessions.Authenticate(ctx.Request.Context(), request.Username, request.Credential)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.SetCookie(server.cfg.SessionCookieName, authSession.Token(), int(sessionCookieTTL/time.Second), "/", "", server.cfg.CookieSecure, true)
	ctx.JSON(http.StatusOK, gin.H{
		"username":  authSession.Username(),
		"wallet_id": authSession.WalletID(),
		"token":     authSession.Token(),
		"wallet":    server.walletPayload(ctx.Request.Context()),
	})
}

func (server *Server) handleLogout(ctx *gin.Context) {
	if err := server.sessions.Logout(ctx.Request.Context()); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.SetCookie(server.cfg.SessionCookieName, "", -1, "/", "", server.cfg.CookieSecure, true)
	ctx.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

func (server *Server) handleWallet(ctx *gin.Context) {
	payload := server.walletPayload(ctx.Request.Context())
	if payload == nil {
		server.respondError(ctx, credit.ErrNotAuthenticated)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": payload})
}

type purchaseRequest struct {
	Amount int64 `json:"amount"`
}

func (server *Server) handlePurchase(ctx *gin.Context) {
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := credit.NewCreditAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be positive"))
		return
	}
	if err := server.ledger.Purchase(ctx.Request.Context(), amount); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": server.walletPayload(ctx.Request.Context())})
}

// handleResync replaces the local wallet counters with the authoritative
// cloud snapshot.
func (server *Server) handleResync(ctx *gin.Context) {
	if server.wallets == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("resync_unavailable", "no wallet source configured"))
		return
	}
	snapshot, err := server.wallets.FetchWallet(ctx.Request.Context())
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	state := credit.WalletState{
		AvailableCredits: credit.CreditAmount(snapshot.AvailableCredits),
		UsedCredits:      credit.CreditAmount(snapshot.UsedCredits),
		WalletID:         snapshot.WalletID,
	}
	if err := server.ledger.Resync(ctx.Request.Context(), state); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": server.walletPayload(ctx.Request.Context())})
}

type dispatchRequest struct {
	Kind    string `json:"kind"`
	Backend string `json:"backend"`
	Payload string `json:"payload"`
	Model   string `json:"model"`
	Cost    int64  `json:"cost"`
}

func (server *Server) handleDispatch(ctx *gin.Context) {
	var request dispatchRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	choice, err := backend.NewChoice(request.Backend)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_backend", fmt.Sprintf("backend %q is not recognized", request.Backend)))
		return
	}
	operation, err := server.dispatcher.Dispatch(ctx.Request.Context(), dispatch.Request{
		Kind:    credit.OperationKind(request.Kind),
		Backend: choice,
		Payload: request.Payload,
		Model:   request.Model,
		Cost:    credit.CreditAmount(request.Cost),
	})
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	server.operationsMu.Lock()
	server.operations[operation.ID()] = operation
	server.operationsMu.Unlock()
	ctx.JSON(http.StatusAccepted, gin.H{
		"operation_id": operation.ID(),
		"kind":         operation.Kind().String(),
		"backend":      operation.BackendName(),
		"status":       "pending",
	})
}

func (server *Server) handleOperation(ctx *gin.Context) {
	operationID := ctx.Param("id")
	server.operationsMu.Lock()
	operation, known := server.operations[operationID]
	server.operationsMu.Unlock()
	if !known {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_operation", "no such operation"))
		return
	}
	result, delivered := operation.Result()
	if !delivered {
		ctx.JSON(http.StatusOK, gin.H{
			"operation_id": operation.ID(),
			"status":       "pending",
		})
		return
	}
	status := "failed"
	if result.Success {
		status = "completed"
	}
	ctx.JSON(http.StatusOK, gin.H{
		"operation_id": operation.ID(),
		"status":       status,
		"result": gin.H{
			"success":      result.Success,
			"payload":      result.Payload,
			"error_kind":   string(result.ErrorKind),
			"reason":       result.Reason,
			"credits_used": result.CreditsUsed.Int64(),
			"request_id":   result.RequestID,
		},
	})
}

func (server *Server) handleApps(ctx *gin.Context) {
	apps := server.apps.Apps()
	payload := make([]gin.H, 0, len(apps))
	for _, app := range apps {
		payload = append(payload, gin.H{
			"id":        app.ID,
			"name":      app.Name,
			"installed": server.apps.IsInstalled(app.ID),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"apps": payload})
}

func (server *Server) handleLaunch(ctx *gin.Context) {
	appID := ctx.Param("id")
	process, err := server.apps.Launch(appID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"app_id": process.AppID,
		"pid":    process.PID,
		"status": "launched",
	})
}

// requireSession authenticates the request against the active session via the
// signed token in the cookie or Authorization header.
func (server *Server) requireSession(ctx *gin.Context) {
	token := server.extractToken(ctx)
	if token == "" {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session token"))
		return
	}
	subject, err := server.sessions.ValidateToken(token)
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session token"))
		return
	}
	current, active := server.sessions.Current()
	if !active || current.Username() != subject {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "session is no longer active"))
		return
	}
	ctx.Set(contextKeyUser, subject)
	ctx.Next()
}

func (server *Server) extractToken(ctx *gin.Context) string {
	if cookie, err := ctx.Cookie(server.cfg.SessionCookieName); err == nil && cookie != "" {
		return cookie
	}
	const bearerPrefix = "Bearer "
	authorization := ctx.GetHeader("Authorization")
	if len(authorization) > len(bearerPrefix) && authorization[:len(bearerPrefix)] == bearerPrefix {
		return authorization[len(bearerPrefix):]
	}
	return ""
}

func (server *Server) walletPayload(ctx context.Context) gin.H {
	state, err := server.ledger.Balance()
	if err != nil {
		return nil
	}
	payload := gin.H{
		"wallet_id":         state.WalletID,
		"available_credits": state.AvailableCredits.Int64(),
		"used_credits":      state.UsedCredits.Int64(),
		"last_updated":      state.LastUpdated.Unix(),
	}
	if server.history != nil {
		entries, err := server.history.ListEntries(ctx, state.WalletID, WalletHistoryLimit())
		if err != nil {
			server.logger.Warn("wallet history fetch failed", zap.Error(err))
		} else {
			history := make([]gin.H, 0, len(entries))
			for _, entry := range entries {
				history = append(history, gin.H{
					"entry_id":       entry.EntryID,
					"type":           entry.Type.String(),
					"amount":         entry.Amount.Int64(),
					"reservation_id": entry.ReservationID,
					"operation_kind": entry.OperationKind.String(),
					"created_at":     entry.CreatedAt.Unix(),
				})
			}
			payload["history"] = history
		}
	}
	return payload
}

// respondError maps domain errors onto stable HTTP statuses.
func (server *Server) respondError(ctx *gin.Context, err error) {
	var insufficientCredits credit.InsufficientCreditsError
	if errors.As(err, &insufficientCredits) {
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error": gin.H{
				"code":      "insufficient_credits",
				"message":   insufficientCredits.Error(),
				"required":  insufficientCredits.Required.Int64(),
				"available": insufficientCredits.Available.Int64(),
			},
		})
		return
	}
	switch {
	case errors.Is(err, credit.ErrNotAuthenticated), errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrInvalidCredentials):
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", err.Error()))
	case errors.Is(err, session.ErrAlreadyAuthenticated):
		ctx.JSON(http.StatusConflict, errorResponse("already_authenticated", err.Error()))
	case errors.Is(err, credit.ErrInsufficientCredits), errors.Is(err, credit.ErrPaymentDeclined):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("payment_required", err.Error()))
	case errors.Is(err, credit.ErrInvalidOperationKind), errors.Is(err, credit.ErrInvalidCreditAmount):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case errors.Is(err, dispatch.ErrUnknownBackend):
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_backend", err.Error()))
	case errors.Is(err, backend.ErrTimeout):
		ctx.JSON(http.StatusGatewayTimeout, errorResponse("backend_timeout", err.Error()))
	case errors.Is(err, backend.ErrUnavailable):
		ctx.JSON(http.StatusBadGateway, errorResponse("backend_unavailable", err.Error()))
	case errors.Is(err, launcher.ErrUnknownApp):
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_app", err.Error()))
	case errors.Is(err, launcher.ErrAppNotInstalled):
		ctx.JSON(http.StatusConflict, errorResponse("app_not_installed", err.Error()))
	default:
		server.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "request failed"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
