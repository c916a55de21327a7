// Package handler содержит HTTP-обработчики API сервиса studymate.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/studymate/internal/generator"
	"github.com/mmeshcher/studymate/internal/ledger"
	"github.com/mmeshcher/studymate/internal/middleware"
	"github.com/mmeshcher/studymate/internal/model"
	"github.com/mmeshcher/studymate/internal/purchase"
	"github.com/mmeshcher/studymate/internal/repository"
	"github.com/mmeshcher/studymate/internal/service"
	"github.com/mmeshcher/studymate/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (string, error)
	AuthenticateUser(ctx context.Context, login, password string) (string, error)
	GetBalance(ctx context.Context, id model.Identity) (model.Balance, error)
	SpendCredits(ctx context.Context, id model.Identity, amount int64) (ledger.SpendResult, error)
	SweepExpired(ctx context.Context, id model.Identity) (int, error)
	HandlePurchase(ctx context.Context, id model.Identity, ev purchase.Event) (purchase.Outcome, error)
	UseFeature(ctx context.Context, id model.Identity, f service.Feature, in service.FeatureInput) (*service.FeatureResult, error)
	ListItems(ctx context.Context, id model.Identity, kind model.ItemKind) ([]model.StudyItem, error)
}

// Handler реализует HTTP-обработчики API сервиса studymate.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := validation.ValidateCredentials(req.Login, req.Password); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.writeError(w, "register user error", err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := validation.ValidateCredentials(req.Login, req.Password); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.writeError(w, "login user error", err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Logout удаляет cookie авторизации. Кредиты профиля устройства при входе и выходе не переносятся.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.authMiddleware.ClearAuthCookie(w)
	w.WriteHeader(http.StatusOK)
}

// GetBalance возвращает баланс текущей идентичности.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), id)
	if err != nil {
		h.writeError(w, "get balance error", err, zap.String("owner", id.ID))
		return
	}

	h.writeJSON(w, http.StatusOK, balance)
}

type spendRequest struct {
	Amount int64 `json:"amount"`
}

// Spend списывает кредиты текущей идентичности. При нехватке отвечает 402 с текущим балансом.
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req spendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := validation.ValidateAmount(req.Amount); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.SpendCredits(r.Context(), id, req.Amount)
	if err != nil {
		h.writeError(w, "spend credits error", err, zap.String("owner", id.ID), zap.Int64("amount", req.Amount))
		return
	}

	status := http.StatusOK
	if !res.Success {
		status = http.StatusPaymentRequired
	}
	h.writeJSON(w, status, res)
}

type sweepResponse struct {
	Removed int `json:"removed"`
}

// Sweep удаляет истёкшие партии текущей идентичности.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	n, err := h.service.SweepExpired(r.Context(), id)
	if err != nil {
		h.writeError(w, "sweep expired grants error", err, zap.String("owner", id.ID))
		return
	}

	h.writeJSON(w, http.StatusOK, sweepResponse{Removed: n})
}

// PurchaseEvent принимает событие платёжного провайдера. На проигнорированное событие отвечает 202,
// а если транзакцию в этот момент зачисляет другой запрос, то 409: клиенту нужно повторить событие позже.
// Квитанция провайдера не проверяется, событию клиента доверяют.
func (h *Handler) PurchaseEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var ev purchase.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if validation.ValidateTransactionID(ev.TransactionID) != nil || validation.ValidateProductID(ev.ProductID) != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	out, err := h.service.HandlePurchase(r.Context(), id, ev)
	if err != nil {
		h.writeError(w, "purchase event error", err,
			zap.String("owner", id.ID),
			zap.String("transaction_id", ev.TransactionID),
		)
		return
	}

	status := http.StatusOK
	switch {
	case out.Ignored:
		status = http.StatusAccepted
	case out.Result != nil && out.Result.Pending:
		status = http.StatusConflict
	}
	h.writeJSON(w, status, out)
}

// UseFeature запускает платную функцию из пути запроса.
func (h *Handler) UseFeature(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	feature, ok := service.ParseFeature(chi.URLParam(r, "feature"))
	if !ok {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	var in service.FeatureInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.UseFeature(r.Context(), id, feature, in)
	if err != nil {
		h.writeError(w, "feature error", err, zap.String("owner", id.ID), zap.String("feature", string(feature)))
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

var itemKinds = map[model.ItemKind]bool{
	"":                   true,
	model.ItemHistory:    true,
	model.ItemNote:       true,
	model.ItemScanNote:   true,
	model.ItemQuiz:       true,
	model.ItemFlashcards: true,
}

// ListItems возвращает учебные материалы текущей идентичности.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	kind := model.ItemKind(r.URL.Query().Get("kind"))
	if !itemKinds[kind] {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	items, err := h.service.ListItems(r.Context(), id, kind)
	if err != nil {
		h.writeError(w, "list items error", err, zap.String("owner", id.ID))
		return
	}

	if len(items) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, items)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response error", zap.Error(err))
	}
}

// writeError переводит ошибку сервиса в HTTP-статус; непредвиденные ошибки пишутся в журнал.
func (h *Handler) writeError(w http.ResponseWriter, msg string, err error, fields ...zap.Field) {
	status := statusFor(err)
	if status == http.StatusInternalServerError || status == http.StatusBadGateway {
		h.logger.Error(msg, append(fields, zap.Error(err))...)
	}
	if errors.Is(err, generator.ErrRateLimited) {
		var statusErr *generator.StatusError
		if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(statusErr.RetryAfter/time.Second)))
		}
	}
	http.Error(w, http.StatusText(status), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrIdentityRequired):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidExpiry),
		errors.Is(err, ledger.ErrInvalidTransaction),
		errors.Is(err, purchase.ErrUnknownStatus),
		errors.Is(err, service.ErrEmptyInput),
		errors.Is(err, repository.ErrExpiringUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnknownFeature):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrTransactionOwnedByAnother),
		errors.Is(err, ledger.ErrTooManyConflicts):
		return http.StatusConflict
	case errors.Is(err, purchase.ErrUnknownProduct):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrStoreUnavailable),
		errors.Is(err, service.ErrAccountsUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrGenerationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
