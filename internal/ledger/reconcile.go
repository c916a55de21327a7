package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/studymate/internal/model"
	"github.com/mmeshcher/studymate/internal/repository"
)

var (
	// ErrInvalidTransaction возвращается, если у события покупки нет идентификатора транзакции.
	ErrInvalidTransaction = errors.New("transaction id is required")
	// ErrTransactionOwnedByAnother возвращается, если транзакция уже принадлежит другой идентичности.
	ErrTransactionOwnedByAnother = errors.New("transaction belongs to another identity")
)

// pendingClaimTimeout задаёт, через сколько незавершённая (pending) покупка считается брошенной и может быть досчитана повторно.
const pendingClaimTimeout = 5 * time.Minute

// Reconciliation описывает зачисление по одной транзакции платёжного провайдера.
type Reconciliation struct {
	TransactionID string
	ProductID     string
	Permanent     int64
	Expiring      int64
	ExpiresAt     time.Time
	Price         decimal.Decimal
	Currency      string
	Reason        model.RestorationReason
}

// Expected возвращает полное количество кредитов, положенное по транзакции.
func (r Reconciliation) Expected() int64 {
	return r.Permanent + r.Expiring
}

// ReconcileResult описывает итог сверки.
type ReconcileResult struct {
	TransactionID string                  `json:"transaction_id"`
	Duplicate     bool                    `json:"duplicate"`
	Pending       bool                    `json:"pending"`
	Expected      int64                   `json:"expected_credits"`
	Added         int64                   `json:"added_credits"`
	Status        model.RestorationStatus `json:"status,omitempty"`
	Notice        string                  `json:"notice,omitempty"`
	Balance       *model.Balance          `json:"balance,omitempty"`
}

// Partial сообщает, что зачислена только часть положенных кредитов.
func (r ReconcileResult) Partial() bool {
	return r.Status == model.RestorationPartial
}

// ReconcilePurchase превращает событие покупки в мутацию счёта ровно один раз на транзакцию.
// Повтор уже зачисленной транзакции не считается ошибкой: возвращается Duplicate=true без изменений.
// Кредиты, зачисленные по той же транзакции в хранилище другой идентичности, тоже считаются зачисленными.
// Если транзакцию сейчас обрабатывает другой вызов, возвращается Pending=true и ничего не меняется.
func (l *Ledger) ReconcilePurchase(ctx context.Context, id model.Identity, rec Reconciliation) (ReconcileResult, error) {
	defer l.observe("reconcile", time.Now())

	if rec.TransactionID == "" {
		return ReconcileResult{}, ErrInvalidTransaction
	}
	expected := rec.Expected()
	if rec.Permanent < 0 || rec.Expiring < 0 || expected <= 0 {
		return ReconcileResult{}, ErrInvalidAmount
	}
	now := l.now()
	if rec.Expiring > 0 && !rec.ExpiresAt.After(now) {
		return ReconcileResult{}, ErrInvalidExpiry
	}
	if rec.Reason == "" {
		rec.Reason = model.ReasonInitialPurchase
	}

	store, _, err := l.storeFor(id)
	if err != nil {
		return ReconcileResult{}, err
	}

	result := ReconcileResult{TransactionID: rec.TransactionID, Expected: expected}

	purchase, already, err := l.settledSoFar(ctx, store, id, rec.TransactionID)
	if err != nil {
		return ReconcileResult{}, err
	}

	elsewhere, busy, err := l.settledElsewhere(ctx, id, rec.TransactionID, now)
	if err != nil {
		return ReconcileResult{}, err
	}
	if busy {
		return l.inProgress(result), nil
	}
	already += elsewhere

	if already >= expected {
		if purchase != nil && purchase.Status != model.PurchaseCompleted {
			if err := store.SetPurchaseStatus(ctx, id.ID, rec.TransactionID, model.PurchaseCompleted, now); err != nil {
				l.logger.Warn("mark purchase completed failed", zap.String("transaction_id", rec.TransactionID), zap.Error(err))
			}
		}
		return l.duplicate(result), nil
	}

	claimed, err := l.claim(ctx, store, id, rec, purchase, now)
	if err != nil {
		return ReconcileResult{}, err
	}
	if !claimed {
		return l.inProgress(result), nil
	}
	if purchase != nil {
		rec.Reason = model.ReasonVerification
	}

	remPermanent := max(0, rec.Permanent-already)
	remExpiring := expected - already - remPermanent
	var unsupported int64
	if remExpiring > 0 && !store.SupportsExpiring() {
		unsupported = remExpiring
		remExpiring = 0
	}

	added := remPermanent + remExpiring
	status := settlementStatus(already+added, expected)
	restoration := model.CreditRestoration{
		ID:                 uuid.NewString(),
		Owner:              id.ID,
		TransactionID:      rec.TransactionID,
		ExpectedCredits:    expected,
		ActualCreditsAdded: added,
		Reason:             rec.Reason,
		Status:             status,
		CreatedAt:          now,
	}
	purchaseStatus := model.PurchaseCompleted
	if already+added == 0 {
		purchaseStatus = model.PurchaseFailed
	}

	result.Added = added
	result.Status = status
	if unsupported > 0 {
		result.Notice = fmt.Sprintf("%d expiring credits require a signed-in account", unsupported)
	}

	if added == 0 {
		if err := l.recordOutcome(ctx, store, restoration, purchaseStatus); err != nil {
			return ReconcileResult{}, fmt.Errorf("reconcile purchase: %w", err)
		}
		l.reportOutcome(id, rec, result)
		return result, nil
	}

	after, _, err := l.mutate(ctx, store, id.ID, func(acc *model.CreditAccount) (model.AccountUpdate, bool, error) {
		upd := model.AccountUpdate{
			Owner:           acc.Owner,
			ExpectedVersion: acc.Version,
			Permanent:       acc.Permanent + remPermanent,
			Settlement: &model.Settlement{
				Restoration:    restoration,
				PurchaseStatus: purchaseStatus,
			},
		}
		if remExpiring > 0 {
			upd.Added = []model.ExpiringGrant{{Amount: remExpiring, ExpiresAt: rec.ExpiresAt, CreatedAt: now}}
		}
		return upd, true, nil
	})
	if err != nil {
		result.Added = 0
		result.Status = settlementStatus(already, expected)
		result.Notice = ""

		failed := restoration
		failed.ActualCreditsAdded = 0
		failed.Status = result.Status
		failedStatus := model.PurchaseCompleted
		if already == 0 {
			failedStatus = model.PurchaseFailed
		}
		if auditErr := l.recordOutcome(ctx, store, failed, failedStatus); auditErr != nil {
			l.logger.Error("record failed settlement", zap.String("transaction_id", rec.TransactionID), zap.Error(auditErr))
		}

		l.metrics.ReconcileTotal.WithLabelValues(string(model.RestorationFailed)).Inc()
		l.logger.Error("purchase settlement failed",
			zap.String("owner", id.ID),
			zap.String("transaction_id", rec.TransactionID),
			zap.Error(err),
		)
		return result, fmt.Errorf("reconcile purchase: %w", err)
	}

	if remPermanent > 0 {
		l.metrics.CreditsAdded.WithLabelValues(string(model.CreditPermanent)).Add(float64(remPermanent))
	}
	if remExpiring > 0 {
		l.metrics.CreditsAdded.WithLabelValues(string(model.CreditExpiring)).Add(float64(remExpiring))
	}
	if id.IsAuthenticated() {
		l.remember(ctx, after, now)
	}

	balance := after.Balance(now)
	result.Balance = &balance
	l.reportOutcome(id, rec, result)
	return result, nil
}

// settledSoFar возвращает покупку (nil, если её ещё нет) и сумму кредитов, уже зачисленных по транзакции.
func (l *Ledger) settledSoFar(ctx context.Context, store Store, id model.Identity, transactionID string) (*model.PurchaseRecord, int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	purchase, err := store.GetPurchase(opCtx, transactionID)
	switch {
	case errors.Is(err, repository.ErrPurchaseNotFound):
		purchase = nil
	case err != nil:
		return nil, 0, fmt.Errorf("get purchase: %w", err)
	case purchase.Owner != id.ID:
		return nil, 0, ErrTransactionOwnedByAnother
	}

	restorations, err := store.GetRestorations(opCtx, id.ID, transactionID)
	if err != nil {
		return nil, 0, fmt.Errorf("get restorations: %w", err)
	}

	var already int64
	for _, r := range restorations {
		already += r.ActualCreditsAdded
	}
	return purchase, already, nil
}

// settledElsewhere проверяет хранилище другого вида идентичности: сколько кредитов по транзакции
// уже зачислено там и не обрабатывается ли она там прямо сейчас.
func (l *Ledger) settledElsewhere(ctx context.Context, id model.Identity, transactionID string, now time.Time) (int64, bool, error) {
	other := l.local
	if !id.IsAuthenticated() {
		other = l.remote
	}
	if other == nil {
		return 0, false, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	purchase, err := other.GetPurchase(opCtx, transactionID)
	if errors.Is(err, repository.ErrPurchaseNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get purchase of other store: %w", err)
	}

	restorations, err := other.GetRestorations(opCtx, purchase.Owner, transactionID)
	if err != nil {
		return 0, false, fmt.Errorf("get restorations of other store: %w", err)
	}

	var settled int64
	for _, r := range restorations {
		settled += r.ActualCreditsAdded
	}

	busy := purchase.Status == model.PurchasePending && now.Sub(purchase.UpdatedAt) < pendingClaimTimeout
	return settled, busy, nil
}

// claim закрепляет транзакцию за текущим вызовом: создаёт pending-покупку или перехватывает
// незавершённую. false означает, что транзакцию уже обрабатывает другой вызов.
func (l *Ledger) claim(ctx context.Context, store Store, id model.Identity, rec Reconciliation, purchase *model.PurchaseRecord, now time.Time) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if purchase == nil {
		err := store.CreatePurchase(opCtx, model.PurchaseRecord{
			ID:            uuid.NewString(),
			Owner:         id.ID,
			TransactionID: rec.TransactionID,
			ProductID:     rec.ProductID,
			Amount:        rec.Price,
			Currency:      rec.Currency,
			Status:        model.PurchasePending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if errors.Is(err, repository.ErrDuplicateTransaction) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("create purchase: %w", err)
		}
		return true, nil
	}

	if purchase.Status == model.PurchasePending && now.Sub(purchase.UpdatedAt) < pendingClaimTimeout {
		return false, nil
	}

	err := store.ClaimPurchase(opCtx, *purchase, now)
	if errors.Is(err, repository.ErrConcurrentUpdate) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim purchase: %w", err)
	}
	return true, nil
}

func (l *Ledger) recordOutcome(ctx context.Context, store Store, c model.CreditRestoration, status model.PurchaseStatus) error {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	if err := store.AddRestoration(opCtx, c); err != nil {
		return err
	}
	return store.SetPurchaseStatus(opCtx, c.Owner, c.TransactionID, status, c.CreatedAt)
}

func (l *Ledger) duplicate(result ReconcileResult) ReconcileResult {
	result.Duplicate = true
	l.metrics.ReconcileTotal.WithLabelValues("duplicate").Inc()
	l.logger.Info("purchase already settled", zap.String("transaction_id", result.TransactionID))
	return result
}

// inProgress сообщает, что транзакцию сейчас зачисляет другой вызов; вызывающему стоит повторить позже.
func (l *Ledger) inProgress(result ReconcileResult) ReconcileResult {
	result.Pending = true
	l.metrics.ReconcileTotal.WithLabelValues("pending").Inc()
	l.logger.Info("purchase settlement in progress", zap.String("transaction_id", result.TransactionID))
	return result
}

func (l *Ledger) reportOutcome(id model.Identity, rec Reconciliation, result ReconcileResult) {
	l.metrics.ReconcileTotal.WithLabelValues(string(result.Status)).Inc()

	fields := []zap.Field{
		zap.String("owner", id.ID),
		zap.String("transaction_id", rec.TransactionID),
		zap.String("product_id", rec.ProductID),
		zap.String("reason", string(rec.Reason)),
		zap.Int64("expected", result.Expected),
		zap.Int64("added", result.Added),
	}
	if result.Status == model.RestorationSuccess {
		l.logger.Info("purchase settled", fields...)
		return
	}
	l.logger.Warn("purchase settled partially", append(fields, zap.String("notice", result.Notice))...)
}

func settlementStatus(total, expected int64) model.RestorationStatus {
	switch {
	case total >= expected:
		return model.RestorationSuccess
	case total > 0:
		return model.RestorationPartial
	default:
		return model.RestorationFailed
	}
}
