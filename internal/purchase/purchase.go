// Package purchase переводит события платёжного провайдера в зачисления кредитов.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/studymate/internal/ledger"
	"github.com/mmeshcher/studymate/internal/model"
)

var (
	// ErrUnknownProduct возвращается для продукта, которого нет в каталоге.
	ErrUnknownProduct = errors.New("unknown product")
	// ErrUnknownStatus возвращается для неизвестного статуса события.
	ErrUnknownStatus = errors.New("unknown purchase status")
)

// Status задаёт статус транзакции, сообщённый провайдером.
type Status string

const (
	StatusPurchased Status = "purchased"
	StatusRestored  Status = "restored"
	StatusCancelled Status = "cancelled"
)

// Event описывает событие платёжного провайдера.
type Event struct {
	TransactionID string          `json:"transaction_id"`
	ProductID     string          `json:"product_id"`
	Status        Status          `json:"status"`
	Price         decimal.Decimal `json:"price"`
	Currency      string          `json:"currency"`
	// PurchasedAt хранит момент исходной покупки; для восстановленной подписки срок считается от него.
	PurchasedAt time.Time `json:"purchased_at,omitempty"`
}

// Grant описывает, что получает покупатель продукта.
type Grant struct {
	Permanent int64
	Expiring  int64
	ValidFor  time.Duration
}

// Catalog сопоставляет идентификаторы продуктов и начисления.
type Catalog map[string]Grant

// DefaultCatalog возвращает каталог продуктов приложения.
func DefaultCatalog() Catalog {
	return Catalog{
		"credits_10":  {Permanent: 10},
		"credits_50":  {Permanent: 50},
		"credits_120": {Permanent: 120},
		"pro_monthly": {Expiring: 300, ValidFor: 30 * 24 * time.Hour},
		"pro_yearly":  {Expiring: 4000, ValidFor: 365 * 24 * time.Hour},
	}
}

// Reconciler описывает движок, которому мост передаёт зачисление.
type Reconciler interface {
	ReconcilePurchase(ctx context.Context, id model.Identity, rec ledger.Reconciliation) (ledger.ReconcileResult, error)
}

// Outcome описывает итог обработки события.
type Outcome struct {
	Ignored bool                   `json:"ignored"`
	Reason  string                 `json:"reason,omitempty"`
	Result  *ledger.ReconcileResult `json:"result,omitempty"`
}

// Bridge связывает провайдером покупок и кредитным движком.
type Bridge struct {
	ledger  Reconciler
	catalog Catalog
	logger  *zap.Logger
	now     func() time.Time
}

// NewBridge создаёт мост. Пустой каталог заменяется каталогом по умолчанию.
func NewBridge(l Reconciler, catalog Catalog, logger *zap.Logger) *Bridge {
	if len(catalog) == 0 {
		catalog = DefaultCatalog()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		ledger:  l,
		catalog: catalog,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Handle обрабатывает событие. Отменённые транзакции и истёкшие восстановленные подписки
// игнорируются; повтор уже зачисленной транзакции ничего не меняет.
func (b *Bridge) Handle(ctx context.Context, id model.Identity, ev Event) (Outcome, error) {
	var reason model.RestorationReason
	switch ev.Status {
	case StatusCancelled:
		b.logger.Info("purchase cancelled, nothing to credit",
			zap.String("transaction_id", ev.TransactionID),
			zap.String("product_id", ev.ProductID),
		)
		return Outcome{Ignored: true, Reason: "cancelled"}, nil
	case StatusPurchased:
		reason = model.ReasonInitialPurchase
	case StatusRestored:
		reason = model.ReasonManualRestore
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownStatus, ev.Status)
	}

	grant, ok := b.catalog[ev.ProductID]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownProduct, ev.ProductID)
	}

	rec := ledger.Reconciliation{
		TransactionID: ev.TransactionID,
		ProductID:     ev.ProductID,
		Permanent:     grant.Permanent,
		Price:         ev.Price,
		Currency:      ev.Currency,
		Reason:        reason,
	}

	if grant.Expiring > 0 {
		now := b.now()
		// Момент покупки из будущего не продлевает подписку.
		start := now
		if !ev.PurchasedAt.IsZero() && ev.PurchasedAt.Before(now) {
			start = ev.PurchasedAt
		}
		expiresAt := start.Add(grant.ValidFor)
		if expiresAt.After(now) {
			rec.Expiring = grant.Expiring
			rec.ExpiresAt = expiresAt
		}
	}

	if rec.Expected() == 0 {
		b.logger.Info("subscription period already ended",
			zap.String("transaction_id", ev.TransactionID),
			zap.String("product_id", ev.ProductID),
			zap.Time("purchased_at", ev.PurchasedAt),
		)
		return Outcome{Ignored: true, Reason: "subscription period ended"}, nil
	}

	res, err := b.ledger.ReconcilePurchase(ctx, id, rec)
	if err != nil {
		return Outcome{}, fmt.Errorf("handle purchase event: %w", err)
	}

	return Outcome{Result: &res}, nil
}
