// Package ledger реализует кредитный движок: баланс, списание, зачисление, сверку покупок и очистку истёкших партий.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mmeshcher/studymate/internal/metrics"
	"github.com/mmeshcher/studymate/internal/model"
	"github.com/mmeshcher/studymate/internal/repository"
)

var (
	// ErrInvalidAmount возвращается при неположительном количестве кредитов.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInvalidExpiry возвращается, если срок действия истекающей партии не в будущем.
	ErrInvalidExpiry = errors.New("expiry must be in the future")
	// ErrInsufficientCredits описывает нехватку кредитов. Spend не возвращает её как ошибку, а кладёт в SpendResult.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrIdentityRequired возвращается, если операция вызвана без разрешённой идентичности.
	ErrIdentityRequired = errors.New("identity is required")
	// ErrStoreUnavailable возвращается, если для вида идентичности не настроено хранилище.
	ErrStoreUnavailable = errors.New("no credit store configured for identity")
	// ErrTooManyConflicts возвращается, если мутация не применилась из-за конкурентных изменений за отведённые попытки.
	ErrTooManyConflicts = errors.New("too many concurrent updates")
)

const (
	defaultTimeout = 8 * time.Second
	maxAttempts    = 3
)

// Store описывает хранилище кредитного счёта. Удалённое и локальное хранилища реализуют его одинаково;
// локальное не поддерживает истекающие партии.
type Store interface {
	SupportsExpiring() bool
	GetAccount(ctx context.Context, owner string) (*model.CreditAccount, error)
	UpdateAccount(ctx context.Context, upd model.AccountUpdate) error
	DeleteExpiredGrants(ctx context.Context, owner string, now time.Time) (int, error)
	DeleteAllExpiredGrants(ctx context.Context, now time.Time) (int, error)

	GetPurchase(ctx context.Context, transactionID string) (*model.PurchaseRecord, error)
	CreatePurchase(ctx context.Context, p model.PurchaseRecord) error
	ClaimPurchase(ctx context.Context, p model.PurchaseRecord, now time.Time) error
	SetPurchaseStatus(ctx context.Context, owner, transactionID string, status model.PurchaseStatus, now time.Time) error
	GetRestorations(ctx context.Context, owner, transactionID string) ([]model.CreditRestoration, error)
	AddRestoration(ctx context.Context, c model.CreditRestoration) error
}

// BalanceCache хранит последний прочитанный удалённый счёт для деградированного чтения.
type BalanceCache interface {
	SaveSnapshot(ctx context.Context, acc *model.CreditAccount, asOf time.Time) error
	GetSnapshot(ctx context.Context, owner string) (*model.CreditAccount, time.Time, error)
}

// Config задаёт зависимости движка. Remote может быть nil, если сервис работает только с локальными профилями.
type Config struct {
	Remote      Store
	Local       Store
	Cache       BalanceCache
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Timeout     time.Duration
	SweepOnRead bool
	Now         func() time.Time
}

// Ledger является единственным источником истины о кредитах идентичности.
type Ledger struct {
	remote      Store
	local       Store
	cache       BalanceCache
	logger      *zap.Logger
	metrics     *metrics.Metrics
	timeout     time.Duration
	sweepOnRead bool
	now         func() time.Time
}

// SpendResult описывает итог списания. Нехватка кредитов не является ошибкой: Success=false и Error заполнен.
type SpendResult struct {
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
	Balance model.Balance `json:"balance"`
}

// New создаёт движок.
func New(cfg Config) *Ledger {
	l := &Ledger{
		remote:      cfg.Remote,
		local:       cfg.Local,
		cache:       cfg.Cache,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		timeout:     cfg.Timeout,
		sweepOnRead: cfg.SweepOnRead,
		now:         cfg.Now,
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	if l.metrics == nil {
		l.metrics = metrics.New(prometheus.NewRegistry())
	}
	if l.timeout <= 0 {
		l.timeout = defaultTimeout
	}
	if l.now == nil {
		l.now = func() time.Time { return time.Now().UTC() }
	}
	return l
}

// storeFor выбирает хранилище по идентичности; идентичность разрешается вызывающим заново на каждый вызов.
func (l *Ledger) storeFor(id model.Identity) (Store, string, error) {
	if id.ID == "" {
		return nil, "", ErrIdentityRequired
	}

	switch id.Kind {
	case model.IdentityAuthenticated:
		if l.remote == nil {
			return nil, "", fmt.Errorf("%w: %s", ErrStoreUnavailable, id.Kind)
		}
		return l.remote, "remote", nil
	case model.IdentityAnonymous:
		if l.local == nil {
			return nil, "", fmt.Errorf("%w: %s", ErrStoreUnavailable, id.Kind)
		}
		return l.local, "local", nil
	default:
		return nil, "", ErrIdentityRequired
	}
}

func (l *Ledger) observe(operation string, started time.Time) {
	l.metrics.OperationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// Balance возвращает снимок доступных кредитов. При недоступности удалённого хранилища отдаёт
// последний сохранённый снимок с флагом Stale; истёкшие партии не учитываются ни в одном случае.
func (l *Ledger) Balance(ctx context.Context, id model.Identity) (model.Balance, error) {
	defer l.observe("balance", time.Now())

	store, _, err := l.storeFor(id)
	if err != nil {
		return model.Balance{}, err
	}

	opCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	acc, err := store.GetAccount(opCtx, id.ID)
	if err != nil {
		if id.IsAuthenticated() && l.cache != nil && ctx.Err() == nil {
			return l.degradedBalance(ctx, id, err)
		}
		return model.Balance{}, fmt.Errorf("get balance: %w", err)
	}

	now := l.now()
	if id.IsAuthenticated() {
		l.remember(ctx, acc, now)
	}

	if l.sweepOnRead && hasExpired(acc, now) {
		if n, err := store.DeleteExpiredGrants(opCtx, id.ID, now); err != nil {
			l.logger.Warn("opportunistic sweep failed", zap.String("owner", id.ID), zap.Error(err))
		} else {
			l.metrics.SweptGrants.Add(float64(n))
		}
	}

	return acc.Balance(now), nil
}

func (l *Ledger) degradedBalance(ctx context.Context, id model.Identity, cause error) (model.Balance, error) {
	acc, asOf, err := l.cache.GetSnapshot(ctx, id.ID)
	if err != nil {
		if errors.Is(err, repository.ErrSnapshotNotFound) {
			return model.Balance{}, fmt.Errorf("get balance: %w", cause)
		}
		return model.Balance{}, fmt.Errorf("get balance: %w", errors.Join(cause, err))
	}

	l.metrics.DegradedReads.Inc()
	l.logger.Warn("remote balance unavailable, serving local snapshot",
		zap.String("owner", id.ID),
		zap.Time("as_of", asOf),
		zap.Error(cause),
	)

	b := acc.Balance(l.now())
	b.Stale = true
	b.AsOf = asOf
	return b, nil
}

func (l *Ledger) remember(ctx context.Context, acc *model.CreditAccount, now time.Time) {
	if l.cache == nil {
		return
	}
	if err := l.cache.SaveSnapshot(ctx, acc, now); err != nil {
		l.logger.Warn("save balance snapshot failed", zap.String("owner", acc.Owner), zap.Error(err))
	}
}

func hasExpired(acc *model.CreditAccount, now time.Time) bool {
	for _, g := range acc.Grants {
		if !g.ExpiresAt.After(now) {
			return true
		}
	}
	return false
}

// Spend списывает amount кредитов целиком либо не списывает ничего.
// Истекающие партии расходуются первыми в порядке срока истечения, остаток берётся из постоянного баланса.
func (l *Ledger) Spend(ctx context.Context, id model.Identity, amount int64) (SpendResult, error) {
	defer l.observe("spend", time.Now())

	if amount <= 0 {
		return SpendResult{}, ErrInvalidAmount
	}

	store, storeName, err := l.storeFor(id)
	if err != nil {
		return SpendResult{}, err
	}

	now := l.now()
	var before *model.CreditAccount
	after, applied, err := l.mutate(ctx, store, id.ID, func(acc *model.CreditAccount) (model.AccountUpdate, bool, error) {
		before = acc
		upd, ok := planSpend(acc, amount, now)
		return upd, ok, nil
	})
	if err != nil {
		l.metrics.SpendTotal.WithLabelValues("error").Inc()
		l.logger.Error("spend credits failed", zap.String("owner", id.ID), zap.Int64("amount", amount), zap.Error(err))
		return SpendResult{}, fmt.Errorf("spend credits: %w", err)
	}

	if !applied {
		l.metrics.SpendTotal.WithLabelValues("insufficient").Inc()
		l.logger.Debug("insufficient credits", zap.String("owner", id.ID), zap.Int64("amount", amount))
		return SpendResult{
			Success: false,
			Error:   ErrInsufficientCredits.Error(),
			Balance: before.Balance(now),
		}, nil
	}

	l.metrics.SpendTotal.WithLabelValues("success").Inc()
	l.metrics.CreditsSpent.WithLabelValues(storeName).Add(float64(amount))
	if id.IsAuthenticated() {
		l.remember(ctx, after, now)
	}

	return SpendResult{Success: true, Balance: after.Balance(now)}, nil
}

// AddCredits зачисляет кредиты. Истекающая партия добавляется отдельной записью и не сливается с существующими.
func (l *Ledger) AddCredits(ctx context.Context, id model.Identity, amount int64, kind model.CreditKind, expiresAt time.Time) (model.Balance, error) {
	defer l.observe("add", time.Now())

	store, _, err := l.storeFor(id)
	if err != nil {
		return model.Balance{}, err
	}

	now := l.now()
	build, err := addition(store, amount, kind, expiresAt, now)
	if err != nil {
		return model.Balance{}, err
	}

	after, _, err := l.mutate(ctx, store, id.ID, func(acc *model.CreditAccount) (model.AccountUpdate, bool, error) {
		return build(acc), true, nil
	})
	if err != nil {
		return model.Balance{}, fmt.Errorf("add credits: %w", err)
	}

	l.metrics.CreditsAdded.WithLabelValues(string(kind)).Add(float64(amount))
	if id.IsAuthenticated() {
		l.remember(ctx, after, now)
	}

	return after.Balance(now), nil
}

// addition проверяет параметры зачисления и возвращает построитель мутации.
func addition(store Store, amount int64, kind model.CreditKind, expiresAt, now time.Time) (func(*model.CreditAccount) model.AccountUpdate, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	switch kind {
	case model.CreditPermanent:
		return func(acc *model.CreditAccount) model.AccountUpdate {
			return model.AccountUpdate{
				Owner:           acc.Owner,
				ExpectedVersion: acc.Version,
				Permanent:       acc.Permanent + amount,
			}
		}, nil
	case model.CreditExpiring:
		if !expiresAt.After(now) {
			return nil, ErrInvalidExpiry
		}
		if !store.SupportsExpiring() {
			return nil, repository.ErrExpiringUnsupported
		}
		return func(acc *model.CreditAccount) model.AccountUpdate {
			return model.AccountUpdate{
				Owner:           acc.Owner,
				ExpectedVersion: acc.Version,
				Permanent:       acc.Permanent,
				Added:           []model.ExpiringGrant{{Amount: amount, ExpiresAt: expiresAt, CreatedAt: now}},
			}
		}, nil
	default:
		return nil, fmt.Errorf("unknown credit kind %q", kind)
	}
}

// SweepExpiredGrants удаляет истёкшие партии идентичности. На баланс не влияет: истёкшие партии и так не учитываются.
func (l *Ledger) SweepExpiredGrants(ctx context.Context, id model.Identity) (int, error) {
	defer l.observe("sweep", time.Now())

	store, _, err := l.storeFor(id)
	if err != nil {
		return 0, err
	}

	opCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	n, err := store.DeleteExpiredGrants(opCtx, id.ID, l.now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired grants: %w", err)
	}

	l.metrics.SweptGrants.Add(float64(n))
	return n, nil
}

// SweepAll удаляет истёкшие партии всех пользователей удалённого хранилища.
func (l *Ledger) SweepAll(ctx context.Context) (int, error) {
	defer l.observe("sweep_all", time.Now())

	if l.remote == nil {
		return 0, nil
	}

	n, err := l.remote.DeleteAllExpiredGrants(ctx, l.now())
	if err != nil {
		return 0, fmt.Errorf("sweep all expired grants: %w", err)
	}

	l.metrics.SweptGrants.Add(float64(n))
	if n > 0 {
		l.logger.Info("expired grants swept", zap.Int("count", n))
	}
	return n, nil
}

// mutate читает счёт, строит мутацию и применяет её с проверкой версии. При конфликте версий
// счёт перечитывается и мутация строится заново, не более maxAttempts раз.
// build возвращает false, если мутацию применять не нужно.
func (l *Ledger) mutate(
	ctx context.Context,
	store Store,
	owner string,
	build func(*model.CreditAccount) (model.AccountUpdate, bool, error),
) (*model.CreditAccount, bool, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		acc, applied, err := l.mutateOnce(ctx, store, owner, build)
		if errors.Is(err, repository.ErrConcurrentUpdate) {
			l.metrics.ConcurrentRetries.Inc()
			l.logger.Debug("concurrent account update, retrying", zap.String("owner", owner), zap.Int("attempt", attempt+1))
			continue
		}
		return acc, applied, err
	}
	return nil, false, ErrTooManyConflicts
}

func (l *Ledger) mutateOnce(
	ctx context.Context,
	store Store,
	owner string,
	build func(*model.CreditAccount) (model.AccountUpdate, bool, error),
) (*model.CreditAccount, bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	acc, err := store.GetAccount(opCtx, owner)
	if err != nil {
		return nil, false, fmt.Errorf("read account: %w", err)
	}

	upd, ok, err := build(acc)
	if err != nil || !ok {
		return acc, false, err
	}

	if err := store.UpdateAccount(opCtx, upd); err != nil {
		if errors.Is(err, repository.ErrConcurrentUpdate) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("update account: %w", err)
	}

	return applyUpdate(acc, upd), true, nil
}
