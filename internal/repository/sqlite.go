package repository

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/mmeshcher/studymate/internal/model"
)

//go:embed sqlite_migrations/*.sql
var sqliteMigrationsFS embed.FS

// SQLiteStore реализует локальное хранилище профиля устройства: счётчик постоянных кредитов без пула
// истекающих, аудит покупок, кэш последнего удалённого баланса и учебные материалы.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore открывает (или создаёт) базу по пути dbPath и применяет миграции.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = filepath.Clean(dbPath)
	if strings.TrimSpace(dbPath) == "" || dbPath == "." {
		return nil, fmt.Errorf("local db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create local data dir: %w", err)
	}

	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open local db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) runMigrations(ctx context.Context) error {
	goose.SetBaseFS(sqliteMigrationsFS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, s.db, "sqlite_migrations"); err != nil {
		return fmt.Errorf("run local migrations: %w", err)
	}

	return nil
}

// Close закрывает базу.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SupportsExpiring сообщает, что локальный профиль хранит только постоянные кредиты.
func (s *SQLiteStore) SupportsExpiring() bool { return false }

// GetAccount возвращает локальный счётчик владельца; отсутствующий счётчик равен нулю.
func (s *SQLiteStore) GetAccount(ctx context.Context, owner string) (*model.CreditAccount, error) {
	acc := &model.CreditAccount{Owner: owner}
	err := s.db.QueryRowContext(ctx,
		`SELECT balance, version FROM local_credits WHERE owner = ?`,
		owner,
	).Scan(&acc.Permanent, &acc.Version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("select local credits: %w", err)
	}
	return acc, nil
}

// UpdateAccount атомарно применяет мутацию локального счётчика с проверкой версии.
func (s *SQLiteStore) UpdateAccount(ctx context.Context, upd model.AccountUpdate) error {
	if len(upd.Changed) > 0 || len(upd.Added) > 0 {
		return ErrExpiringUnsupported
	}
	if upd.Permanent < 0 {
		return ErrNegativeBalance
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO local_credits (owner, balance, version, updated_at) VALUES (?, 0, 0, ?)
		 ON CONFLICT (owner) DO NOTHING`,
		upd.Owner, now,
	)
	if err != nil {
		return fmt.Errorf("ensure local credits row: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE local_credits SET balance = ?, version = version + 1, updated_at = ?
		 WHERE owner = ? AND version = ?`,
		upd.Permanent, now, upd.Owner, upd.ExpectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update local credits: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return ErrConcurrentUpdate
	}

	if st := upd.Settlement; st != nil {
		if err := s.insertRestoration(ctx, tx, st.Restoration); err != nil {
			return err
		}
		if err := s.setPurchaseStatus(ctx, tx, upd.Owner, st.Restoration.TransactionID, st.PurchaseStatus, st.Restoration.CreatedAt); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// DeleteExpiredGrants ничего не удаляет: у локального профиля нет истекающих партий.
func (s *SQLiteStore) DeleteExpiredGrants(ctx context.Context, owner string, now time.Time) (int, error) {
	return 0, nil
}

// DeleteAllExpiredGrants ничего не удаляет: у локального профиля нет истекающих партий.
func (s *SQLiteStore) DeleteAllExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// GetPurchase возвращает покупку по идентификатору транзакции.
func (s *SQLiteStore) GetPurchase(ctx context.Context, transactionID string) (*model.PurchaseRecord, error) {
	var (
		p                    model.PurchaseRecord
		amountCents          int64
		status               string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner, transaction_id, product_id, amount_cents, currency, status, created_at, updated_at
		 FROM purchases WHERE transaction_id = ?`,
		transactionID,
	).Scan(&p.ID, &p.Owner, &p.TransactionID, &p.ProductID, &amountCents, &p.Currency, &status, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPurchaseNotFound
		}
		return nil, fmt.Errorf("get purchase: %w", err)
	}

	p.Amount = decimal.New(amountCents, -2)
	p.Status = model.PurchaseStatus(status)
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	p.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &p, nil
}

// CreatePurchase сохраняет покупку; повтор transaction_id возвращает ErrDuplicateTransaction.
func (s *SQLiteStore) CreatePurchase(ctx context.Context, p model.PurchaseRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO purchases (id, owner, transaction_id, product_id, amount_cents, currency, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Owner, p.TransactionID, p.ProductID, toCents(p.Amount), p.Currency, string(p.Status),
		p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateTransaction, p.TransactionID)
		}
		return fmt.Errorf("insert purchase: %w", err)
	}
	return nil
}

// ClaimPurchase переводит прочитанную покупку в pending, если её не меняли после чтения.
func (s *SQLiteStore) ClaimPurchase(ctx context.Context, p model.PurchaseRecord, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET status = ?, updated_at = ?
		 WHERE transaction_id = ? AND owner = ? AND status = ? AND updated_at = ?`,
		string(model.PurchasePending), now.UnixNano(), p.TransactionID, p.Owner, string(p.Status), p.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("claim purchase: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return ErrConcurrentUpdate
	}
	return nil
}

// SetPurchaseStatus обновляет статус покупки.
func (s *SQLiteStore) SetPurchaseStatus(ctx context.Context, owner, transactionID string, status model.PurchaseStatus, now time.Time) error {
	return s.setPurchaseStatus(ctx, s.db, owner, transactionID, status, now)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) setPurchaseStatus(ctx context.Context, db sqlExecer, owner, transactionID string, status model.PurchaseStatus, now time.Time) error {
	res, err := db.ExecContext(ctx,
		`UPDATE purchases SET status = ?, updated_at = ? WHERE transaction_id = ? AND owner = ?`,
		string(status), now.UnixNano(), transactionID, owner,
	)
	if err != nil {
		return fmt.Errorf("update purchase status: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return ErrPurchaseNotFound
	}
	return nil
}

// GetRestorations возвращает записи аудита по транзакции владельца.
func (s *SQLiteStore) GetRestorations(ctx context.Context, owner, transactionID string) ([]model.CreditRestoration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, transaction_id, expected_credits, actual_credits_added, reason, status, created_at
		 FROM credit_restorations
		 WHERE owner = ? AND transaction_id = ?
		 ORDER BY created_at`,
		owner, transactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("select restorations: %w", err)
	}
	defer rows.Close()

	var res []model.CreditRestoration
	for rows.Next() {
		var (
			c         model.CreditRestoration
			reason    string
			status    string
			createdAt int64
		)
		if err := rows.Scan(&c.ID, &c.Owner, &c.TransactionID, &c.ExpectedCredits, &c.ActualCreditsAdded, &reason, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan restoration: %w", err)
		}
		c.Reason = model.RestorationReason(reason)
		c.Status = model.RestorationStatus(status)
		c.CreatedAt = time.Unix(0, createdAt).UTC()
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// AddRestoration сохраняет запись аудита вне мутации счёта.
func (s *SQLiteStore) AddRestoration(ctx context.Context, c model.CreditRestoration) error {
	return s.insertRestoration(ctx, s.db, c)
}

func (s *SQLiteStore) insertRestoration(ctx context.Context, db sqlExecer, c model.CreditRestoration) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO credit_restorations (id, owner, transaction_id, expected_credits, actual_credits_added, reason, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Owner, c.TransactionID, c.ExpectedCredits, c.ActualCreditsAdded, string(c.Reason), string(c.Status), c.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert restoration: %w", err)
	}
	return nil
}

type cachedGrant struct {
	ID        int64     `json:"id"`
	Amount    int64     `json:"amount"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SaveSnapshot запоминает последнее прочитанное состояние удалённого счёта.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, acc *model.CreditAccount, asOf time.Time) error {
	grants := make([]cachedGrant, 0, len(acc.Grants))
	for _, g := range acc.Grants {
		grants = append(grants, cachedGrant{ID: g.ID, Amount: g.Amount, ExpiresAt: g.ExpiresAt})
	}
	raw, err := json.Marshal(grants)
	if err != nil {
		return fmt.Errorf("marshal grants: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO balance_cache (owner, permanent, grants_json, as_of) VALUES (?, ?, ?, ?)
		 ON CONFLICT (owner) DO UPDATE SET permanent = excluded.permanent, grants_json = excluded.grants_json, as_of = excluded.as_of`,
		acc.Owner, acc.Permanent, string(raw), asOf.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save balance snapshot: %w", err)
	}
	return nil
}

// GetSnapshot возвращает последнее сохранённое состояние удалённого счёта и момент, когда оно было прочитано.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, owner string) (*model.CreditAccount, time.Time, error) {
	var (
		acc  = &model.CreditAccount{Owner: owner}
		raw  string
		asOf int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT permanent, grants_json, as_of FROM balance_cache WHERE owner = ?`,
		owner,
	).Scan(&acc.Permanent, &raw, &asOf)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, time.Time{}, ErrSnapshotNotFound
		}
		return nil, time.Time{}, fmt.Errorf("get balance snapshot: %w", err)
	}

	var grants []cachedGrant
	if err := json.Unmarshal([]byte(raw), &grants); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode cached grants: %w", err)
	}
	for _, g := range grants {
		acc.Grants = append(acc.Grants, model.ExpiringGrant{ID: g.ID, Amount: g.Amount, ExpiresAt: g.ExpiresAt})
	}

	return acc, time.Unix(0, asOf).UTC(), nil
}

// SaveItem сохраняет учебный материал локального профиля.
func (s *SQLiteStore) SaveItem(ctx context.Context, item model.StudyItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO study_items (id, owner, kind, title, content, feature, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET title = excluded.title, content = excluded.content, updated_at = excluded.updated_at
		 WHERE study_items.owner = excluded.owner`,
		item.ID, item.Owner, string(item.Kind), item.Title, item.Content, item.Feature,
		item.CreatedAt.UnixNano(), item.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save study item: %w", err)
	}
	return nil
}

// ListItems возвращает учебные материалы владельца, новые первыми.
func (s *SQLiteStore) ListItems(ctx context.Context, owner string, kind model.ItemKind) ([]model.StudyItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, kind, title, content, feature, created_at, updated_at
		 FROM study_items
		 WHERE owner = ? AND (? = '' OR kind = ?)
		 ORDER BY created_at DESC`,
		owner, string(kind), string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("select study items: %w", err)
	}
	defer rows.Close()

	var res []model.StudyItem
	for rows.Next() {
		var (
			item                 model.StudyItem
			itemKind             string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&item.ID, &item.Owner, &itemKind, &item.Title, &item.Content, &item.Feature, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan study item: %w", err)
		}
		item.Kind = model.ItemKind(itemKind)
		item.CreatedAt = time.Unix(0, createdAt).UTC()
		item.UpdatedAt = time.Unix(0, updatedAt).UTC()
		res = append(res, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
