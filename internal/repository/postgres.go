package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/studymate/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository реализует удалённое хранилище кредитов и учебных материалов аутентифицированных пользователей.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя и возвращает его идентификатор.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (string, error) {
	id := uuid.NewString()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, login, password_hash) VALUES ($1, $2, $3)`,
		id, login, passwordHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return "", fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return "", fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	var u model.User
	err := withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT id, login, password_hash, created_at FROM users WHERE login = $1`,
			login,
		).Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// SupportsExpiring сообщает, что удалённое хранилище ведёт пул истекающих кредитов.
func (r *PostgresRepository) SupportsExpiring() bool { return true }

// GetAccount читает постоянный баланс, версию и партии пользователя в одном снимке.
// Отсутствующий счёт возвращается нулевым с версией 0.
func (r *PostgresRepository) GetAccount(ctx context.Context, owner string) (*model.CreditAccount, error) {
	var acc *model.CreditAccount
	err := withRetry(ctx, func() error {
		var err error
		acc, err = r.readAccount(ctx, owner)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (r *PostgresRepository) readAccount(ctx context.Context, owner string) (*model.CreditAccount, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	acc := &model.CreditAccount{Owner: owner}
	err = tx.QueryRow(ctx,
		`SELECT balance, version FROM credits WHERE user_id = $1`,
		owner,
	).Scan(&acc.Permanent, &acc.Version)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("select credits: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT id, amount, expires_at, created_at
		 FROM expiring_credits
		 WHERE user_id = $1
		 ORDER BY expires_at, id`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("select expiring credits: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var g model.ExpiringGrant
		if err := rows.Scan(&g.ID, &g.Amount, &g.ExpiresAt, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan expiring credit: %w", err)
		}
		acc.Grants = append(acc.Grants, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return acc, nil
}

// UpdateAccount атомарно применяет мутацию счёта. Если версия счёта или количество в изменяемой
// партии не совпадают с прочитанными, ничего не меняется и возвращается ErrConcurrentUpdate.
func (r *PostgresRepository) UpdateAccount(ctx context.Context, upd model.AccountUpdate) error {
	if upd.Permanent < 0 {
		return ErrNegativeBalance
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO credits (user_id, balance, version) VALUES ($1, 0, 0) ON CONFLICT (user_id) DO NOTHING`,
		upd.Owner,
	)
	if err != nil {
		return fmt.Errorf("ensure credits row: %w", err)
	}

	cmdTag, err := tx.Exec(ctx,
		`UPDATE credits SET balance = $2, version = version + 1, updated_at = now()
		 WHERE user_id = $1 AND version = $3`,
		upd.Owner, upd.Permanent, upd.ExpectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update credits: %w", err)
	}
	if cmdTag.RowsAffected() != 1 {
		return ErrConcurrentUpdate
	}

	for _, c := range upd.Changed {
		if c.Amount == 0 {
			cmdTag, err = tx.Exec(ctx,
				`DELETE FROM expiring_credits WHERE id = $1 AND user_id = $2 AND amount = $3`,
				c.ID, upd.Owner, c.Previous,
			)
		} else {
			cmdTag, err = tx.Exec(ctx,
				`UPDATE expiring_credits SET amount = $4 WHERE id = $1 AND user_id = $2 AND amount = $3`,
				c.ID, upd.Owner, c.Previous, c.Amount,
			)
		}
		if err != nil {
			return fmt.Errorf("update expiring credit %d: %w", c.ID, err)
		}
		if cmdTag.RowsAffected() != 1 {
			return ErrConcurrentUpdate
		}
	}

	for _, g := range upd.Added {
		_, err = tx.Exec(ctx,
			`INSERT INTO expiring_credits (user_id, amount, expires_at, created_at) VALUES ($1, $2, $3, $4)`,
			upd.Owner, g.Amount, g.ExpiresAt, g.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert expiring credit: %w", err)
		}
	}

	if s := upd.Settlement; s != nil {
		if err := insertRestoration(ctx, tx, s.Restoration); err != nil {
			return err
		}
		if err := setPurchaseStatus(ctx, tx, upd.Owner, s.Restoration.TransactionID, s.PurchaseStatus, s.Restoration.CreatedAt); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// DeleteExpiredGrants удаляет истёкшие партии одного пользователя.
func (r *PostgresRepository) DeleteExpiredGrants(ctx context.Context, owner string, now time.Time) (int, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM expiring_credits WHERE user_id = $1 AND expires_at <= $2`,
		owner, now,
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired credits: %w", err)
	}
	return int(cmdTag.RowsAffected()), nil
}

// DeleteAllExpiredGrants удаляет истёкшие партии всех пользователей.
func (r *PostgresRepository) DeleteAllExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM expiring_credits WHERE expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired credits: %w", err)
	}
	return int(cmdTag.RowsAffected()), nil
}

// GetPurchase возвращает покупку по идентификатору транзакции провайдера.
func (r *PostgresRepository) GetPurchase(ctx context.Context, transactionID string) (*model.PurchaseRecord, error) {
	var (
		p           model.PurchaseRecord
		amountCents int64
		status      string
	)
	err := withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT id, user_id, transaction_id, product_id, amount_cents, currency, status, created_at, updated_at
			 FROM purchases
			 WHERE transaction_id = $1`,
			transactionID,
		).Scan(&p.ID, &p.Owner, &p.TransactionID, &p.ProductID, &amountCents, &p.Currency, &status, &p.CreatedAt, &p.UpdatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPurchaseNotFound
		}
		return nil, fmt.Errorf("get purchase: %w", err)
	}

	p.Amount = decimal.New(amountCents, -2)
	p.Status = model.PurchaseStatus(status)
	return &p, nil
}

// CreatePurchase сохраняет покупку. Уникальность transaction_id обеспечивается ограничением БД.
func (r *PostgresRepository) CreatePurchase(ctx context.Context, p model.PurchaseRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO purchases (id, user_id, transaction_id, product_id, amount_cents, currency, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.Owner, p.TransactionID, p.ProductID, toCents(p.Amount), p.Currency, string(p.Status), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateTransaction, p.TransactionID)
		}
		return fmt.Errorf("insert purchase: %w", err)
	}
	return nil
}

// ClaimPurchase переводит ранее прочитанную покупку p в статус pending, если с момента чтения её никто не менял.
func (r *PostgresRepository) ClaimPurchase(ctx context.Context, p model.PurchaseRecord, now time.Time) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE purchases SET status = $3, updated_at = $4
		 WHERE transaction_id = $1 AND user_id = $2 AND status = $5 AND updated_at = $6`,
		p.TransactionID, p.Owner, string(model.PurchasePending), now, string(p.Status), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("claim purchase: %w", err)
	}
	if cmdTag.RowsAffected() != 1 {
		return ErrConcurrentUpdate
	}
	return nil
}

// SetPurchaseStatus обновляет статус покупки пользователя.
func (r *PostgresRepository) SetPurchaseStatus(ctx context.Context, owner, transactionID string, status model.PurchaseStatus, now time.Time) error {
	return setPurchaseStatus(ctx, r.pool, owner, transactionID, status, now)
}

func setPurchaseStatus(ctx context.Context, db execer, owner, transactionID string, status model.PurchaseStatus, now time.Time) error {
	cmdTag, err := db.Exec(ctx,
		`UPDATE purchases SET status = $3, updated_at = $4 WHERE transaction_id = $1 AND user_id = $2`,
		transactionID, owner, string(status), now,
	)
	if err != nil {
		return fmt.Errorf("update purchase status: %w", err)
	}
	if cmdTag.RowsAffected() != 1 {
		return ErrPurchaseNotFound
	}
	return nil
}

// GetRestorations возвращает записи аудита зачислений по транзакции пользователя.
func (r *PostgresRepository) GetRestorations(ctx context.Context, owner, transactionID string) ([]model.CreditRestoration, error) {
	var res []model.CreditRestoration
	err := withRetry(ctx, func() error {
		res = res[:0]
		rows, err := r.pool.Query(ctx,
			`SELECT id, user_id, transaction_id, expected_credits, actual_credits_added, reason, status, created_at
			 FROM credit_restorations
			 WHERE user_id = $1 AND transaction_id = $2
			 ORDER BY created_at`,
			owner, transactionID,
		)
		if err != nil {
			return fmt.Errorf("select restorations: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				c      model.CreditRestoration
				reason string
				status string
			)
			if err := rows.Scan(&c.ID, &c.Owner, &c.TransactionID, &c.ExpectedCredits, &c.ActualCreditsAdded, &reason, &status, &c.CreatedAt); err != nil {
				return fmt.Errorf("scan restoration: %w", err)
			}
			c.Reason = model.RestorationReason(reason)
			c.Status = model.RestorationStatus(status)
			res = append(res, c)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// AddRestoration сохраняет запись аудита вне мутации счёта (используется для неудачных зачислений).
func (r *PostgresRepository) AddRestoration(ctx context.Context, c model.CreditRestoration) error {
	return insertRestoration(ctx, r.pool, c)
}

func insertRestoration(ctx context.Context, db execer, c model.CreditRestoration) error {
	_, err := db.Exec(ctx,
		`INSERT INTO credit_restorations (id, user_id, transaction_id, expected_credits, actual_credits_added, reason, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.Owner, c.TransactionID, c.ExpectedCredits, c.ActualCreditsAdded, string(c.Reason), string(c.Status), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert restoration: %w", err)
	}
	return nil
}

// SaveItem сохраняет учебный материал пользователя.
func (r *PostgresRepository) SaveItem(ctx context.Context, item model.StudyItem) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO study_items (id, user_id, kind, title, content, feature, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, content = EXCLUDED.content, updated_at = EXCLUDED.updated_at
		 WHERE study_items.user_id = EXCLUDED.user_id`,
		item.ID, item.Owner, string(item.Kind), item.Title, item.Content, item.Feature, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save study item: %w", err)
	}
	return nil
}

// ListItems возвращает учебные материалы пользователя, новые первыми. Пустой kind означает все виды.
func (r *PostgresRepository) ListItems(ctx context.Context, owner string, kind model.ItemKind) ([]model.StudyItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, kind, title, content, feature, created_at, updated_at
		 FROM study_items
		 WHERE user_id = $1 AND ($2 = '' OR kind = $2)
		 ORDER BY created_at DESC`,
		owner, string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("select study items: %w", err)
	}
	defer rows.Close()

	var res []model.StudyItem
	for rows.Next() {
		var (
			item     model.StudyItem
			itemKind string
		)
		if err := rows.Scan(&item.ID, &item.Owner, &itemKind, &item.Title, &item.Content, &item.Feature, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan study item: %w", err)
		}
		item.Kind = model.ItemKind(itemKind)
		res = append(res, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func toCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
