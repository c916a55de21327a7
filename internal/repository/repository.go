// Package repository содержит реализации хранилищ кредитов: удалённое (PostgreSQL) и локальное (SQLite).
package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrConcurrentUpdate возвращается, если счёт или покупка изменились после чтения.
	ErrConcurrentUpdate = errors.New("concurrent update")
	// ErrDuplicateTransaction возвращается при повторной регистрации той же транзакции провайдера.
	ErrDuplicateTransaction = errors.New("transaction already recorded")
	// ErrPurchaseNotFound возвращается, если покупка с таким идентификатором транзакции не найдена.
	ErrPurchaseNotFound = errors.New("purchase not found")
	// ErrSnapshotNotFound возвращается, если для владельца нет сохранённого снимка баланса.
	ErrSnapshotNotFound = errors.New("balance snapshot not found")
	// ErrExpiringUnsupported возвращается локальным хранилищем, у которого нет пула истекающих кредитов.
	ErrExpiringUnsupported = errors.New("expiring credits are not supported by this store")
	// ErrNegativeBalance возвращается при попытке сохранить отрицательный баланс.
	ErrNegativeBalance = errors.New("balance must not be negative")
)

var readRetryDelays = []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 700 * time.Millisecond}

// withRetry повторяет идемпотентное чтение при временных ошибках. Записи через него не проходят.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= len(readRetryDelays); i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i == len(readRetryDelays) {
			return err
		}

		timer := time.NewTimer(readRetryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}
