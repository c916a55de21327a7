// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"unicode"

	"github.com/google/uuid"
)

// MaxAmount ограничивает количество кредитов в одной операции.
const MaxAmount = 1_000_000

var (
	// ErrInvalidDeviceID возвращается для идентификатора устройства, не являющегося UUID.
	ErrInvalidDeviceID = errors.New("device id must be a non-nil uuid")
	// ErrInvalidTransactionID возвращается для пустого или некорректного идентификатора транзакции.
	ErrInvalidTransactionID = errors.New("invalid transaction id")
	// ErrInvalidProductID возвращается для некорректного идентификатора продукта.
	ErrInvalidProductID = errors.New("invalid product id")
	// ErrInvalidAmount возвращается для количества кредитов вне допустимого диапазона.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidCredentials возвращается для пустого логина или пароля.
	ErrInvalidCredentials = errors.New("login and password are required")
)

var productIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.\-]{0,63}$`)

// ValidateDeviceID проверяет идентификатор профиля устройства.
func ValidateDeviceID(id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed == uuid.Nil {
		return ErrInvalidDeviceID
	}
	return nil
}

// ValidateTransactionID проверяет идентификатор транзакции провайдера: до 128 печатных символов без пробелов.
func ValidateTransactionID(id string) error {
	if id == "" || len(id) > 128 {
		return ErrInvalidTransactionID
	}
	for _, ch := range id {
		if unicode.IsSpace(ch) || !unicode.IsPrint(ch) {
			return ErrInvalidTransactionID
		}
	}
	return nil
}

// ValidateProductID проверяет идентификатор продукта.
func ValidateProductID(id string) error {
	if !productIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidProductID, id)
	}
	return nil
}

// ValidateAmount проверяет количество кредитов.
func ValidateAmount(amount int64) error {
	if amount <= 0 || amount > MaxAmount {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	return nil
}

// ValidateCredentials проверяет, что логин и пароль заданы.
func ValidateCredentials(login, password string) error {
	if login == "" || password == "" {
		return ErrInvalidCredentials
	}
	return nil
}
