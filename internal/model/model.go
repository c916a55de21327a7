// Package model содержит доменные сущности сервиса studymate.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User представляет зарегистрированного пользователя с удалённым аккаунтом.
type User struct {
	ID           string
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// IdentityKind различает анонимный профиль устройства и аутентифицированного пользователя.
type IdentityKind string

const (
	IdentityAnonymous     IdentityKind = "anonymous"
	IdentityAuthenticated IdentityKind = "authenticated"
)

// Identity описывает владельца кредитного счёта.
type Identity struct {
	Kind IdentityKind
	ID   string
}

// Anonymous возвращает идентичность локального профиля устройства.
func Anonymous(deviceID string) Identity {
	return Identity{Kind: IdentityAnonymous, ID: deviceID}
}

// Authenticated возвращает идентичность пользователя с удалённой сессией.
func Authenticated(userID string) Identity {
	return Identity{Kind: IdentityAuthenticated, ID: userID}
}

// IsAuthenticated сообщает, должна ли идентичность обслуживаться удалённым хранилищем.
func (i Identity) IsAuthenticated() bool {
	return i.Kind == IdentityAuthenticated
}

// CreditKind определяет пул, в который зачисляются кредиты.
type CreditKind string

const (
	CreditPermanent CreditKind = "permanent"
	CreditExpiring  CreditKind = "expiring"
)

// ExpiringGrant описывает партию кредитов с ограниченным сроком действия.
type ExpiringGrant struct {
	ID        int64
	Amount    int64
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Active сообщает, учитывается ли партия в балансе на момент now.
func (g ExpiringGrant) Active(now time.Time) bool {
	return g.Amount > 0 && g.ExpiresAt.After(now)
}

// CreditAccount содержит состояние кредитного счёта одной идентичности.
// Version увеличивается при каждой зафиксированной мутации и служит токеном compare-and-swap.
type CreditAccount struct {
	Owner     string
	Permanent int64
	Grants    []ExpiringGrant
	Version   int64
}

// ExpiringTotal возвращает сумму неистёкших партий.
func (a *CreditAccount) ExpiringTotal(now time.Time) int64 {
	var total int64
	for _, g := range a.Grants {
		if g.Active(now) {
			total += g.Amount
		}
	}
	return total
}

// Balance вычисляет снимок баланса на момент now.
func (a *CreditAccount) Balance(now time.Time) Balance {
	expiring := a.ExpiringTotal(now)
	return Balance{
		Permanent: a.Permanent,
		Expiring:  expiring,
		Total:     a.Permanent + expiring,
		AsOf:      now,
	}
}

// Balance содержит вычисляемый снимок доступных кредитов.
type Balance struct {
	Permanent int64     `json:"permanent"`
	Expiring  int64     `json:"expiring"`
	Total     int64     `json:"total"`
	Stale     bool      `json:"stale"`
	AsOf      time.Time `json:"as_of"`
}

// PurchaseStatus описывает статус обработки покупки.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseFailed    PurchaseStatus = "failed"
)

// PurchaseRecord описывает транзакцию платёжного провайдера.
type PurchaseRecord struct {
	ID            string
	Owner         string
	TransactionID string
	ProductID     string
	Amount        decimal.Decimal
	Currency      string
	Status        PurchaseStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RestorationReason описывает причину зачисления кредитов по транзакции.
type RestorationReason string

const (
	ReasonInitialPurchase RestorationReason = "initial_purchase"
	ReasonVerification    RestorationReason = "verification"
	ReasonManualRestore   RestorationReason = "manual_restore"
)

// RestorationStatus описывает итог зачисления.
type RestorationStatus string

const (
	RestorationSuccess RestorationStatus = "success"
	RestorationPartial RestorationStatus = "partial"
	RestorationFailed  RestorationStatus = "failed"
)

// CreditRestoration описывает запись аудита зачисления кредитов по транзакции.
type CreditRestoration struct {
	ID                 string
	Owner              string
	TransactionID      string
	ExpectedCredits    int64
	ActualCreditsAdded int64
	Reason             RestorationReason
	Status             RestorationStatus
	CreatedAt          time.Time
}

// GrantChange описывает изменение существующей партии: Previous хранит прочитанное значение,
// Amount новое. Партия с Amount == 0 удаляется.
type GrantChange struct {
	ID       int64
	Previous int64
	Amount   int64
}

// Settlement фиксирует итог зачисления по транзакции в той же транзакции хранилища, что и мутация счёта.
type Settlement struct {
	Restoration    CreditRestoration
	PurchaseStatus PurchaseStatus
}

// AccountUpdate описывает мутацию счёта, применяемую только если версия счёта не изменилась с момента чтения.
type AccountUpdate struct {
	Owner           string
	ExpectedVersion int64
	Permanent       int64
	Changed         []GrantChange
	Added           []ExpiringGrant
	Settlement      *Settlement
}

// ItemKind различает сохраняемые учебные материалы.
type ItemKind string

const (
	ItemHistory    ItemKind = "history"
	ItemNote       ItemKind = "note"
	ItemScanNote   ItemKind = "scan_note"
	ItemQuiz       ItemKind = "quiz"
	ItemFlashcards ItemKind = "flashcards"
)

// StudyItem описывает учебный материал, принадлежащий одной идентичности.
type StudyItem struct {
	ID        string    `json:"id"`
	Owner     string    `json:"-"`
	Kind      ItemKind  `json:"kind"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Feature   string    `json:"feature,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
