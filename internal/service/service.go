// Package service реализует бизнес-логику сервиса studymate: аккаунты, кредиты и платные функции.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/studymate/internal/generator"
	"github.com/mmeshcher/studymate/internal/ledger"
	"github.com/mmeshcher/studymate/internal/metrics"
	"github.com/mmeshcher/studymate/internal/model"
	"github.com/mmeshcher/studymate/internal/purchase"
	"github.com/mmeshcher/studymate/internal/repository"
)

var (
	// ErrInsufficientCredits возвращается, если на платную функцию не хватает кредитов.
	ErrInsufficientCredits = ledger.ErrInsufficientCredits
	// ErrInvalidCredentials возвращается при неверном логине или пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountsUnavailable возвращается, если удалённое хранилище аккаунтов не настроено.
	ErrAccountsUnavailable = errors.New("accounts are not available")
	// ErrUnknownFeature возвращается для неизвестной функции.
	ErrUnknownFeature = errors.New("unknown feature")
	// ErrEmptyInput возвращается, если функции не передан ни текст, ни изображение.
	ErrEmptyInput = errors.New("text or image is required")
	// ErrGenerationFailed возвращается, если генерация не удалась; списанные кредиты к этому моменту возвращены.
	ErrGenerationFailed = errors.New("generation failed")
)

// Ledger описывает кредитный движок, используемый сервисом.
type Ledger interface {
	Balance(ctx context.Context, id model.Identity) (model.Balance, error)
	Spend(ctx context.Context, id model.Identity, amount int64) (ledger.SpendResult, error)
	AddCredits(ctx context.Context, id model.Identity, amount int64, kind model.CreditKind, expiresAt time.Time) (model.Balance, error)
	SweepExpiredGrants(ctx context.Context, id model.Identity) (int, error)
}

// PurchaseHandler описывает мост покупок.
type PurchaseHandler interface {
	Handle(ctx context.Context, id model.Identity, ev purchase.Event) (purchase.Outcome, error)
}

// Generator описывает сервис размещённых функций.
type Generator interface {
	Invoke(ctx context.Context, fn generator.Function, in generator.Request) (*generator.Response, error)
}

// UserRepository описывает хранилище аккаунтов.
type UserRepository interface {
	CreateUser(ctx context.Context, login string, passwordHash []byte) (string, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
}

// ItemStore описывает хранилище учебных материалов.
type ItemStore interface {
	SaveItem(ctx context.Context, item model.StudyItem) error
	ListItems(ctx context.Context, owner string, kind model.ItemKind) ([]model.StudyItem, error)
}

// Deps перечисляет зависимости сервиса. Users и RemoteItems равны nil, если сервис работает без удалённой базы.
type Deps struct {
	Ledger      Ledger
	Purchases   PurchaseHandler
	Generator   Generator
	Users       UserRepository
	RemoteItems ItemStore
	LocalItems  ItemStore
	Costs       Costs
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Service содержит бизнес-логику сервиса studymate.
type Service struct {
	ledger      Ledger
	purchases   PurchaseHandler
	generator   Generator
	users       UserRepository
	remoteItems ItemStore
	localItems  ItemStore
	costs       Costs
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewService создаёт новый сервис.
func NewService(d Deps) *Service {
	s := &Service{
		ledger:      d.Ledger,
		purchases:   d.Purchases,
		generator:   d.Generator,
		users:       d.Users,
		remoteItems: d.RemoteItems,
		localItems:  d.LocalItems,
		costs:       d.Costs,
		logger:      d.Logger,
		metrics:     d.Metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = metrics.New(prometheus.NewRegistry())
	}
	if s.costs == nil {
		s.costs = DefaultCosts()
	}
	return s
}

// RegisterUser регистрирует нового пользователя и возвращает его идентификатор.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (string, error) {
	if s.users == nil {
		return "", ErrAccountsUnavailable
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	id, err := s.users.CreateUser(ctx, login, hashed)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return "", repository.ErrUserExists
		}
		return "", err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (string, error) {
	if s.users == nil {
		return "", ErrAccountsUnavailable
	}

	u, err := s.users.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return u.ID, nil
}

// GetBalance возвращает баланс идентичности.
func (s *Service) GetBalance(ctx context.Context, id model.Identity) (model.Balance, error) {
	return s.ledger.Balance(ctx, id)
}

// SpendCredits списывает кредиты напрямую; нехватка возвращается в результате, а не ошибкой.
func (s *Service) SpendCredits(ctx context.Context, id model.Identity, amount int64) (ledger.SpendResult, error) {
	return s.ledger.Spend(ctx, id, amount)
}

// SweepExpired удаляет истёкшие партии идентичности.
func (s *Service) SweepExpired(ctx context.Context, id model.Identity) (int, error) {
	return s.ledger.SweepExpiredGrants(ctx, id)
}

// HandlePurchase передаёт событие покупки мосту.
func (s *Service) HandlePurchase(ctx context.Context, id model.Identity, ev purchase.Event) (purchase.Outcome, error) {
	return s.purchases.Handle(ctx, id, ev)
}

// ListItems возвращает учебные материалы идентичности; пустой kind означает все виды.
func (s *Service) ListItems(ctx context.Context, id model.Identity, kind model.ItemKind) ([]model.StudyItem, error) {
	store, err := s.itemsFor(id)
	if err != nil {
		return nil, err
	}
	return store.ListItems(ctx, id.ID, kind)
}

func (s *Service) itemsFor(id model.Identity) (ItemStore, error) {
	if id.ID == "" {
		return nil, ledger.ErrIdentityRequired
	}
	store := s.localItems
	if id.IsAuthenticated() {
		store = s.remoteItems
	}
	if store == nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrStoreUnavailable, id.Kind)
	}
	return store, nil
}

// FeatureInput описывает входные данные платной функции.
type FeatureInput struct {
	Title string `json:"title"`
	Text  string `json:"text"`
	Image string `json:"image"`
}

// FeatureResult описывает результат платной функции.
type FeatureResult struct {
	Item    model.StudyItem `json:"item"`
	Balance model.Balance   `json:"balance"`
}

// UseFeature списывает стоимость функции, вызывает генератор и сохраняет результат.
// При ошибке генератора списание возвращается постоянными кредитами.
func (s *Service) UseFeature(ctx context.Context, id model.Identity, f Feature, in FeatureInput) (*FeatureResult, error) {
	spec, ok := features[f]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFeature, f)
	}
	if strings.TrimSpace(in.Text) == "" && in.Image == "" {
		return nil, ErrEmptyInput
	}
	if f == FeatureScan && in.Image == "" {
		return nil, ErrEmptyInput
	}

	items, err := s.itemsFor(id)
	if err != nil {
		return nil, err
	}

	cost := s.costs.For(f)
	spent, err := s.ledger.Spend(ctx, id, cost)
	if err != nil {
		return nil, err
	}
	if !spent.Success {
		s.metrics.FeatureCalls.WithLabelValues(string(f), "insufficient").Inc()
		return nil, ErrInsufficientCredits
	}

	resp, err := s.generator.Invoke(ctx, spec.function, generator.Request{Text: in.Text, Image: in.Image})
	if err != nil {
		s.metrics.FeatureCalls.WithLabelValues(string(f), "refunded").Inc()
		s.refund(ctx, id, f, cost)
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	now := s.now()
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = defaultTitle(in.Text, f)
	}

	item := model.StudyItem{
		ID:        uuid.NewString(),
		Owner:     id.ID,
		Kind:      spec.kind,
		Title:     title,
		Content:   resp.Result,
		Feature:   string(f),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := items.SaveItem(ctx, item); err != nil {
		s.logger.Warn("save study item failed", zap.String("owner", id.ID), zap.String("feature", string(f)), zap.Error(err))
	}
	if spec.kind != model.ItemHistory {
		history := item
		history.ID = uuid.NewString()
		history.Kind = model.ItemHistory
		history.Content = item.ID
		if err := items.SaveItem(ctx, history); err != nil {
			s.logger.Warn("save history entry failed", zap.String("owner", id.ID), zap.String("feature", string(f)), zap.Error(err))
		}
	}

	s.metrics.FeatureCalls.WithLabelValues(string(f), "success").Inc()
	return &FeatureResult{Item: item, Balance: spent.Balance}, nil
}

// refund возвращает стоимость неудавшейся функции постоянными кредитами.
func (s *Service) refund(ctx context.Context, id model.Identity, f Feature, cost int64) {
	if _, err := s.ledger.AddCredits(context.WithoutCancel(ctx), id, cost, model.CreditPermanent, time.Time{}); err != nil {
		s.logger.Error("refund failed",
			zap.String("owner", id.ID),
			zap.String("feature", string(f)),
			zap.Int64("amount", cost),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("feature charge refunded", zap.String("owner", id.ID), zap.String("feature", string(f)), zap.Int64("amount", cost))
}

// Scan распознаёт текст на изображении и сохраняет заметку.
func (s *Service) Scan(ctx context.Context, id model.Identity, in FeatureInput) (*FeatureResult, error) {
	return s.UseFeature(ctx, id, FeatureScan, in)
}

// GenerateQuiz генерирует тест по материалу.
func (s *Service) GenerateQuiz(ctx context.Context, id model.Identity, in FeatureInput) (*FeatureResult, error) {
	return s.UseFeature(ctx, id, FeatureQuiz, in)
}

// GenerateFlashcards генерирует карточки по материалу.
func (s *Service) GenerateFlashcards(ctx context.Context, id model.Identity, in FeatureInput) (*FeatureResult, error) {
	return s.UseFeature(ctx, id, FeatureFlashcards, in)
}

// GenerateNote генерирует конспект по материалу.
func (s *Service) GenerateNote(ctx context.Context, id model.Identity, in FeatureInput) (*FeatureResult, error) {
	return s.UseFeature(ctx, id, FeatureNote, in)
}

// Chat отвечает на вопрос по материалу.
func (s *Service) Chat(ctx context.Context, id model.Identity, in FeatureInput) (*FeatureResult, error) {
	return s.UseFeature(ctx, id, FeatureChat, in)
}

func defaultTitle(text string, f Feature) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return string(f)
	}
	if first, _, ok := strings.Cut(text, "\n"); ok {
		text = first
	}
	runes := []rune(text)
	if len(runes) > 60 {
		return string(runes[:60]) + "…"
	}
	return text
}
