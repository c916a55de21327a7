package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/mmeshcher/studymate/internal/model"
	"github.com/mmeshcher/studymate/internal/repository"
)

// memStore хранит счета в памяти с теми же гарантиями compare-and-swap, что и SQL-реализации.
type memStore struct {
	mu           sync.Mutex
	expiring     bool
	accounts     map[string]*model.CreditAccount
	nextGrantID  int64
	purchases    map[string]model.PurchaseRecord
	restorations []model.CreditRestoration

	getErr       error
	updateErr    error
	beforeUpdate func()
	updateCalls  int
}

func newMemStore(expiring bool) *memStore {
	return &memStore{
		expiring:  expiring,
		accounts:  make(map[string]*model.CreditAccount),
		purchases: make(map[string]model.PurchaseRecord),
	}
}

func (s *memStore) SupportsExpiring() bool { return s.expiring }

func (s *memStore) seed(owner string, permanent int64, grants ...model.ExpiringGrant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := &model.CreditAccount{Owner: owner, Permanent: permanent, Version: 1}
	for _, g := range grants {
		s.nextGrantID++
		g.ID = s.nextGrantID
		acc.Grants = append(acc.Grants, g)
	}
	s.accounts[owner] = acc
}

func (s *memStore) account(owner string) model.CreditAccount {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[owner]
	if !ok {
		return model.CreditAccount{Owner: owner}
	}
	return copyAccount(acc)
}

func copyAccount(acc *model.CreditAccount) model.CreditAccount {
	c := *acc
	c.Grants = append([]model.ExpiringGrant(nil), acc.Grants...)
	return c
}

func (s *memStore) GetAccount(ctx context.Context, owner string) (*model.CreditAccount, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	acc := s.account(owner)
	return &acc, nil
}

func (s *memStore) UpdateAccount(ctx context.Context, upd model.AccountUpdate) error {
	if hook := s.beforeUpdate; hook != nil {
		s.beforeUpdate = nil
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateCalls++
	if s.updateErr != nil {
		return s.updateErr
	}
	if !s.expiring && (len(upd.Changed) > 0 || len(upd.Added) > 0) {
		return repository.ErrExpiringUnsupported
	}
	if upd.Permanent < 0 {
		return repository.ErrNegativeBalance
	}

	acc, ok := s.accounts[upd.Owner]
	if !ok {
		acc = &model.CreditAccount{Owner: upd.Owner}
	}
	if acc.Version != upd.ExpectedVersion {
		return repository.ErrConcurrentUpdate
	}

	next := copyAccount(acc)
	for _, c := range upd.Changed {
		idx := -1
		for i, g := range next.Grants {
			if g.ID == c.ID {
				idx = i
			}
		}
		if idx < 0 || next.Grants[idx].Amount != c.Previous {
			return repository.ErrConcurrentUpdate
		}
		if c.Amount == 0 {
			next.Grants = append(next.Grants[:idx], next.Grants[idx+1:]...)
		} else {
			next.Grants[idx].Amount = c.Amount
		}
	}
	for _, g := range upd.Added {
		s.nextGrantID++
		g.ID = s.nextGrantID
		next.Grants = append(next.Grants, g)
	}

	if st := upd.Settlement; st != nil {
		p, ok := s.purchases[st.Restoration.TransactionID]
		if !ok {
			return repository.ErrPurchaseNotFound
		}
		p.Status = st.PurchaseStatus
		p.UpdatedAt = st.Restoration.CreatedAt
		s.purchases[p.TransactionID] = p
		s.restorations = append(s.restorations, st.Restoration)
	}

	next.Permanent = upd.Permanent
	next.Version++
	s.accounts[upd.Owner] = &next
	return nil
}

func (s *memStore) DeleteExpiredGrants(ctx context.Context, owner string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[owner]
	if !ok {
		return 0, nil
	}
	return sweepAccount(acc, now), nil
}

func (s *memStore) DeleteAllExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, acc := range s.accounts {
		n += sweepAccount(acc, now)
	}
	return n, nil
}

func sweepAccount(acc *model.CreditAccount, now time.Time) int {
	kept := acc.Grants[:0]
	removed := 0
	for _, g := range acc.Grants {
		if g.ExpiresAt.After(now) {
			kept = append(kept, g)
			continue
		}
		removed++
	}
	acc.Grants = kept
	return removed
}

func (s *memStore) GetPurchase(ctx context.Context, transactionID string) (*model.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.purchases[transactionID]
	if !ok {
		return nil, repository.ErrPurchaseNotFound
	}
	return &p, nil
}

func (s *memStore) CreatePurchase(ctx context.Context, p model.PurchaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.purchases[p.TransactionID]; ok {
		return repository.ErrDuplicateTransaction
	}
	s.purchases[p.TransactionID] = p
	return nil
}

func (s *memStore) ClaimPurchase(ctx context.Context, p model.PurchaseRecord, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.purchases[p.TransactionID]
	if !ok || cur.Owner != p.Owner || cur.Status != p.Status || !cur.UpdatedAt.Equal(p.UpdatedAt) {
		return repository.ErrConcurrentUpdate
	}
	cur.Status = model.PurchasePending
	cur.UpdatedAt = now
	s.purchases[p.TransactionID] = cur
	return nil
}

func (s *memStore) SetPurchaseStatus(ctx context.Context, owner, transactionID string, status model.PurchaseStatus, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.purchases[transactionID]
	if !ok || p.Owner != owner {
		return repository.ErrPurchaseNotFound
	}
	p.Status = status
	p.UpdatedAt = now
	s.purchases[transactionID] = p
	return nil
}

func (s *memStore) GetRestorations(ctx context.Context, owner, transactionID string) ([]model.CreditRestoration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []model.CreditRestoration
	for _, r := range s.restorations {
		if r.Owner == owner && r.TransactionID == transactionID {
			res = append(res, r)
		}
	}
	return res, nil
}

func (s *memStore) AddRestoration(ctx context.Context, c model.CreditRestoration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.restorations = append(s.restorations, c)
	return nil
}

func (s *memStore) purchaseCount(transactionID string, status model.PurchaseStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.purchases[transactionID]
	if ok && p.Status == status {
		return 1
	}
	return 0
}

// memCache хранит снимки в памяти.
type memCache struct {
	mu   sync.Mutex
	accs map[string]model.CreditAccount
	asOf map[string]time.Time
}

func newMemCache() *memCache {
	return &memCache{accs: make(map[string]model.CreditAccount), asOf: make(map[string]time.Time)}
}

func (c *memCache) SaveSnapshot(ctx context.Context, acc *model.CreditAccount, asOf time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.accs[acc.Owner] = copyAccount(acc)
	c.asOf[acc.Owner] = asOf
	return nil
}

func (c *memCache) GetSnapshot(ctx context.Context, owner string) (*model.CreditAccount, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	acc, ok := c.accs[owner]
	if !ok {
		return nil, time.Time{}, repository.ErrSnapshotNotFound
	}
	return &acc, c.asOf[owner], nil
}
