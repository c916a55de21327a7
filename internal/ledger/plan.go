package ledger

import (
	"sort"
	"time"

	"github.com/mmeshcher/studymate/internal/model"
)

// planSpend строит мутацию списания amount: сначала партии с ближайшим сроком истечения, затем постоянный баланс.
// Возвращает false, если доступных кредитов не хватает; в этом случае мутация не строится.
func planSpend(acc *model.CreditAccount, amount int64, now time.Time) (model.AccountUpdate, bool) {
	if acc.Balance(now).Total < amount {
		return model.AccountUpdate{}, false
	}

	active := make([]model.ExpiringGrant, 0, len(acc.Grants))
	for _, g := range acc.Grants {
		if g.Active(now) {
			active = append(active, g)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].ExpiresAt.Equal(active[j].ExpiresAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].ExpiresAt.Before(active[j].ExpiresAt)
	})

	upd := model.AccountUpdate{
		Owner:           acc.Owner,
		ExpectedVersion: acc.Version,
		Permanent:       acc.Permanent,
	}

	remaining := amount
	for _, g := range active {
		if remaining == 0 {
			break
		}
		take := min(g.Amount, remaining)
		remaining -= take
		upd.Changed = append(upd.Changed, model.GrantChange{
			ID:       g.ID,
			Previous: g.Amount,
			Amount:   g.Amount - take,
		})
	}

	upd.Permanent -= remaining
	return upd, true
}

// applyUpdate возвращает состояние счёта после мутации; используется для ответа без повторного чтения.
func applyUpdate(acc *model.CreditAccount, upd model.AccountUpdate) *model.CreditAccount {
	next := &model.CreditAccount{
		Owner:     acc.Owner,
		Permanent: upd.Permanent,
		Version:   acc.Version + 1,
	}

	changed := make(map[int64]int64, len(upd.Changed))
	for _, c := range upd.Changed {
		changed[c.ID] = c.Amount
	}

	for _, g := range acc.Grants {
		if amount, ok := changed[g.ID]; ok {
			if amount == 0 {
				continue
			}
			g.Amount = amount
		}
		next.Grants = append(next.Grants, g)
	}
	next.Grants = append(next.Grants, upd.Added...)

	return next
}
