package rotation

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/goodtune/rotator/internal/storage"
	"github.com/google/uuid"
)

// AccountView is an account with its effective quotas and classification.
type AccountView struct {
	storage.Account
	Quotas         []storage.QuotaState   `json:"quotas"`
	Classification storage.Classification `json:"classification"`
}

// NewAccount is the input to CreateAccount.
type NewAccount struct {
	Email       string
	DisplayName string
}

// AccountChanges is the input to UpdateAccount. Nil fields are left as is.
type AccountChanges struct {
	Email       *string
	DisplayName *string
}

// Account listing orders.
const (
	SortCreated   = "created"
	SortMostUsed  = "most_used"
	SortLeastUsed = "least_used"
	SortName      = "name"
)

// ListOptions narrows and orders ListAccounts.
type ListOptions struct {
	Sort string // one of the Sort* constants, SortCreated when empty
	// Classification keeps accounts in that tier only.
	Classification storage.Classification
	// ExhaustedProvider keeps accounts whose quota for that provider is
	// currently unavailable.
	ExhaustedProvider storage.Provider
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", invalidInput("email is required")
	}
	if at := strings.Index(email, "@"); at <= 0 || at == len(email)-1 {
		return "", invalidInput("malformed email %q", email)
	}
	return email, nil
}

// CreateAccount adds an account with an available quota for every
// configured provider.
func (p *Pool) CreateAccount(ctx context.Context, in NewAccount) (*AccountView, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}

	var view *AccountView
	err = p.mutate(ctx, "create account", func(u *unit) error {
		account := &storage.Account{
			ID:          uuid.NewString(),
			OwnerID:     p.owner,
			Email:       email,
			DisplayName: strings.TrimSpace(in.DisplayName),
			CreatedAt:   u.now,
		}
		if err := u.Accounts().Create(u.ctx, account); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return conflict("account %s is already registered", email)
			}
			return err
		}

		quotas := make([]storage.QuotaState, 0, len(p.providers()))
		for _, provider := range p.providers() {
			quota := storage.NewQuota(account.ID, provider)
			if err := u.Quotas().Create(u.ctx, &quota); err != nil {
				return err
			}
			quotas = append(quotas, quota)
		}

		view = &AccountView{Account: *account, Quotas: quotas, Classification: classification(quotas)}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info().Str("account", view.ID).Str("email", view.Email).Msg("Account created")
	return view, nil
}

// GetAccount returns one account of the pool.
func (p *Pool) GetAccount(ctx context.Context, accountID string) (*AccountView, error) {
	var view *AccountView
	err := p.mutate(ctx, "get account", func(u *unit) error {
		account, err := p.loadAccount(u, accountID)
		if err != nil {
			return err
		}
		view, err = p.accountView(u, account)
		return err
	})
	return view, err
}

// UpdateAccount changes the email and/or display name.
func (p *Pool) UpdateAccount(ctx context.Context, accountID string, changes AccountChanges) (*AccountView, error) {
	var email string
	if changes.Email != nil {
		var err error
		if email, err = normalizeEmail(*changes.Email); err != nil {
			return nil, err
		}
	}

	var view *AccountView
	err := p.mutate(ctx, "update account", func(u *unit) error {
		account, err := p.loadAccount(u, accountID)
		if err != nil {
			return err
		}
		if changes.Email != nil {
			account.Email = email
		}
		if changes.DisplayName != nil {
			account.DisplayName = strings.TrimSpace(*changes.DisplayName)
		}
		if err := u.Accounts().Update(u.ctx, account); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return conflict("another account already uses %s", account.Email)
			}
			return err
		}
		view, err = p.accountView(u, account)
		return err
	})
	return view, err
}

// DeleteAccount removes an idle account together with its quotas and
// session history.
func (p *Pool) DeleteAccount(ctx context.Context, accountID string) error {
	err := p.mutate(ctx, "delete account", func(u *unit) error {
		account, err := p.loadAccount(u, accountID)
		if err != nil {
			return err
		}
		if account.Active {
			return conflict("account %s has an active session", accountID)
		}
		return u.Accounts().Delete(u.ctx, p.owner, accountID)
	})
	if err != nil {
		return err
	}

	p.logger.Info().Str("account", accountID).Msg("Account deleted")
	return nil
}

// ListAccounts returns the pool's accounts with their quotas.
func (p *Pool) ListAccounts(ctx context.Context, opts ListOptions) ([]AccountView, error) {
	if opts.ExhaustedProvider != "" {
		if err := p.checkProvider(opts.ExhaustedProvider); err != nil {
			return nil, err
		}
	}
	less, err := accountOrder(opts.Sort)
	if err != nil {
		return nil, err
	}

	var views []AccountView
	err = p.mutate(ctx, "list accounts", func(u *unit) error {
		accounts, err := u.Accounts().List(u.ctx, p.owner)
		if err != nil {
			return err
		}
		views = make([]AccountView, 0, len(accounts))
		for i := range accounts {
			view, err := p.accountView(u, &accounts[i])
			if err != nil {
				return err
			}
			if opts.Classification != "" && view.Classification != opts.Classification {
				continue
			}
			if opts.ExhaustedProvider != "" && !view.exhausted(opts.ExhaustedProvider) {
				continue
			}
			views = append(views, *view)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(views, func(i, j int) bool {
		return less(&views[i].Account, &views[j].Account)
	})
	return views, nil
}

// ListAvailable returns the accounts whose quota for provider is available.
// An empty provider matches accounts with any provider available.
func (p *Pool) ListAvailable(ctx context.Context, provider storage.Provider) ([]storage.Account, error) {
	if provider != "" {
		if err := p.checkProvider(provider); err != nil {
			return nil, err
		}
	}

	var accounts []storage.Account
	err := p.mutate(ctx, "list available", func(u *unit) error {
		var err error
		accounts, err = p.listAvailable(u, provider)
		return err
	})
	return accounts, err
}

func (p *Pool) listAvailable(u *unit, provider storage.Provider) ([]storage.Account, error) {
	accounts, err := u.Accounts().List(u.ctx, p.owner)
	if err != nil {
		return nil, err
	}

	providers := p.providers()
	if provider != "" {
		providers = []storage.Provider{provider}
	}

	available := make([]storage.Account, 0, len(accounts))
	for i := range accounts {
		for _, candidate := range providers {
			ok, err := p.quotaAvailable(u, accounts[i].ID, candidate)
			if err != nil {
				return nil, err
			}
			if ok {
				available = append(available, accounts[i])
				break
			}
		}
	}
	return available, nil
}

func (p *Pool) accountView(u *unit, account *storage.Account) (*AccountView, error) {
	quotas, err := p.accountQuotas(u, account.ID)
	if err != nil {
		return nil, err
	}
	return &AccountView{Account: *account, Quotas: quotas, Classification: classification(quotas)}, nil
}

func (v *AccountView) exhausted(provider storage.Provider) bool {
	for i := range v.Quotas {
		if v.Quotas[i].Provider == provider {
			return v.Quotas[i].Exhausted()
		}
	}
	return false
}

// accountOrder returns the comparison for a listing order. Ties fall back to
// newest first, then id, so listings are stable across calls.
func accountOrder(name string) (func(a, b *storage.Account) bool, error) {
	newest := func(a, b *storage.Account) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	}

	switch name {
	case "", SortCreated:
		return newest, nil
	case SortMostUsed:
		return func(a, b *storage.Account) bool {
			if a.TimesUsed != b.TimesUsed {
				return a.TimesUsed > b.TimesUsed
			}
			return newest(a, b)
		}, nil
	case SortLeastUsed:
		return func(a, b *storage.Account) bool {
			if a.TimesUsed != b.TimesUsed {
				return a.TimesUsed < b.TimesUsed
			}
			return newest(a, b)
		}, nil
	case SortName:
		return func(a, b *storage.Account) bool {
			an, bn := strings.ToLower(a.Name()), strings.ToLower(b.Name())
			if an != bn {
				return an < bn
			}
			return newest(a, b)
		}, nil
	default:
		return nil, invalidInput("unknown sort %q (must be created, most_used, least_used or name)", name)
	}
}
