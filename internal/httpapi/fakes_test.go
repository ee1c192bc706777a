package httpapi

import (
	"cmp"
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/pennywise-app/pennywise/internal/daemon"
	"github.com/pennywise-app/pennywise/internal/reclassify"
	"github.com/pennywise-app/pennywise/pkg/api"
)

type memTransactions struct {
	mu    sync.Mutex
	txns  map[string]api.Transaction
	order []string
}

func newMemTransactions(txns ...api.Transaction) *memTransactions {
	m := &memTransactions{txns: make(map[string]api.Transaction)}
	for _, t := range txns {
		m.txns[t.ID] = t
		m.order = append(m.order, t.ID)
	}
	return m
}

func (m *memTransactions) SaveTransaction(_ context.Context, t api.Transaction) (api.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Currency == "" {
		t.Currency = api.DefaultCurrency
	}
	m.txns[t.ID] = t
	m.order = append(m.order, t.ID)
	return t, nil
}

func (m *memTransactions) GetTransaction(_ context.Context, id string) (api.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return t, api.ErrNotFound
	}
	return t, nil
}

func (m *memTransactions) ListTransactions(_ context.Context, f api.TransactionFilter) ([]api.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []api.Transaction{}
	for _, id := range m.order {
		t, ok := m.txns[id]
		if !ok {
			continue
		}
		if f.Merchant != "" && !strings.Contains(strings.ToLower(t.Merchant), strings.ToLower(f.Merchant)) {
			continue
		}
		if f.Unclassified && t.Category != nil {
			continue
		}
		if f.StartDate != nil && t.Date.Before(*f.StartDate) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *memTransactions) UpdateTransaction(_ context.Context, id string, p api.TransactionPatch) (api.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return t, api.ErrNotFound
	}
	if p.Category != nil {
		c := *p.Category
		t.Category = &c
		t.RuleID = ""
	}
	if p.Merchant != nil {
		t.Merchant = *p.Merchant
	}
	if p.Date != nil {
		t.Date = *p.Date
	}
	m.txns[id] = t
	return t, nil
}

func (m *memTransactions) DeleteTransaction(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txns[id]; !ok {
		return api.ErrNotFound
	}
	delete(m.txns, id)
	return nil
}

func (m *memTransactions) ListForReclassify(ctx context.Context, _ *time.Time) ([]api.Transaction, error) {
	return m.ListTransactions(ctx, api.TransactionFilter{})
}

func (m *memTransactions) ApplyClassifications(_ context.Context, txns []api.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range txns {
		m.txns[t.ID] = t
	}
	return nil
}

type memRules struct {
	mu    sync.Mutex
	rules map[string]api.Rule
	next  int
	err   error
}

func newMemRules(rules ...api.Rule) *memRules {
	m := &memRules{rules: make(map[string]api.Rule)}
	for _, r := range rules {
		m.rules[r.ID] = r
	}
	return m
}

func (m *memRules) ListRules(context.Context) ([]api.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]api.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b api.Rule) int {
		return cmp.Or(cmp.Compare(a.Priority, b.Priority), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (m *memRules) GetRule(_ context.Context, id string) (api.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return r, api.ErrNotFound
	}
	return r, nil
}

func (m *memRules) CreateRule(_ context.Context, r api.Rule) (api.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		m.next++
		r.ID = "rule-" + strconv.Itoa(m.next)
	}
	m.rules[r.ID] = r
	return r, nil
}

func (m *memRules) UpdateRule(_ context.Context, r api.Rule) (api.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.ID]; !ok {
		return r, api.ErrNotFound
	}
	m.rules[r.ID] = r
	return r, nil
}

func (m *memRules) DeleteRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return api.ErrNotFound
	}
	delete(m.rules, id)
	return nil
}

type fakeIngestion struct {
	err    error
	queued bool
	calls  int
}

func (f *fakeIngestion) Refresh() (bool, error) {
	f.calls++
	return f.queued, f.err
}

func (f *fakeIngestion) Status() daemon.Status {
	return daemon.Status{Reader: "gmail", Running: true}
}

type fakeOAuth struct {
	tokenURL string
	saved    *oauth2.Token
}

func (f *fakeOAuth) Config(redirectURL string) (*oauth2.Config, error) {
	return &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  redirectURL,
		Scopes:       []string{"scope-a"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.example.com/auth",
			TokenURL: f.tokenURL,
		},
	}, nil
}

func (f *fakeOAuth) SaveToken(tok *oauth2.Token) error {
	f.saved = tok
	return nil
}

var _ Reclassifier = (*reclassify.Service)(nil)
