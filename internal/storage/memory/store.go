// Package memory holds the in-process view of the routing and account documents.
package memory

import (
	"sync/atomic"

	"github.com/tjfontaine/llm-relay/internal/core/domain"
)

// Snapshot is the process-wide configuration state. Each table sits behind
// its own atomic reference and is replaced wholesale, never mutated in place,
// so readers always observe a complete table.
type Snapshot struct {
	routing  atomic.Pointer[domain.RoutingTable]
	accounts atomic.Pointer[domain.AccountTable]
}

// NewSnapshot creates a snapshot holding the given tables. Nil tables are
// replaced with empty ones.
func NewSnapshot(routing *domain.RoutingTable, accounts *domain.AccountTable) *Snapshot {
	s := &Snapshot{}
	s.Replace(routing, accounts)
	return s
}

// Routing returns the current routing table.
func (s *Snapshot) Routing() *domain.RoutingTable {
	if t := s.routing.Load(); t != nil {
		return t
	}
	return emptyRouting()
}

// Accounts returns the current account table. Callers must treat it as read-only.
func (s *Snapshot) Accounts() *domain.AccountTable {
	if t := s.accounts.Load(); t != nil {
		return t
	}
	return emptyAccounts()
}

// SwapRouting installs a new routing table and returns the previous one.
func (s *Snapshot) SwapRouting(t *domain.RoutingTable) *domain.RoutingTable {
	if t == nil {
		t = emptyRouting()
	}
	return s.routing.Swap(t)
}

// SwapAccounts installs a new account table and returns the previous one.
func (s *Snapshot) SwapAccounts(t *domain.AccountTable) *domain.AccountTable {
	if t == nil {
		t = emptyAccounts()
	}
	return s.accounts.Swap(t)
}

// Replace installs both tables.
func (s *Snapshot) Replace(routing *domain.RoutingTable, accounts *domain.AccountTable) {
	s.SwapRouting(routing)
	s.SwapAccounts(accounts)
}

// WithAccount returns a copy of the current account table with key set to
// acct. The current table is left untouched.
func (s *Snapshot) WithAccount(key string, acct domain.Account) *domain.AccountTable {
	cur := s.Accounts()
	next := &domain.AccountTable{Users: make(map[string]domain.Account, len(cur.Users)+1)}
	for k, v := range cur.Users {
		next.Users[k] = v
	}
	next.Users[key] = acct
	return next
}

func emptyRouting() *domain.RoutingTable {
	return &domain.RoutingTable{Endpoints: make(map[string]domain.EndpointConfig)}
}

func emptyAccounts() *domain.AccountTable {
	return &domain.AccountTable{Users: make(map[string]domain.Account)}
}
