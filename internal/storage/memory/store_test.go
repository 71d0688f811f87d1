package memory

import (
	"sync"
	"testing"

	"github.com/tjfontaine/llm-relay/internal/core/domain"
)

func TestSnapshot_EmptyDefaults(t *testing.T) {
	s := NewSnapshot(nil, nil)

	if s.Routing() == nil || s.Routing().Endpoints == nil {
		t.Error("Routing() should never return a nil table")
	}
	if s.Accounts().Len() != 0 {
		t.Errorf("Accounts().Len() = %d, want 0", s.Accounts().Len())
	}
}

func TestSnapshot_Swap(t *testing.T) {
	first := &domain.RoutingTable{Endpoints: map[string]domain.EndpointConfig{"/v1/a": {}}}
	second := &domain.RoutingTable{Endpoints: map[string]domain.EndpointConfig{"/v1/b": {}}}

	s := NewSnapshot(first, nil)
	prev := s.SwapRouting(second)

	if prev != first {
		t.Error("SwapRouting() did not return the previous table")
	}
	if _, ok := s.Routing().Endpoints["/v1/b"]; !ok {
		t.Error("Routing() does not reflect the swapped table")
	}
}

func TestSnapshot_WithAccountCopies(t *testing.T) {
	orig := &domain.AccountTable{Users: map[string]domain.Account{"k1": {Username: "alice"}}}
	s := NewSnapshot(nil, orig)

	next := s.WithAccount("k1", domain.Account{Username: "alice", TotalTokens: 10})

	if orig.Users["k1"].TotalTokens != 0 {
		t.Error("WithAccount() mutated the published table")
	}
	if next.Users["k1"].TotalTokens != 10 {
		t.Errorf("TotalTokens = %d, want 10", next.Users["k1"].TotalTokens)
	}
}

func TestSnapshot_ConcurrentReaders(t *testing.T) {
	s := NewSnapshot(&domain.RoutingTable{Endpoints: map[string]domain.EndpointConfig{"/v1/a": {}}}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if len(s.Routing().Endpoints) != 1 {
					t.Error("reader observed a partial routing table")
					return
				}
			}
		}()
	}
	for j := 0; j < 100; j++ {
		s.SwapRouting(&domain.RoutingTable{Endpoints: map[string]domain.EndpointConfig{"/v1/b": {}}})
	}
	wg.Wait()
}
