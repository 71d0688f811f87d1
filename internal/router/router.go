// Package router selects the ordered upstream candidates for a request.
package router

import (
	"fmt"
	"sort"

	"github.com/tjfontaine/llm-relay/internal/core/domain"
)

// Select returns the candidates configured for modelID on endpointPath,
// ordered by ascending priority. Ties keep their declaration order. The
// returned slice is a copy and may be modified by the caller.
func Select(endpointPath, modelID string, table *domain.RoutingTable) ([]domain.Candidate, *domain.APIError) {
	if table == nil {
		table = &domain.RoutingTable{}
	}

	ep, ok := table.Endpoints[endpointPath]
	if !ok {
		return nil, domain.ErrInvalidRequest(fmt.Sprintf("endpoint %s is not configured", endpointPath)).
			WithCode(domain.ErrorCodeEndpointNotConfigured)
	}

	declared, ok := ep.Models[modelID]
	if !ok || len(declared) == 0 {
		return nil, domain.ErrNotFound(fmt.Sprintf("The model `%s` does not exist", modelID)).
			WithCode(domain.ErrorCodeModelNotFound).
			WithParam("model")
	}

	candidates := make([]domain.Candidate, len(declared))
	copy(candidates, declared)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].EffectivePriority() < candidates[j].EffectivePriority()
	})
	return candidates, nil
}

// Model describes one entry of the model catalog.
type Model struct {
	ID        string   `json:"id"`
	Object    string   `json:"object"`
	OwnedBy   string   `json:"owned_by"`
	Endpoints []string `json:"endpoints"`
}

// ModelList is the OpenAI-style model listing response.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// Catalog flattens the routing table into a model list sorted by id. Each
// model lists the endpoints that serve it; owned_by is the provider of the
// model's highest-priority candidate on its first endpoint.
func Catalog(table *domain.RoutingTable) ModelList {
	list := ModelList{Object: "list", Data: []Model{}}
	if table == nil {
		return list
	}

	paths := make([]string, 0, len(table.Endpoints))
	for p := range table.Endpoints {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	byID := make(map[string]*Model)
	for _, p := range paths {
		for id := range table.Endpoints[p].Models {
			m, ok := byID[id]
			if !ok {
				m = &Model{ID: id, Object: "model", OwnedBy: "llm-relay"}
				if candidates, err := Select(p, id, table); err == nil {
					if name := candidates[0].ProviderName; name != "" {
						m.OwnedBy = name
					}
				}
				byID[id] = m
			}
			m.Endpoints = append(m.Endpoints, p)
		}
	}

	for _, m := range byID {
		list.Data = append(list.Data, *m)
	}
	sort.Slice(list.Data, func(i, j int) bool { return list.Data[i].ID < list.Data[j].ID })
	return list
}
