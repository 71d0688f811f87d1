// Package jsondoc loads and persists the routing and account documents.
package jsondoc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tjfontaine/llm-relay/internal/core/domain"
)

// LoadRouting reads and decodes the routing document at path.
func LoadRouting(path string) (*domain.RoutingTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing document: %w", err)
	}
	table, err := DecodeRouting(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// DecodeRouting parses a routing document.
func DecodeRouting(raw []byte) (*domain.RoutingTable, error) {
	var table domain.RoutingTable
	if err := json.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("decode routing document: %w", err)
	}
	if table.Endpoints == nil {
		table.Endpoints = make(map[string]domain.EndpointConfig)
	}
	for path, ep := range table.Endpoints {
		if !strings.HasPrefix(path, "/") {
			return nil, fmt.Errorf("endpoint %q must start with /", path)
		}
		if ep.Models == nil {
			ep.Models = make(map[string][]domain.Candidate)
			table.Endpoints[path] = ep
		}
	}
	return &table, nil
}

// LoadAccounts reads the account document at path. A missing document is an
// empty table, which puts admission in open mode.
func LoadAccounts(path string) (*domain.AccountTable, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &domain.AccountTable{Users: make(map[string]domain.Account)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read account document: %w", err)
	}
	table, err := DecodeAccounts(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// DecodeAccounts parses an account document.
func DecodeAccounts(raw []byte) (*domain.AccountTable, error) {
	var table domain.AccountTable
	if err := json.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("decode account document: %w", err)
	}
	if table.Users == nil {
		table.Users = make(map[string]domain.Account)
	}
	return &table, nil
}

// EncodeAccounts renders the account table with two-space indentation.
func EncodeAccounts(table *domain.AccountTable) ([]byte, error) {
	if table == nil || table.Users == nil {
		table = &domain.AccountTable{Users: make(map[string]domain.Account)}
	}
	raw, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode account document: %w", err)
	}
	return append(raw, '\n'), nil
}

// SaveAccounts encodes the table and writes it atomically to path.
func SaveAccounts(path string, table *domain.AccountTable) error {
	raw, err := EncodeAccounts(table)
	if err != nil {
		return err
	}
	return WriteFile(path, raw)
}

// WriteFile replaces path with data through a temp file and rename, so
// concurrent readers see either the old or the new document.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
