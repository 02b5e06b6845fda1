//go:build tools
// +build tools

// Package tools documents development tool dependencies.
// These tools are run by version through `go run` and are not tracked in go.mod.
package tools

// Development tools:
//
// mockgen - generates internal/mocks from the repository ports in internal/core
//   Run: go generate ./internal/mocks
//   Version: go.uber.org/mock/mockgen@v0.6.0 (matches go.uber.org/mock in go.mod)
//
// golangci-lint - static analysis; nolint directives in the tree target its linters
//   Install: go install github.com/golangci/golangci-lint/v2/cmd/golangci-lint@v2.4.0
