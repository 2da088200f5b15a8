//go:build tools

// Package tools pins development tools in go.mod.
// Install the linter with: go install github.com/golangci/golangci-lint/cmd/golangci-lint
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
)
