//go:build tools

// Package tools pins development tools in go.mod so every contributor lints
// with the same version: go run github.com/golangci/golangci-lint/cmd/golangci-lint run ./...
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
)
