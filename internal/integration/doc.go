// Package integration provides cross-package integration tests for the
// coordination engine. They drive whole runs through the public surface:
// plan files in, executed tasks and audit rows out.
//
// Build tag: integration
// Run with: go test -tags integration ./internal/integration/...
package integration
