// Package idempotency implements the Idempotency Engine from spec.md
// §4.7: a thin namespaced key-value layer over internal/kv that lets
// the Orchestrator recognize a resubmitted job before it re-ingests it.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/99souls/fetchguard/internal/kv"
)

const ttl = 86400 * time.Second

// Engine stores and checks idempotency keys.
type Engine struct {
	kv *kv.Client
}

// New returns an Engine backed by client.
func New(client *kv.Client) *Engine { return &Engine{kv: client} }

// Store records that key maps to jobID, for 86400s.
func (e *Engine) Store(ctx context.Context, key, jobID string) error {
	if err := e.kv.SetEx(ctx, namespacedKey(key), jobID, ttl); err != nil {
		return fmt.Errorf("idempotency: store: %w", err)
	}
	return nil
}

// Check returns the job id previously stored for key, if any.
func (e *Engine) Check(ctx context.Context, key string) (jobID string, found bool, err error) {
	v, ok, err := e.kv.Get(ctx, namespacedKey(key))
	if err != nil {
		return "", false, fmt.Errorf("idempotency: check: %w", err)
	}
	return v, ok, nil
}

// Exists reports whether key has a live record.
func (e *Engine) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := e.Check(ctx, key)
	return found, err
}

// Delete removes key's record, e.g. after a job that used it terminates
// in a state the caller wants retried with the same key.
func (e *Engine) Delete(ctx context.Context, key string) error {
	if err := e.kv.Delete(ctx, namespacedKey(key)); err != nil {
		return fmt.Errorf("idempotency: delete: %w", err)
	}
	return nil
}

func namespacedKey(key string) string { return "idemp:" + key }
