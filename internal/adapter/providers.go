// Package adapter translates external signals (signing envelopes, valuation
// webhooks, direct user actions) into completion-engine calls. Adapters are
// idempotent by construction: they check current task state before applying
// anything, so at-least-once delivery from providers is safe.
package adapter

import (
	"context"
	"fmt"
)

// EnvelopeStatus is the signing provider's view of an envelope.
type EnvelopeStatus struct {
	Status      string
	CompletedAt string
}

// EnvelopeCompleted is the sole status that triggers task completion.
const EnvelopeCompleted = "completed"

// SigningProvider is the narrow interface to the e-signature service.
type SigningProvider interface {
	EnvelopeStatus(ctx context.Context, envelopeID string) (EnvelopeStatus, error)
	DownloadSignedArtifact(ctx context.Context, envelopeID string) ([]byte, error)
}

// Valuation is the valuation provider's view of an appraisal.
type Valuation struct {
	ID        string
	Status    string
	Amount    *float64
	ReportURL string
}

// ValuationProvider is the narrow interface to the third-party valuation
// service.
type ValuationProvider interface {
	CreateUser(ctx context.Context, email string) (string, error)
	CreateValuation(ctx context.Context, userID string, payload map[string]any) (string, error)
	UpdateValuation(ctx context.Context, id string, payload map[string]any) error
	GetValuation(ctx context.Context, id string) (Valuation, error)
}

// BlobStore persists downloaded artifacts.
type BlobStore interface {
	Store(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

// UpstreamError wraps a provider failure. Task state is untouched when it is
// returned, so the caller can retry.
type UpstreamError struct {
	Provider string
	Err      error
}

func (e UpstreamError) Error() string {
	return fmt.Sprintf("%s provider: %v", e.Provider, e.Err)
}

func (e UpstreamError) Unwrap() error { return e.Err }

// StaleError rejects a webhook whose embedded timestamp falls outside the
// freshness window.
type StaleError struct {
	Age string
}

func (e StaleError) Error() string {
	return fmt.Sprintf("webhook timestamp outside freshness window (age %s)", e.Age)
}
