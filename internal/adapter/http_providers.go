package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSigningProvider talks to an e-signature service over its REST API.
type HTTPSigningProvider struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func (p HTTPSigningProvider) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (p HTTPSigningProvider) EnvelopeStatus(ctx context.Context, envelopeID string) (EnvelopeStatus, error) {
	var out struct {
		Status      string `json:"status"`
		CompletedAt string `json:"completed_at"`
	}
	if err := p.get(ctx, "/envelopes/"+envelopeID, &out); err != nil {
		return EnvelopeStatus{}, err
	}
	return EnvelopeStatus{Status: out.Status, CompletedAt: out.CompletedAt}, nil
}

func (p HTTPSigningProvider) DownloadSignedArtifact(ctx context.Context, envelopeID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/envelopes/"+envelopeID+"/document", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	resp, err := p.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download envelope %s: status %d", envelopeID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (p HTTPSigningProvider) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	resp, err := p.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// HTTPValuationProvider talks to the valuation service over its REST API.
type HTTPValuationProvider struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func (p HTTPValuationProvider) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (p HTTPValuationProvider) CreateUser(ctx context.Context, email string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := p.do(ctx, http.MethodPost, "/users", map[string]any{"email": email}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (p HTTPValuationProvider) CreateValuation(ctx context.Context, userID string, payload map[string]any) (string, error) {
	body := map[string]any{"user_id": userID}
	for k, v := range payload {
		body[k] = v
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := p.do(ctx, http.MethodPost, "/valuations", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (p HTTPValuationProvider) UpdateValuation(ctx context.Context, id string, payload map[string]any) error {
	return p.do(ctx, http.MethodPatch, "/valuations/"+id, payload, nil)
}

func (p HTTPValuationProvider) GetValuation(ctx context.Context, id string) (Valuation, error) {
	var out struct {
		ID        string   `json:"id"`
		Status    string   `json:"status"`
		Amount    *float64 `json:"valuation_amount"`
		ReportURL string   `json:"report_url"`
	}
	if err := p.do(ctx, http.MethodGet, "/valuations/"+id, nil, &out); err != nil {
		return Valuation{}, err
	}
	return Valuation{ID: out.ID, Status: out.Status, Amount: out.Amount, ReportURL: out.ReportURL}, nil
}

func (p HTTPValuationProvider) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
