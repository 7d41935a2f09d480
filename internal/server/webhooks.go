package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"giftflow/internal/adapter"
	"giftflow/internal/config"
	"giftflow/internal/domain"
	"giftflow/internal/engine"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultDispatchTimeout  = 5 * time.Second
	defaultDispatchBatch    = 100
)

// Inbound provider webhooks. Providers retry on non-2xx, so every delivery
// that reaches the handler is acknowledged with 200; the ack body says what
// was actually done.

func registerWebhooks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "valuation-webhook",
		Method:      http.MethodPost,
		Path:        "/webhooks/valuation",
		Summary:     "Inbound valuation provider webhook",
	}, func(ctx context.Context, input *struct {
		Body adapter.ValuationWebhook `json:"body"`
	}) (*struct {
		Body WebhookAckResponse `json:"body"`
	}, error) {
		ack := WebhookAckResponse{Received: true}
		if cfg.Valuation == nil {
			ack.Reason = "valuation adapter not configured"
			return ackResponse(ack), nil
		}
		res, err := cfg.Valuation.HandleWebhook(ctx, input.Body)
		if err != nil {
			var stale adapter.StaleError
			if errors.As(err, &stale) {
				ack.Reason = stale.Error()
				return ackResponse(ack), nil
			}
			return nil, handleError(err)
		}
		ack.Matched = res.Matched
		ack.Completed = res.Completed
		ack.TaskID = res.TaskID
		if !res.Matched {
			ack.Reason = "no task carries this valuation id"
		}
		return ackResponse(ack), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "signing-webhook",
		Method:      http.MethodPost,
		Path:        "/webhooks/signing",
		Summary:     "Inbound signing provider webhook",
	}, func(ctx context.Context, input *struct {
		Body SigningWebhookRequest `json:"body"`
	}) (*struct {
		Body WebhookAckResponse `json:"body"`
	}, error) {
		ack := WebhookAckResponse{Received: true}
		if cfg.Signing == nil {
			ack.Reason = "signing adapter not configured"
			return ackResponse(ack), nil
		}
		if input.Body.EnvelopeID == "" {
			ack.Reason = "envelope_id missing"
			return ackResponse(ack), nil
		}
		res, err := cfg.Signing.SyncEnvelope(ctx, input.Body.EnvelopeID)
		if err != nil {
			if engine.IsNotFound(err) {
				ack.Reason = "no task carries this envelope id"
				return ackResponse(ack), nil
			}
			return nil, handleError(err)
		}
		ack.Matched = true
		ack.Completed = res.Completed
		ack.TaskID = res.Task.ID
		if !res.Completed {
			ack.Reason = fmt.Sprintf("envelope status %s", res.Status)
		}
		return ackResponse(ack), nil
	})
}

func ackResponse(ack WebhookAckResponse) *struct {
	Body WebhookAckResponse `json:"body"`
} {
	return &struct {
		Body WebhookAckResponse `json:"body"`
	}{Body: ack}
}

// Outbound dispatch: configured subscriber URLs receive audit events as they
// are appended, one in-memory cursor per subscription.

type outboundDispatcher struct {
	engine   engine.Engine
	webhooks []config.OutboundWebhook
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

func startOutboundDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks.Outbound) == 0 {
		return
	}
	d := &outboundDispatcher{
		engine:   e,
		webhooks: e.Config.Webhooks.Outbound,
		client:   &http.Client{Timeout: defaultDispatchTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run()
}

func (d *outboundDispatcher) run() {
	ticker := time.NewTicker(defaultDispatchInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *outboundDispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(i, hook)
	}
}

func (d *outboundDispatcher) dispatchWebhook(idx int, hook config.OutboundWebhook) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	events, err := d.engine.Repo.EventsAfter(ctx, defaultDispatchBatch, cursor)
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *outboundDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(context.Background())
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *outboundDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type outboundEvent struct {
	ID       int64           `json:"id"`
	Type     string          `json:"type"`
	ScopeKey string          `json:"scope_key,omitempty"`
	TaskID   string          `json:"task_id,omitempty"`
	ActorID  string          `json:"actor_id"`
	TS       string          `json:"ts"`
	Payload  json.RawMessage `json:"payload"`
}

func (d *outboundDispatcher) postEvent(ctx context.Context, hook config.OutboundWebhook, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	body := outboundEvent{
		ID:       evt.ID,
		Type:     evt.Type,
		ScopeKey: evt.ScopeKey,
		TaskID:   evt.TaskID,
		ActorID:  evt.ActorID,
		TS:       evt.TS,
		Payload:  payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultDispatchTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Giftflow-Event", evt.Type)
	req.Header.Set("X-Giftflow-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Giftflow-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
