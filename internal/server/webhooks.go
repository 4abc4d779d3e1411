package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"credline/internal/config"
	"credline/internal/domain"
	"credline/internal/repo"
)

const (
	webhookPollInterval = 2 * time.Second
	webhookTimeout      = 5 * time.Second
	webhookBatchSize    = 100
)

// webhookDispatcher polls the audit log and pushes new events to the
// configured hooks. Each hook tracks its own cursor; delivery order per
// hook follows event id order, and a failed delivery halts that hook's
// cursor until the next poll retries it.
type webhookDispatcher struct {
	repo     repo.Repo
	logger   *log.Logger
	webhooks []config.WebhookConfig
	client   *http.Client

	mu      sync.Mutex
	cursors map[int]int64
}

func startWebhookDispatcher(a *api) {
	if len(a.cfg.Webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		repo:     a.repo,
		logger:   a.logger,
		webhooks: a.cfg.Webhooks,
		client:   &http.Client{Timeout: webhookTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(webhookPollInterval)
	defer ticker.Stop()
	for {
		for i, hook := range d.webhooks {
			if hook.Enabled != nil && !*hook.Enabled {
				continue
			}
			if strings.TrimSpace(hook.URL) == "" {
				continue
			}
			d.drain(i, hook)
		}
		<-ticker.C
	}
}

// drain pushes every undelivered event for one hook, advancing the
// cursor after each settled event. Filtered-out events advance the
// cursor without a delivery.
func (d *webhookDispatcher) drain(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	events, err := d.repo.EventsAfter(ctx, webhookBatchSize, d.cursorFor(idx))
	if err != nil {
		d.logger.Printf("webhook: fetch events failed: %v", err)
		return
	}
	for _, evt := range events {
		if hookWants(hook, evt.Type) {
			if err := d.deliver(ctx, hook, evt); err != nil {
				d.logger.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
				return
			}
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor starts each hook at the latest event id, so a restart never
// replays the whole audit log.
func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.cursors[idx]
	if !ok {
		latest, err := d.repo.LatestEventID(context.Background())
		if err != nil {
			d.logger.Printf("webhook: init cursor failed: %v", err)
			latest = 0
		}
		cur = latest
		d.cursors[idx] = cur
	}
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// hookWants reports whether a hook subscribes to the event type. An
// empty (or all-blank) filter list means everything.
func hookWants(hook config.WebhookConfig, evtType string) bool {
	matched := false
	seen := false
	for _, want := range hook.Events {
		want = strings.TrimSpace(want)
		if want == "" {
			continue
		}
		seen = true
		if want == evtType {
			matched = true
		}
	}
	return matched || !seen
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *webhookDispatcher) deliver(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			body.Payload = json.RawMessage(evt.Payload)
		} else {
			body.PayloadRaw = evt.Payload
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Credline-Event", evt.Type)
	// unique per delivery attempt, so receivers can dedupe retried posts
	req.Header.Set("X-Credline-Delivery", uuid.NewString())
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Credline-Secret", hook.Secret)
	}
	res, err := d.clientFor(hook).Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (d *webhookDispatcher) clientFor(hook config.WebhookConfig) *http.Client {
	if hook.TimeoutSeconds > 0 && time.Duration(hook.TimeoutSeconds)*time.Second != d.client.Timeout {
		return &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	return d.client
}
