package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"phasegate/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookPublisher POSTs each event to every enabled hook whose filter matches.
type WebhookPublisher struct {
	hooks  []webhookTarget
	client *http.Client
}

type webhookTarget struct {
	hook   config.Webhook
	filter eventFilter
}

func NewWebhookPublisher(hooks []config.Webhook) *WebhookPublisher {
	p := &WebhookPublisher{client: &http.Client{Timeout: defaultWebhookTimeout}}
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		p.hooks = append(p.hooks, webhookTarget{hook: hook, filter: newEventFilter(hook.Events)})
	}
	return p
}

// Len reports the number of active hooks.
func (p *WebhookPublisher) Len() int { return len(p.hooks) }

func (p *WebhookPublisher) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, target := range p.hooks {
		if !target.filter.match(evt.Type) {
			continue
		}
		if err := p.post(ctx, target.hook, evt); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", target.hook.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (p *WebhookPublisher) Close() error { return nil }

func (p *WebhookPublisher) post(ctx context.Context, hook config.Webhook, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	client := p.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Phasegate-Event", evt.Type)
	req.Header.Set("X-Phasegate-Delivery", evt.ID)
	if evt.ProjectID != "" {
		req.Header.Set("X-Phasegate-Project", evt.ProjectID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Phasegate-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		key := strings.TrimSpace(t)
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

func (f eventFilter) match(evtType string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evtType]
	return ok
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
