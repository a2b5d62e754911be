package actions

import (
	"context"
	"fmt"
	"io"
	"net/http"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"

	"github.com/dayuer/dispatchd/internal/rule"
)

// DefaultEventType is the CloudEvents type of webhook events.
const DefaultEventType = "dispatchd.message"

// webhook posts each batch as one CloudEvents batch request.
type webhook struct {
	spec   Spec
	client *http.Client
	source string
}

// HTTPError is a webhook answered with a non-2xx status.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("webhook %s: HTTP %d", e.URL, e.StatusCode)
}

func (w *webhook) consume(ctx context.Context, b *rule.Batch) error {
	eventType := w.spec.EventType
	if eventType == "" {
		eventType = DefaultEventType
	}

	msgs := b.Messages()
	events := make([]cloudevents.Event, len(msgs))
	for i, m := range msgs {
		e := cloudevents.NewEvent()
		e.SetID(m.ID())
		e.SetType(eventType)
		e.SetSource(w.source + "/" + b.Channel().ID())
		e.SetSubject(b.RuleID())
		e.SetTime(m.InsertedAt())
		if err := e.SetData(cloudevents.ApplicationJSON, m.Payload()); err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID(), err)
		}
		events[i] = e
	}

	req, err := cehttp.NewHTTPRequestFromEvents(ctx, w.spec.URL, events)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	for k, v := range w.spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{URL: w.spec.URL, StatusCode: resp.StatusCode}
	}
	for b.Next() {
		b.SetProcessed()
	}
	return nil
}
