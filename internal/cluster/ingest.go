package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
)

const maxBodyBytes = 4 << 20

// decodePayloads reads the messages of a store request. CloudEvents requests
// (binary, structured or batch) store one message per event: the event data
// plus its id, type, source and subject. Any other body is one JSON value,
// or a JSON array of values when the request has ?batch=true.
func decodePayloads(w http.ResponseWriter, r *http.Request) ([]any, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if isCloudEvent(r) {
		return decodeCloudEvents(r)
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("empty body")
	}
	if r.URL.Query().Get("batch") == "true" {
		var list []any
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %w", err)
		}
		return list, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return []any{v}, nil
}

func isCloudEvent(r *http.Request) bool {
	if r.Header.Get("Ce-Specversion") != "" {
		return true
	}
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/cloudevents")
}

func decodeCloudEvents(r *http.Request) ([]any, error) {
	var events []cloudevents.Event
	if cehttp.IsHTTPBatch(r.Header) {
		var err error
		events, err = cehttp.NewEventsFromHTTPRequest(r)
		if err != nil {
			return nil, fmt.Errorf("invalid cloudevents batch: %w", err)
		}
	} else {
		e, err := cehttp.NewEventFromHTTPRequest(r)
		if err != nil {
			return nil, fmt.Errorf("invalid cloudevent: %w", err)
		}
		events = []cloudevents.Event{*e}
	}

	out := make([]any, 0, len(events))
	for _, e := range events {
		payload := map[string]any{}
		if len(e.Data()) > 0 {
			var data any
			if err := e.DataAs(&data); err != nil {
				return nil, fmt.Errorf("event %s data: %w", e.ID(), err)
			}
			if m, ok := data.(map[string]any); ok {
				payload = m
			} else {
				payload["data"] = data
			}
		}
		setDefault(payload, "id", e.ID())
		setDefault(payload, "type", e.Type())
		setDefault(payload, "source", e.Source())
		if e.Subject() != "" {
			setDefault(payload, "subject", e.Subject())
		}
		out = append(out, payload)
	}
	return out, nil
}

func setDefault(m map[string]any, key string, v any) {
	if _, ok := m[key]; !ok {
		m[key] = v
	}
}
