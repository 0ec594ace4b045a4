package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RESTExecutor replays queued actions against the checklist HTTP API using
// the same mutation endpoints a live session would hit.
type RESTExecutor struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewRESTExecutor(baseURL, token string) *RESTExecutor {
	return &RESTExecutor{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type togglePayload struct {
	ItemID      string `json:"itemId"`
	IsCompleted bool   `json:"isCompleted"`
}

type updatePayload struct {
	ItemID  string         `json:"itemId"`
	Updates map[string]any `json:"updates"`
}

type addPayload struct {
	Title    string `json:"title"`
	Position int    `json:"position"`
}

type deletePayload struct {
	ItemID string `json:"itemId"`
}

func (e *RESTExecutor) Execute(ctx context.Context, action QueuedAction) error {
	switch action.Type {
	case ActionToggleItem:
		var p togglePayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return fmt.Errorf("decode toggle payload: %w", err)
		}
		body := map[string]any{"isCompleted": p.IsCompleted, "timestamp": action.Timestamp}
		return e.do(ctx, http.MethodPatch, "/api/items/"+p.ItemID+"/toggle", body)

	case ActionUpdateItem:
		var p updatePayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return fmt.Errorf("decode update payload: %w", err)
		}
		return e.do(ctx, http.MethodPatch, "/api/items/"+p.ItemID, map[string]any{"updates": p.Updates})

	case ActionAddItem:
		var p addPayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return fmt.Errorf("decode add payload: %w", err)
		}
		return e.do(ctx, http.MethodPost, "/api/checklists/"+action.ChecklistID+"/items", p)

	case ActionDeleteItem:
		var p deletePayload
		if err := json.Unmarshal(action.Payload, &p); err != nil {
			return fmt.Errorf("decode delete payload: %w", err)
		}
		return e.do(ctx, http.MethodDelete, "/api/items/"+p.ItemID, nil)

	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}

func (e *RESTExecutor) do(ctx context.Context, method, path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, e.BaseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.Token)
	}

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	return nil
}
