package reputation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/therealutkarshpriyadarshi/intelwatch/pkg/types"
)

// kosReply is the CVA style reply of a KOS list lookup
type kosReply struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Total   int         `json:"total"`
	Results []kosResult `json:"results"`
}

type kosResult struct {
	Type  string   `json:"type"`
	Label string   `json:"label"`
	KOS   bool     `json:"kos"`
	EveID int64    `json:"eveid"`
	Corp  *kosCorp `json:"corp"`
}

type kosCorp struct {
	Label    string    `json:"label"`
	KOS      bool      `json:"kos"`
	EveID    int64     `json:"eveid"`
	Alliance *kosGroup `json:"alliance"`
}

type kosGroup struct {
	Label string `json:"label"`
	KOS   bool   `json:"kos"`
	EveID int64  `json:"eveid"`
}

// KOSClient queries a CVA style kill-on-sight list. The ESS list speaks the
// same protocol and uses its own KOSClient.
type KOSClient struct {
	*client
}

// NewKOSClient creates a KOS list client for service at baseURL
func NewKOSClient(service, baseURL string, opts ...ClientOption) *KOSClient {
	return &KOSClient{client: newClient(service, baseURL, opts)}
}

// Service returns the service name
func (c *KOSClient) Service() string {
	return c.service
}

// Check looks up name. A pilot absent from the list is reported clear.
// The pilot counts as hostile when the pilot, the corporation or the
// alliance is flagged.
func (c *KOSClient) Check(ctx context.Context, name string) (types.KosEntry, error) {
	params := url.Values{}
	params.Set("c", "json")
	params.Set("type", "unit")
	params.Set("q", name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return types.KosEntry{}, fmt.Errorf("failed to create request: %w", err)
	}

	body, err := c.do(ctx, req)
	if errors.Is(err, ErrNotFound) {
		return types.KosEntry{Type: "pilot", Label: name}, nil
	}
	if err != nil {
		return types.KosEntry{}, err
	}

	var reply kosReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return types.KosEntry{}, c.parseError(err)
	}
	if reply.Code != 0 && reply.Code != http.StatusOK {
		return types.KosEntry{}, &QueryError{
			Service: c.service,
			Kind:    KindService,
			Err:     fmt.Errorf("code %d: %s", reply.Code, reply.Message),
		}
	}

	for _, r := range reply.Results {
		if !strings.EqualFold(r.Label, name) {
			continue
		}
		entry := types.KosEntry{
			Type:    "pilot",
			Label:   r.Label,
			Hostile: r.KOS,
			EveID:   r.EveID,
		}
		if r.Corp != nil {
			entry.CorpID = r.Corp.EveID
			entry.CorpName = r.Corp.Label
			entry.Hostile = entry.Hostile || r.Corp.KOS
			if r.Corp.Alliance != nil {
				entry.Hostile = entry.Hostile || r.Corp.Alliance.KOS
			}
		}
		return entry, nil
	}

	return types.KosEntry{Type: "pilot", Label: name}, nil
}
