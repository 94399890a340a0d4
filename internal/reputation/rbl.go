package reputation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"

	"github.com/therealutkarshpriyadarshi/intelwatch/pkg/types"
)

type rblReply struct {
	Name   string `json:"name"`
	Red    *bool  `json:"red"`
	CorpID int64  `json:"corp_id"`
	Error  string `json:"error,omitempty"`
}

// RBLClient queries the red-by-last list
type RBLClient struct {
	*client
}

// NewRBLClient creates an RBL client at baseURL
func NewRBLClient(baseURL string, opts ...ClientOption) *RBLClient {
	return &RBLClient{client: newClient("rbl", baseURL, opts)}
}

// Service returns the service name
func (c *RBLClient) Service() string {
	return c.service
}

// Check looks up name. A pilot unknown to the list is reported clear.
func (c *RBLClient) Check(ctx context.Context, name string) (types.KosEntry, error) {
	params := url.Values{}
	params.Set("name", name)

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

	var reply rblReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return types.KosEntry{}, c.parseError(err)
	}
	if reply.Error != "" {
		return types.KosEntry{}, &QueryError{Service: c.service, Kind: KindService, Err: errors.New(reply.Error)}
	}
	if reply.Red == nil {
		return types.KosEntry{}, c.parseError(errors.New("reply has no red field"))
	}

	label := reply.Name
	if label == "" {
		label = name
	}
	return types.KosEntry{
		Type:    "pilot",
		Label:   label,
		Hostile: *reply.Red,
		CorpID:  reply.CorpID,
	}, nil
}
