package reputation

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// DefaultPortraitSize is the requested portrait edge in pixels
const DefaultPortraitSize = 64

// Avatar is a resolved character portrait
type Avatar struct {
	CharacterID int64
	Image       []byte
}

type idsReply struct {
	Characters []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"characters"`
}

// AvatarClient resolves a character id through ESI and fetches the portrait
// from the image server
type AvatarClient struct {
	*client
	imageURL string
	size     int
}

// NewAvatarClient creates an avatar client
func NewAvatarClient(esiURL, imageURL string, size int, opts ...ClientOption) *AvatarClient {
	if size <= 0 {
		size = DefaultPortraitSize
	}
	return &AvatarClient{
		client:   newClient("avatar", strings.TrimRight(esiURL, "/"), opts),
		imageURL: strings.TrimRight(imageURL, "/"),
		size:     size,
	}
}

// Service returns the service name
func (c *AvatarClient) Service() string {
	return c.service
}

// Fetch returns the portrait of name
func (c *AvatarClient) Fetch(ctx context.Context, name string) (Avatar, error) {
	id, err := c.characterID(ctx, name)
	if err != nil {
		return Avatar{}, err
	}

	portraitURL := c.imageURL + PortraitPath(id) + "?size=" + strconv.Itoa(c.size)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, portraitURL, nil)
	if err != nil {
		return Avatar{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	image, err := c.do(ctx, req)
	if err != nil {
		return Avatar{CharacterID: id}, err
	}
	return Avatar{CharacterID: id, Image: image}, nil
}

func (c *AvatarClient) characterID(ctx context.Context, name string) (int64, error) {
	payload, err := json.Marshal([]string{name})
	if err != nil {
		return 0, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/universe/ids/", bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(ctx, req)
	if err != nil {
		return 0, err
	}

	var reply idsReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return 0, c.parseError(err)
	}
	for _, ch := range reply.Characters {
		if strings.EqualFold(ch.Name, name) {
			return ch.ID, nil
		}
	}
	return 0, &QueryError{Service: c.service, Kind: KindService, Err: ErrNotFound}
}

// PortraitPath is the image server path for a character id
func PortraitPath(id int64) string {
	return "/characters/" + strconv.FormatInt(id, 10) + "/portrait"
}
