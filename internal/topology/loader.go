package topology

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/reliability"
)

// maxSourceBytes caps a single region or bridge document
const maxSourceBytes = 16 << 20

// Loader reads region and bridge documents from files or http(s) URLs
type Loader struct {
	client *http.Client
	retry  reliability.RetryConfig
	logger *logging.Logger
}

// LoaderOption configures a Loader
type LoaderOption func(*Loader)

// WithHTTPClient sets the client used for URL sources
func WithHTTPClient(client *http.Client) LoaderOption {
	return func(l *Loader) {
		l.client = client
	}
}

// WithRetry sets the retry policy for URL sources
func WithRetry(cfg reliability.RetryConfig) LoaderOption {
	return func(l *Loader) {
		l.retry = cfg
	}
}

// NewLoader creates a topology loader
func NewLoader(logger *logging.Logger, opts ...LoaderOption) *Loader {
	l := &Loader{
		client: &http.Client{Timeout: 30 * time.Second},
		retry: reliability.RetryConfig{
			MaxRetries:     3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			Jitter:         true,
		},
		logger: logger.WithComponent("topology"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads every region source and the optional bridge source and builds
// the system graph
func (l *Loader) Load(ctx context.Context, regionSources []string, bridgeSource string) (*Map, error) {
	regions := make([]RegionFile, 0, len(regionSources))
	for _, src := range regionSources {
		var region RegionFile
		if err := l.decode(ctx, src, &region); err != nil {
			return nil, fmt.Errorf("failed to load region %s: %w", src, err)
		}
		regions = append(regions, region)
	}

	var bridges BridgeFile
	if bridgeSource != "" {
		if err := l.decode(ctx, bridgeSource, &bridges); err != nil {
			return nil, fmt.Errorf("failed to load bridges %s: %w", bridgeSource, err)
		}
	}

	m, warnings, err := Build(regions, bridges.Bridges)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		l.logger.Debug().Msg(w)
	}

	l.logger.Info().
		Int("regions", len(regions)).
		Int("systems", m.Len()).
		Int("bridges", m.Bridges()).
		Int("warnings", len(warnings)).
		Msg("Topology loaded")

	return m, nil
}

func (l *Loader) decode(ctx context.Context, src string, v interface{}) error {
	data, err := l.read(ctx, src)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid topology document: %w", err)
	}
	return nil
}

func (l *Loader) read(ctx context.Context, src string) ([]byte, error) {
	if !isURL(src) {
		return os.ReadFile(src)
	}

	var data []byte
	err := reliability.Retry(ctx, l.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return reliability.Permanent(err)
		}
		resp, err := l.client.Do(req)
		if err != nil {
			l.logger.Warn().Err(err).Str("source", src).Msg("Topology fetch failed")
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("unexpected status %d", resp.StatusCode)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return reliability.Permanent(err)
			}
			return err
		}

		data, err = io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes))
		return err
	})
	return data, err
}

func isURL(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}
