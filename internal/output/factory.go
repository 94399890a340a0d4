package output

import (
	"fmt"
	"io"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/dlq"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/reliability"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/security"
)

// New builds a single output from its configuration. hub is only needed
// for websocket outputs and stdout may be nil to mean os.Stdout.
func New(def config.OutputDefinition, hub Broadcaster, stdout io.Writer) (Output, error) {
	var err error
	secrets := security.NewSecretManager()
	base := DefaultBaseConfig()
	base.Name = def.Name

	switch def.Type {
	case "stdout":
		return NewStdoutOutput(base, stdout), nil

	case "websocket":
		return NewWebsocketOutput(base, hub)

	case "kafka":
		if def.Kafka == nil {
			return nil, fmt.Errorf("output %s: missing kafka section", def.Name)
		}
		kc := DefaultKafkaConfig()
		kc.BaseConfig = base
		kc.BatchSize = 1
		kc.Brokers = def.Kafka.Brokers
		kc.Topic = def.Kafka.Topic
		if def.Kafka.RequiredAcks != 0 {
			kc.RequiredAcks = def.Kafka.RequiredAcks
		}
		if def.Kafka.CompressionCodec != "" {
			kc.CompressionCodec = def.Kafka.CompressionCodec
		}
		if def.Kafka.MaxMessageBytes > 0 {
			kc.MaxMessageBytes = def.Kafka.MaxMessageBytes
		}
		if def.Kafka.ClientID != "" {
			kc.ClientID = def.Kafka.ClientID
		}
		if def.Kafka.Version != "" {
			kc.Version = def.Kafka.Version
		}
		kc.SASLEnabled = def.Kafka.SASLEnabled
		kc.SASLMechanism = def.Kafka.SASLMechanism
		kc.SASLUsername = def.Kafka.SASLUsername
		password, err := secrets.GetSecret(def.Kafka.SASLPassword)
		if err != nil {
			return nil, fmt.Errorf("output %s: sasl_password: %w", def.Name, err)
		}
		kc.SASLPassword = password
		kc.EnableTLS = def.Kafka.EnableTLS
		if t := def.Kafka.TLS; t != nil {
			tlsConfig, err := security.LoadTLSConfig(&security.TLSConfig{
				Enabled:            true,
				CertFile:           t.CertFile,
				KeyFile:            t.KeyFile,
				CAFile:             t.CAFile,
				InsecureSkipVerify: t.InsecureSkipVerify,
			})
			if err != nil {
				return nil, fmt.Errorf("output %s: %w", def.Name, err)
			}
			kc.EnableTLS = true
			kc.TLS = tlsConfig
		}
		return NewKafkaOutput(kc)

	case "elasticsearch":
		if def.Elasticsearch == nil {
			return nil, fmt.Errorf("output %s: missing elasticsearch section", def.Name)
		}
		ec := DefaultElasticsearchConfig()
		ec.BaseConfig = base
		ec.BatchSize = def.Elasticsearch.BatchSize
		if def.Elasticsearch.FlushInterval > 0 {
			ec.FlushInterval = def.Elasticsearch.FlushInterval
		}
		ec.Addresses = def.Elasticsearch.Addresses
		if def.Elasticsearch.Index != "" {
			ec.Index = def.Elasticsearch.Index
		}
		if def.Elasticsearch.IndexRotation != "" {
			ec.IndexRotation = def.Elasticsearch.IndexRotation
		}
		ec.Username = def.Elasticsearch.Username
		ec.CloudID = def.Elasticsearch.CloudID
		if ec.Password, err = secrets.GetSecret(def.Elasticsearch.Password); err != nil {
			return nil, fmt.Errorf("output %s: password: %w", def.Name, err)
		}
		if ec.APIKey, err = secrets.GetSecret(def.Elasticsearch.APIKey); err != nil {
			return nil, fmt.Errorf("output %s: api_key: %w", def.Name, err)
		}
		return NewElasticsearchOutput(ec)
	}

	return nil, fmt.Errorf("output %s: unknown type %q", def.Name, def.Type)
}

// NewRouterFromConfig builds a router with every configured output. Outputs
// built before a failure are closed.
func NewRouterFromConfig(cfg config.OutputsConfig, hub Broadcaster, logger *logging.Logger, m *metrics.Collector) (*Router, error) {
	rc := RouterConfig{
		FailureStrategy: cfg.FailureStrategy,
		Parallel:        cfg.Parallel,
	}
	if cfg.Retry != nil {
		rc.Retry = &reliability.RetryConfig{
			MaxRetries:     cfg.Retry.MaxRetries,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
			Multiplier:     cfg.Retry.Multiplier,
			Jitter:         cfg.Retry.Jitter,
		}
	}

	if dl := cfg.DeadLetter; dl != nil {
		q, err := dlq.New(dlq.Config{Dir: dl.Dir, MaxSize: dl.MaxSize, MaxAge: dl.MaxAge})
		if err != nil {
			return nil, fmt.Errorf("dead letter: %w", err)
		}
		rc.DeadLetter = q
		if m != nil {
			m.DeadLetterSize.Set(float64(q.Size()))
		}
	}

	router := NewRouter(rc, logger, m)
	for _, def := range cfg.Definitions {
		out, err := New(def, hub, nil)
		if err != nil {
			_ = router.Close()
			return nil, err
		}
		events := make([]EventType, 0, len(def.Events))
		for _, e := range def.Events {
			events = append(events, EventType(e))
		}
		router.AddOutput(out, events...)
		logger.Info().Str("output", out.Name()).Str("type", def.Type).Msg("Output configured")
	}

	return router, nil
}
