package kafka

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/segmentio/kafka-go"

	"courier-go/internal/config"
	"courier-go/internal/metrics"
)

// NewTransport returns the connection pool shared by the producer and the health probe.
func NewTransport(cfg *config.KafkaConfig) *kafka.Transport {
	return &kafka.Transport{
		Dial: (&net.Dialer{
			Timeout: cfg.HealthTimeout,
		}).DialContext,
		IdleTimeout: 30 * time.Second,
		MetadataTTL: 6 * time.Second,
	}
}

// HealthProbe implements queue.HealthChecker by asking the cluster for metadata.
// One client is reused for every probe so connections come from the pool.
type HealthProbe struct {
	client  *kafka.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewHealthProbe creates a probe bounded by cfg.HealthTimeout.
func NewHealthProbe(cfg *config.KafkaConfig, transport *kafka.Transport, logger *slog.Logger) *HealthProbe {
	return &HealthProbe{
		client: &kafka.Client{
			Addr:      kafka.TCP(cfg.Brokers...),
			Timeout:   cfg.HealthTimeout,
			Transport: transport,
		},
		timeout: cfg.HealthTimeout,
		logger:  logger,
	}
}

// IsAvailable reports whether the cluster answered a metadata request with
// at least one broker before the timeout. Any failure counts as unavailable.
func (p *HealthProbe) IsAvailable(ctx context.Context) bool {
	start := time.Now()
	available := p.probe(ctx)
	metrics.BrokerHealthCheckLatency.Observe(time.Since(start).Seconds())

	if available {
		metrics.BrokerHealthChecksTotal.WithLabelValues("available").Inc()
	} else {
		metrics.BrokerHealthChecksTotal.WithLabelValues("unavailable").Inc()
	}
	return available
}

func (p *HealthProbe) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.Metadata(ctx, &kafka.MetadataRequest{})
	if err != nil {
		p.logger.Debug("broker health probe failed", "error", err)
		return false
	}
	return len(resp.Brokers) > 0
}
