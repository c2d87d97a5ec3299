package connectivity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/driftline/driftline/pkg/logger"
)

// DefaultProbeInterval spaces consecutive connectivity checks.
const DefaultProbeInterval = 15 * time.Second

// Sink receives online/offline transitions. Repeated reports of the same
// state must be tolerated.
type Sink interface {
	SetOnline(online bool)
}

// Monitor probes a URL on an interval and feeds the observed connectivity to
// a sink. It exists for hosts without their own connectivity events; hosts
// that have them call the sink directly instead.
type Monitor struct {
	url      string
	interval time.Duration
	client   *http.Client
	sink     Sink
	log      *zap.Logger
}

// NewMonitor constructs a Monitor probing the given URL.
func NewMonitor(url string, interval time.Duration, sink Sink) (*Monitor, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("connectivity: probe url is required")
	}
	if sink == nil {
		return nil, errors.New("connectivity: sink is required")
	}
	if interval <= 0 {
		interval = DefaultProbeInterval
	}

	return &Monitor{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		sink:     sink,
		log:      logger.WithComponent("connectivity"),
	}, nil
}

// Run probes until the context is cancelled. The first probe fires
// immediately so the sink learns the initial state without waiting a full
// interval.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sink.SetOnline(m.probe(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sink.SetOnline(m.probe(ctx))
		}
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.url, nil)
	if err != nil {
		m.log.Warn("probe request build failed", zap.Error(err))
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}
