package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/prudhvinik1/offlinecore/internal/logging"
	"github.com/prudhvinik1/offlinecore/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// Prober is a poll-based Monitor that checks whether the API health endpoint
// answers. Any HTTP response below 500 counts as reachable.
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	notifier *Notifier
	log      logrus.FieldLogger
}

func NewProber(url string, interval time.Duration, client *http.Client, log logrus.FieldLogger) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultProbeTimeout}
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Prober{
		url:      url,
		interval: interval,
		client:   client,
		notifier: NewNotifier(),
		log:      log,
	}
}

func (p *Prober) Subscribe(listener func(models.NetworkState)) func() {
	return p.notifier.Subscribe(listener)
}

// Report publishes an externally observed reading, for example from the
// platform shell, ahead of the next probe.
func (p *Prober) Report(state models.NetworkState) {
	p.notifier.Report(state)
}

// Fetch performs one probe without publishing it.
func (p *Prober) Fetch(ctx context.Context) (models.NetworkState, error) {
	return p.probe(ctx), nil
}

// Run publishes a reading every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			state := p.probe(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.notifier.Report(state)
		}
	}
}

func (p *Prober) probe(ctx context.Context) models.NetworkState {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.log.WithError(err).Warn("invalid probe url")
		return models.Connected(false)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.WithError(err).Debug("probe failed")
		return models.Connected(false)
	}
	resp.Body.Close()

	state := models.Connected(resp.StatusCode < http.StatusInternalServerError)
	state.Type = "http"
	return state
}
