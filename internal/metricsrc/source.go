package metricsrc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"decomwatch/internal/config"
	"decomwatch/internal/domain"
)

// ErrNoData indicates the source produced nothing for the entity in the window.
var ErrNoData = errors.New("no activity data")

// Source supplies activity telemetry for one monitored entity.
// Params: context, entity id, and evaluation window.
// Returns: activity sample, ErrNoData, or a transient fetch error.
type Source interface {
	FetchActivity(ctx context.Context, entityID string, window time.Duration) (domain.Sample, error)
}

// PromSource reads activity from a Prometheus text exposition endpoint.
// Params: endpoint settings and shared HTTP client.
// Returns: pull-based metric source polled once per evaluation cycle.
type PromSource struct {
	cfg    config.SourceConfig
	client *http.Client
}

// New creates the Prometheus-exposition metric source.
// Params: source config.
// Returns: initialized source with per-request timeout.
func New(cfg config.SourceConfig) *PromSource {
	return &PromSource{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}
}

// FetchActivity pulls and reduces the exposition for one entity.
// Params: context, entity id, and evaluation window.
// Returns: last-active timestamp and sample count, or ErrNoData when the
// entity's series are absent from the scrape.
func (s *PromSource) FetchActivity(ctx context.Context, entityID string, window time.Duration) (domain.Sample, error) {
	families, err := s.fetch(ctx, entityID, window)
	if err != nil {
		return domain.Sample{}, err
	}

	lastActive, foundActive := labeledValue(families[s.cfg.LastActiveMetric], s.cfg.EntityLabel, entityID)
	samples, foundSamples := labeledValue(families[s.cfg.SamplesMetric], s.cfg.EntityLabel, entityID)
	if !foundActive && !foundSamples {
		return domain.Sample{NoData: true}, ErrNoData
	}

	sample := domain.Sample{SampleCount: int64(samples)}
	if foundActive && lastActive > 0 && !math.IsNaN(lastActive) {
		seconds := int64(lastActive)
		nanos := int64((lastActive - float64(seconds)) * float64(time.Second))
		sample.LastActiveAt = time.Unix(seconds, nanos).UTC()
	}
	return sample, nil
}

// fetch performs one exposition scrape scoped to the entity.
// Params: context, entity id, and window hint passed as query parameters.
// Returns: parsed metric families or a transport error.
func (s *PromSource) fetch(ctx context.Context, entityID string, window time.Duration) (map[string]*dto.MetricFamily, error) {
	target, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("source url: %w", err)
	}
	query := target.Query()
	query.Set(s.cfg.EntityLabel, entityID)
	query.Set("window_sec", strconv.FormatInt(int64(window.Seconds()), 10))
	target.RawQuery = query.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build source request: %w", err)
	}
	request.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("source fetch: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source fetch status=%d", response.StatusCode)
	}
	return parseExposition(response.Body)
}

// parseExposition decodes a Prometheus text exposition into metric families.
// Params: response body reader.
// Returns: families map; a partial parse with data is treated as success.
func parseExposition(reader io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(reader)
	if err != nil && len(families) == 0 {
		return nil, fmt.Errorf("parse exposition: %w", err)
	}
	return families, nil
}

// labeledValue extracts the maximal series value carrying the entity label.
// Params: metric family, label name, and expected label value.
// Returns: value and presence flag.
func labeledValue(family *dto.MetricFamily, label, want string) (float64, bool) {
	if family == nil {
		return 0, false
	}
	best := 0.0
	found := false
	for _, metric := range family.GetMetric() {
		if !hasLabel(metric, label, want) {
			continue
		}
		value, ok := metricValue(metric)
		if !ok {
			continue
		}
		if !found || value > best {
			best = value
		}
		found = true
	}
	return best, found
}

// hasLabel reports whether one series carries label=want.
// Params: series, label name, and expected value.
// Returns: match flag.
func hasLabel(metric *dto.Metric, label, want string) bool {
	for _, pair := range metric.GetLabel() {
		if pair.GetName() == label && pair.GetValue() == want {
			return true
		}
	}
	return false
}

// metricValue reads gauge/counter/untyped value from one series.
// Params: series.
// Returns: value and type-support flag.
func metricValue(metric *dto.Metric) (float64, bool) {
	switch {
	case metric.Gauge != nil:
		return metric.Gauge.GetValue(), true
	case metric.Counter != nil:
		return metric.Counter.GetValue(), true
	case metric.Untyped != nil:
		return metric.Untyped.GetValue(), true
	default:
		return 0, false
	}
}
