package export

import (
	"fmt"
	"io"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"decomwatch/internal/domain"
)

const (
	idleMetricName   = "decomwatch_idle_seconds"
	statusMetricName = "decomwatch_status"
	entityLabel      = "database"
	statusLabel      = "status"
)

// WriteSnapshot renders per-entity gauges as a Prometheus text exposition.
// Params: writer and current alert state snapshot.
// Returns: encode error; one idle gauge and one labeled status series per entity.
func WriteSnapshot(writer io.Writer, states []domain.AlertState) error {
	encoder := expfmt.NewEncoder(writer, expfmt.NewFormat(expfmt.TypeTextPlain))

	idle := &dto.MetricFamily{
		Name: ptrString(idleMetricName),
		Help: ptrString("Seconds since the entity's last observed activity."),
		Type: ptrMetricType(dto.MetricType_GAUGE),
	}
	status := &dto.MetricFamily{
		Name: ptrString(statusMetricName),
		Help: ptrString("Current alert status per entity; the active status series is 1."),
		Type: ptrMetricType(dto.MetricType_GAUGE),
	}

	for _, st := range states {
		idle.Metric = append(idle.Metric, &dto.Metric{
			Label: []*dto.LabelPair{labelPair(entityLabel, st.EntityID)},
			Gauge: &dto.Gauge{Value: ptrFloat(float64(st.IdleSeconds))},
		})
		for _, candidate := range []domain.Status{domain.StatusOK, domain.StatusWarning, domain.StatusCritical} {
			value := 0.0
			if candidate == st.Status {
				value = 1.0
			}
			status.Metric = append(status.Metric, &dto.Metric{
				Label: []*dto.LabelPair{
					labelPair(entityLabel, st.EntityID),
					labelPair(statusLabel, string(candidate)),
				},
				Gauge: &dto.Gauge{Value: ptrFloat(value)},
			})
		}
	}

	for _, family := range []*dto.MetricFamily{idle, status} {
		if len(family.Metric) == 0 {
			continue
		}
		if err := encoder.Encode(family); err != nil {
			return fmt.Errorf("encode %s: %w", family.GetName(), err)
		}
	}
	return nil
}

func labelPair(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: ptrString(name), Value: ptrString(value)}
}

func ptrString(value string) *string { return &value }

func ptrFloat(value float64) *float64 { return &value }

func ptrMetricType(value dto.MetricType) *dto.MetricType { return &value }
