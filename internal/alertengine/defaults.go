package alertengine

import (
	"os"
	"strconv"
	"strings"

	"github.com/tonypi-fleet/control-plane/internal/model"
)

// MetricDefault is the factory-shipped threshold/hysteresis/direction for
// one metric, used when no operator override exists in the Entity Store.
type MetricDefault struct {
	WarnValue   float64
	CritValue   float64
	Direction   model.MetricDirection
	HysteresisW float64
	HysteresisC float64
}

// DefaultMetrics ships sensible defaults for the metrics the spec names
// explicitly (battery, temperature, cpu); other metrics have no alerting
// unless an operator configures a threshold.
var DefaultMetrics = map[string]MetricDefault{
	"battery_level": {
		WarnValue: 20, CritValue: 10, Direction: model.DirectionLow,
	},
	"cpu_temperature": {
		WarnValue: 70, CritValue: 85, Direction: model.DirectionHigh,
	},
	"cpu_percent": {
		WarnValue: 80, CritValue: 95, Direction: model.DirectionHigh,
	},
}

func init() {
	for k, d := range DefaultMetrics {
		h := hysteresisDefault(d.WarnValue, d.CritValue)
		d.HysteresisW = envFloatOverride("ALERT_HYSTERESIS_"+envMetricName(k)+"_WARN", h)
		d.HysteresisC = envFloatOverride("ALERT_HYSTERESIS_"+envMetricName(k)+"_CRIT", h)
		DefaultMetrics[k] = d
	}
}

func envMetricName(metric string) string {
	return strings.ToUpper(strings.ReplaceAll(metric, ".", "_"))
}

func envFloatOverride(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

// hysteresisDefault is 5% of the (crit - warn) spread, per the Open
// Question resolution: sensible defaults ship as configuration,
// overridable per metric via ALERT_HYSTERESIS_<METRIC>_WARN/_CRIT.
func hysteresisDefault(warn, crit float64) float64 {
	spread := crit - warn
	if spread < 0 {
		spread = -spread
	}
	return 0.05 * spread
}
