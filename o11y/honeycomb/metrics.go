package honeycomb

import (
	"fmt"
	"strings"
	"time"

	"github.com/circleci/typeset/o11y"
)

func extractAndSendMetrics(mp o11y.MetricsProvider) func(map[string]interface{}) {
	if mp == nil {
		// no configured provider, so just keep the stashed metrics out of the event
		return func(fields map[string]interface{}) {
			delete(fields, metricKey)
		}
	}

	return func(fields map[string]interface{}) {
		standardErrorMetrics(mp, fields)

		metrics, ok := fields[metricKey].([]o11y.Metric)
		if !ok {
			return
		}
		delete(fields, metricKey)
		for _, m := range metrics {
			sendMetric(mp, m, fields)
		}
	}
}

func sendMetric(mp o11y.MetricsProvider, m o11y.Metric, fields map[string]interface{}) {
	tags := extractTagsFromFields(m.TagFields, fields)
	switch m.Type {
	case o11y.MetricTimer:
		val, ok := getField(m.Field, fields)
		if !ok {
			return
		}
		ms, ok := toMilliSecond(val)
		if !ok {
			panic(m.Field + " can not be coerced to milliseconds")
		}
		_ = mp.TimeInMilliseconds(m.Name, ms, tags, 1)
	case o11y.MetricCount:
		var count int64 = 1
		if m.Field != "" {
			val, ok := getField(m.Field, fields)
			if !ok {
				return
			}
			count, ok = toInt64(val)
			if !ok {
				panic(m.Field + " can not be coerced to int")
			}
		}
		if m.FixedTag != nil {
			tags = append(tags, fmtTag(m.FixedTag.Name, m.FixedTag.Value))
		}
		_ = mp.Count(m.Name, count, tags, 1)
	case o11y.MetricGauge:
		val, ok := getField(m.Field, fields)
		if !ok {
			return
		}
		f, ok := toFloat64(val)
		if !ok {
			panic(m.Field + " can not be coerced to float")
		}
		_ = mp.Gauge(m.Name, f, tags, 1)
	}
}

// standardErrorMetrics counts every traced error and warning, and classifies failures
// by the first field named <class>_error.
func standardErrorMetrics(mp o11y.MetricsProvider, fields map[string]interface{}) {
	if class := addFailure(fields); class != "" {
		_ = mp.Count("failure", 1, []string{fmtTag("class", class)}, 1)
	}
	tag := []string{fmtTag("type", "o11y")}
	if _, ok := fields["error"]; ok {
		_ = mp.Count("error", 1, tag, 1)
	}
	if _, ok := fields["warning"]; ok {
		_ = mp.Count("warning", 1, tag, 1)
	}
}

func addFailure(fields map[string]interface{}) string {
	if _, ok := fields["failure"]; ok {
		return ""
	}
	for k := range fields {
		class := strings.TrimSuffix(k, "_error")
		if class != k {
			fields["failure"] = class
			return class
		}
	}
	return ""
}

func extractTagsFromFields(tags []string, fields map[string]interface{}) []string {
	result := make([]string, 0, len(tags))
	for _, name := range tags {
		if val, ok := getField(name, fields); ok {
			result = append(result, fmtTag(name, val))
		}
	}
	return result
}

func getField(name string, fields map[string]interface{}) (interface{}, bool) {
	val, ok := fields[name]
	if !ok {
		// Also support the app. prefix, for interop with honeycomb's prefixed fields
		val, ok = fields["app."+name]
	}
	return val, ok
}

func toInt64(val interface{}) (int64, bool) {
	switch v := val.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

func toFloat64(val interface{}) (float64, bool) {
	if f, ok := val.(float64); ok {
		return f, true
	}
	if i, ok := toInt64(val); ok {
		return float64(i), true
	}
	return 0, false
}

func toMilliSecond(val interface{}) (float64, bool) {
	if f, ok := toFloat64(val); ok {
		return f, true
	}
	switch d := val.(type) {
	case time.Duration:
		return float64(d.Milliseconds()), true
	case *time.Duration:
		return float64(d.Milliseconds()), true
	}
	return 0, false
}

func fmtTag(name string, val interface{}) string {
	return fmt.Sprintf("%s:%v", name, val)
}
