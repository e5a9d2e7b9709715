// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"fmt"
	"io"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Families returns a snapshot of every registered metric, sorted by name.
func Families() []*dto.MetricFamily {
	allMetrics.mu.Lock()
	metrics := make([]*customUint64Metric, 0, len(allMetrics.uint64Metrics))
	for _, m := range allMetrics.uint64Metrics {
		metrics = append(metrics, m)
	}
	allMetrics.mu.Unlock()
	sort.Slice(metrics, func(i, j int) bool { return metrics[i].name < metrics[j].name })

	families := make([]*dto.MetricFamily, 0, len(metrics))
	for _, m := range metrics {
		families = append(families, m.family())
	}
	return families
}

func (m *customUint64Metric) family() *dto.MetricFamily {
	f := &dto.MetricFamily{
		Name: proto.String(exportName(m.name)),
		Help: proto.String(m.description),
		Type: m.metricType().Enum(),
	}
	for key := 0; key < m.fields.numKeys(); key++ {
		values := m.fields.keyToMultiField(key)
		v := float64(m.value(values...))
		metric := &dto.Metric{}
		for i, value := range values {
			metric.Label = append(metric.Label, &dto.LabelPair{
				Name:  proto.String(m.fields.fields[i].name),
				Value: proto.String(value),
			})
		}
		if m.cumulative {
			metric.Counter = &dto.Counter{Value: proto.Float64(v)}
		} else {
			metric.Gauge = &dto.Gauge{Value: proto.Float64(v)}
		}
		f.Metric = append(f.Metric, metric)
	}
	return f
}

// WriteText writes every registered metric to w in the Prometheus text
// exposition format.
func WriteText(w io.Writer) error {
	for _, f := range Families() {
		if _, err := expfmt.MetricFamilyToText(w, f); err != nil {
			return fmt.Errorf("writing metric %s: %w", f.GetName(), err)
		}
	}
	return nil
}
