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
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// reset clears all global state in the metric package.
func reset() {
	allMetrics = makeMetricSet()
}

func TestRegister(t *testing.T) {
	reset()
	if _, err := NewUint64Metric("/test/ops", "ops"); err != nil {
		t.Fatalf("NewUint64Metric failed: %v", err)
	}
	if _, err := NewUint64Metric("/test/ops", "ops again"); !errors.Is(err, ErrNameInUse) {
		t.Errorf("duplicate NewUint64Metric returned %v, want %v", err, ErrNameInUse)
	}
	if _, err := NewUint64Metric("test-ops", "bad"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("NewUint64Metric with bad name returned %v, want %v", err, ErrInvalidName)
	}
	if _, err := NewUint64Metric("/test/empty", "bad", NewField("f", nil)); !errors.Is(err, ErrFieldHasNoAllowedValues) {
		t.Errorf("NewUint64Metric with empty field returned %v, want %v", err, ErrFieldHasNoAllowedValues)
	}
}

func TestFields(t *testing.T) {
	reset()
	m := MustCreateNewUint64Metric("/test/posts", "posts", NewField("queue", []string{"hpq", "lpq"}))
	m.Increment("lpq")
	m.IncrementBy(3, "lpq")
	m.Increment("hpq")
	if got := m.Value("lpq"); got != 4 {
		t.Errorf("Value(lpq) = %d, want 4", got)
	}
	if got := m.Value("hpq"); got != 1 {
		t.Errorf("Value(hpq) = %d, want 1", got)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("Increment with disallowed field value did not panic")
		}
	}()
	m.Increment("bios")
}

func TestKeyToMultiField(t *testing.T) {
	f, err := newFieldMapper(NewField("a", []string{"x", "y"}), NewField("b", []string{"1", "2", "3"}))
	if err != nil {
		t.Fatalf("newFieldMapper failed: %v", err)
	}
	for key := 0; key < f.numKeys(); key++ {
		values := f.keyToMultiField(key)
		if got := f.lookup(values...); got != key {
			t.Errorf("lookup(%v) = %d, want %d", values, got, key)
		}
	}
}

func TestWriteText(t *testing.T) {
	reset()
	c := MustCreateNewUint64Metric("/pmu/rpc_timeouts", "RPCs that timed out.")
	g := MustCreateNewUint64Gauge("/pmu/load_avg", "Smoothed load.")
	c.IncrementBy(2)
	g.Set(37)

	var buf bytes.Buffer
	if err := WriteText(&buf); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	want := []string{
		"# HELP gpuctl_pmu_load_avg Smoothed load.",
		"# TYPE gpuctl_pmu_load_avg gauge",
		"gpuctl_pmu_load_avg 37",
		"# HELP gpuctl_pmu_rpc_timeouts RPCs that timed out.",
		"# TYPE gpuctl_pmu_rpc_timeouts counter",
		"gpuctl_pmu_rpc_timeouts 2",
	}
	got := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("WriteText mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteTextLabels(t *testing.T) {
	reset()
	m := MustCreateNewUint64Metric("/fifo/submits", "Submits.", NewField("runlist", []string{"0", "1"}))
	m.Increment("1")
	var buf bytes.Buffer
	if err := WriteText(&buf); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	for _, line := range []string{`gpuctl_fifo_submits{runlist="0"} 0`, `gpuctl_fifo_submits{runlist="1"} 1`} {
		if !strings.Contains(buf.String(), line) {
			t.Errorf("WriteText output missing %q:\n%s", line, buf.String())
		}
	}
}
