// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestNewDefaultsNamespace(t *testing.T) {
	m := New("")
	if m.ActivePeers == nil {
		t.Fatal("ActivePeers should be constructed even with an empty namespace")
	}
}

func TestObserveSendRecordsSuccess(t *testing.T) {
	m := New("metrics_test_success")
	err := m.ObserveSend("CON", func() error { return nil })
	if err != nil {
		t.Fatalf("ObserveSend: %v", err)
	}
	if got := counterValue(t, m.MessagesSent.WithLabelValues("CON")); got != 1 {
		t.Fatalf("MessagesSent[CON] = %v, want 1", got)
	}
}

func TestObserveSendDoesNotCountOnFailure(t *testing.T) {
	m := New("metrics_test_failure")
	sendErr := errors.New("write failed")
	err := m.ObserveSend("NON", func() error { return sendErr })
	if !errors.Is(err, sendErr) {
		t.Fatalf("ObserveSend error = %v, want %v", err, sendErr)
	}
	if got := counterValue(t, m.MessagesSent.WithLabelValues("NON")); got != 0 {
		t.Fatalf("MessagesSent[NON] = %v, want 0 on a failed send", got)
	}
}

func TestActivePeersGaugeSettable(t *testing.T) {
	m := New("metrics_test_gauge")
	m.ActivePeers.Set(3)
	if got := gaugeValue(t, m.ActivePeers); got != 3 {
		t.Fatalf("ActivePeers = %v, want 3", got)
	}
}
