package core

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"txrepo/pkg/domain"
)

const (
	entryStatusSuccess = "success"
	entryStatusError   = "error"
)

func TestExpvarMetricsRecorderExports(t *testing.T) {
	recorder := NewExpvarMetricsRecorder("")
	if recorder.Name() == "" {
		t.Fatalf("expected recorder to have export name")
	}
	recorder.Observe(context.Background(), "action.insert", true, 10*time.Millisecond)
	recorder.Observe(context.Background(), "action.insert", false, 5*time.Millisecond)
	recorder.Observe(context.Background(), "", true, time.Millisecond)

	snapshot := recorder.Snapshot()
	if snapshot.DurationsMS["action.insert"] <= 0 {
		t.Fatalf("expected positive duration, snapshot=%+v", snapshot)
	}
	if snapshot.Results["action.insert"][entryStatusSuccess] != 1 || snapshot.Results["action.insert"][entryStatusError] != 1 {
		t.Fatalf("unexpected results snapshot=%+v", snapshot)
	}
	if len(snapshot.Results) != 1 {
		t.Fatalf("empty operation must be ignored: %+v", snapshot.Results)
	}

	if v := expvar.Get(recorder.Name()); v == nil {
		t.Fatalf("expected expvar export to be registered")
	} else if !strings.Contains(v.String(), "action.insert") {
		t.Fatalf("expected expvar output to contain operation: %s", v.String())
	}
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg, "")
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	tx := NewTransaction(WithMetricsRecorder(rec))
	_ = tx.Add(PendingAction{Model: "User", Kind: domain.ActionInsert, Run: func(context.Context) error { return nil }})
	_ = tx.Add(PendingAction{Model: "User", Kind: domain.ActionRemove, Run: func(context.Context) error { return errors.New("nope") }})
	if _, err := tx.Execute(context.Background()); err == nil {
		t.Fatalf("expected failure")
	}

	if got := testutil.ToFloat64(rec.total.WithLabelValues("action.insert", entryStatusSuccess)); got != 1 {
		t.Fatalf("insert success = %v", got)
	}
	if got := testutil.ToFloat64(rec.total.WithLabelValues("action.remove", entryStatusError)); got != 1 {
		t.Fatalf("remove error = %v", got)
	}
	if got := testutil.ToFloat64(rec.total.WithLabelValues("transaction.execute", entryStatusError)); got != 1 {
		t.Fatalf("transaction error = %v", got)
	}
	if n := testutil.CollectAndCount(rec.duration, "txrepo_operation_duration_seconds"); n != 3 {
		t.Fatalf("expected 3 histogram series, got %d", n)
	}

	if _, err := NewPrometheusMetricsRecorder(reg, ""); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestJSONTraceTracerExports(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	_, span := tracer.Start(context.Background(), "trace_op")
	span.End(nil)
	_, span = tracer.Start(context.Background(), "trace_fail")
	span.End(errors.New("broken"))

	entries := tracer.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected two span entries, got %d", len(entries))
	}
	if entries[0].Operation != "trace_op" || entries[0].Status != entryStatusSuccess {
		t.Fatalf("unexpected span entry: %+v", entries[0])
	}
	if entries[1].Status != entryStatusError || entries[1].Error != "broken" {
		t.Fatalf("unexpected failed span entry: %+v", entries[1])
	}
	if !strings.Contains(buf.String(), "\"operation\":\"trace_op\"") {
		t.Fatalf("expected JSON output to contain operation: %q", buf.String())
	}
}

func TestNoopObservability(t *testing.T) {
	ctx, span := noopTracer{}.Start(context.Background(), "x")
	span.End(nil)
	noopMetricsRecorder{}.Observe(ctx, "x", true, 0)
}
