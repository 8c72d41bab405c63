package store

import (
	"context"
	"path/filepath"
	"testing"
)

func TestAddSampleTrimsToMaxRows(t *testing.T) {
	db, err := OpenObservabilityDB(filepath.Join(t.TempDir(), "obs.db"), 2)
	if err != nil {
		t.Fatalf("open observability db: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	for i, ts := range []int64{100, 200, 300} {
		s := ObservabilitySample{TSMs: ts, Healthy: true, Metrics: map[string]any{"i": i}}
		if err := db.AddSample(ctx, s); err != nil {
			t.Fatalf("add sample %d: %v", i, err)
		}
	}

	samples, err := db.ListSamples(ctx, 0, 0, 10)
	if err != nil {
		t.Fatalf("list samples: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected trimming to 2 rows, got %d", len(samples))
	}
	if samples[0].TSMs != 200 || samples[1].TSMs != 300 {
		t.Fatalf("expected the oldest row to be dropped, got %+v", samples)
	}
}

func TestListSamplesRangeFilter(t *testing.T) {
	db, err := OpenObservabilityDB(filepath.Join(t.TempDir(), "obs.db"), 100)
	if err != nil {
		t.Fatalf("open observability db: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	for _, ts := range []int64{100, 200, 300, 400} {
		if err := db.AddSample(ctx, ObservabilitySample{TSMs: ts, Healthy: ts != 300}); err != nil {
			t.Fatalf("add sample: %v", err)
		}
	}

	samples, err := db.ListSamples(ctx, 150, 350, 10)
	if err != nil {
		t.Fatalf("list samples: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples in [150,350], got %d", len(samples))
	}
	if samples[0].TSMs != 200 || samples[1].TSMs != 300 {
		t.Fatalf("unexpected range result: %+v", samples)
	}
	if samples[1].Healthy {
		t.Fatal("expected ts=300 sample to be unhealthy")
	}
}
