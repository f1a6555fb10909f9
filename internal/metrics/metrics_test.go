package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDriverOperation(t *testing.T) {
	before := testutil.ToFloat64(driverOperationsTotal.WithLabelValues("local", "put", "error"))
	RecordDriverOperation("local", "put", time.Now(), errors.New("boom"))
	after := testutil.ToFloat64(driverOperationsTotal.WithLabelValues("local", "put", "error"))
	if after != before+1 {
		t.Errorf("error counter = %v, want %v", after, before+1)
	}
}

func TestRecordRegistryLookup(t *testing.T) {
	hits := testutil.ToFloat64(registryLookupsTotal.WithLabelValues("hit"))
	misses := testutil.ToFloat64(registryLookupsTotal.WithLabelValues("miss"))
	RecordRegistryLookup(true)
	RecordRegistryLookup(false)
	RecordRegistryLookup(false)
	if got := testutil.ToFloat64(registryLookupsTotal.WithLabelValues("hit")); got != hits+1 {
		t.Errorf("hits = %v, want %v", got, hits+1)
	}
	if got := testutil.ToFloat64(registryLookupsTotal.WithLabelValues("miss")); got != misses+2 {
		t.Errorf("misses = %v, want %v", got, misses+2)
	}
}

func TestSetActivePool(t *testing.T) {
	SetActivePool(7)
	if got := testutil.ToFloat64(activePoolID); got != 7 {
		t.Errorf("active pool gauge = %v, want 7", got)
	}
	SetActivePool(0)
}

func TestWriteTextfile(t *testing.T) {
	RecordFederationPoolResult("list", "ok")
	path := filepath.Join(t.TempDir(), "poolgate.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "poolgate_federation_pool_results_total") {
		t.Error("textfile missing federation metric")
	}
}
