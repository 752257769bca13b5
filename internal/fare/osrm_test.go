package fare

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestOSRMClient_RouteMeters(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"code":"Ok","routes":[{"distance":6530.4}]}`))
	}))
	defer ts.Close()

	c := NewOSRMClient(ts.URL)
	from := models.Coord{Lat: 41.0, Lng: 29.0}
	to := models.Coord{Lat: 41.05, Lng: 29.05}

	d, err := c.RouteMeters(context.Background(), from, to)
	if err != nil {
		t.Fatal(err)
	}
	if d != 6530.4 {
		t.Fatalf("distance = %v", d)
	}

	// second call for the same pair is served from cache
	if _, err := c.RouteMeters(context.Background(), from, to); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Errorf("osrm hit %d times, want 1", hits.Load())
	}
}

func TestOSRMClient_NoRoute(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer ts.Close()

	c := NewOSRMClient(ts.URL)
	_, err := c.RouteMeters(context.Background(), models.Coord{Lat: 41, Lng: 29}, models.Coord{Lat: 42, Lng: 29})
	if err == nil {
		t.Fatal("expected error for NoRoute")
	}
}
