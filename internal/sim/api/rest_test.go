package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/devghori1264/instantcloud/internal/client"
	"github.com/devghori1264/instantcloud/internal/config"
	"github.com/devghori1264/instantcloud/internal/models"
	"github.com/devghori1264/instantcloud/internal/sim/server"
	"github.com/devghori1264/instantcloud/internal/sim/storage"
)

type fixture struct {
	srv     *server.Server
	http    *httptest.Server
	metrics *Metrics
	spans   *tracetest.InMemoryExporter
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store, err := storage.NewBadgerStore("")
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	srv := server.New(store, server.WithBootDelay(5*time.Millisecond))
	err = srv.RegisterAccount(context.Background(), server.Account{
		ID:       "alice",
		Key:      "s3cret",
		Licenses: []server.LicenseSeed{{ID: "L1", Credit: 50, Expiration: "2030-01-01"}},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	spans := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	metrics := NewMetrics(prometheus.NewRegistry())

	handler := NewHTTPHandler(srv, append([]Option{
		WithMetrics(metrics),
		WithTracer(tp.Tracer("test")),
	}, opts...)...)
	hs := httptest.NewServer(handler)

	t.Cleanup(func() {
		hs.Close()
		srv.Close()
		_ = tp.Shutdown(context.Background())
		store.Close()
	})
	return &fixture{srv: srv, http: hs, metrics: metrics, spans: spans}
}

func (f *fixture) client(id, key string, opts ...client.Option) *client.Client {
	return client.New(config.Options{
		Credentials: config.Credentials{AccessID: id, SecretKey: key},
		BaseURL:     f.http.URL + "/api/",
		Timeout:     5 * time.Second,
	}, opts...)
}

func TestClientRoundTrip(t *testing.T) {
	f := newFixture(t)
	c := f.client("alice", "s3cret")
	ctx := context.Background()

	licenses, err := c.GetLicenses(ctx)
	if err != nil {
		t.Fatalf("licenses: %v", err)
	}
	if len(licenses) != 1 || licenses[0].LicenseID != "L1" || licenses[0].Credit != "50" {
		t.Fatalf("unexpected licenses %+v", licenses)
	}

	launched, err := c.LaunchMachines(ctx,
		client.WithNumMachines(2),
		client.WithRegion("eu-west-1"),
		client.WithUserPassword("p@ss word&more"),
		client.WithIdleShutdown(30))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if len(launched) != 2 {
		t.Fatalf("expected 2 machines, got %d", len(launched))
	}
	if launched[0].UserPassword != "p@ss word&more" || launched[0].IdleShutdown != "30" || launched[0].Region != "eu-west-1" {
		t.Fatalf("launch parameters lost in transit: %+v", launched[0])
	}

	machines, err := c.GetMachines(ctx)
	if err != nil {
		t.Fatalf("machines: %v", err)
	}
	if len(machines) != 2 {
		t.Fatalf("expected 2 machines, got %+v", machines)
	}

	killed, err := c.KillMachines(ctx, []string{launched[0].ID})
	if err != nil {
		t.Fatalf("kill: %v", err)
	}
	if len(killed) != 1 || killed[0].State != models.StateKilled {
		t.Fatalf("unexpected kill result %+v", killed)
	}

	machines, err = c.GetMachines(ctx)
	if err != nil {
		t.Fatalf("machines: %v", err)
	}
	if len(machines) != 1 || machines[0].ID != launched[1].ID {
		t.Fatalf("unexpected machines after kill %+v", machines)
	}

	if got := testutil.ToFloat64(f.metrics.MachinesLaunched); got != 2 {
		t.Fatalf("machines_launched_total = %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.Requests.WithLabelValues("machines", "200")); got != 2 {
		t.Fatalf("requests_total{machines,200} = %v", got)
	}
	if n := len(f.spans.GetSpans()); n != 5 {
		t.Fatalf("expected 5 spans, got %d", n)
	}
}

func TestWrongKeyIsRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.client("alice", "wrong").GetMachines(context.Background())
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
	if !strings.Contains(apiErr.Body, "invalid signature") {
		t.Fatalf("unexpected body %q", apiErr.Body)
	}
	if got := testutil.ToFloat64(f.metrics.SignatureFailures); got != 1 {
		t.Fatalf("auth_failures_total = %v", got)
	}

	_, err = f.client("mallory", "s3cret").GetLicenses(context.Background())
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown account, got %v", err)
	}
}

func TestMaxSkew(t *testing.T) {
	now := time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, WithMaxSkew(time.Minute), WithClock(func() time.Time { return now }))

	fresh := f.client("alice", "s3cret", client.WithClock(func() time.Time { return now.Add(-30 * time.Second) }))
	if _, err := fresh.GetLicenses(context.Background()); err != nil {
		t.Fatalf("fresh request rejected: %v", err)
	}

	stale := f.client("alice", "s3cret", client.WithClock(func() time.Time { return now.Add(-2 * time.Minute) }))
	_, err := stale.GetLicenses(context.Background())
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || !strings.Contains(apiErr.Body, "allowed window") {
		t.Fatalf("expected stale request rejection, got %v", err)
	}
}

func TestHeaderPrefix(t *testing.T) {
	f := newFixture(t, WithHeaderPrefix("X-Gurobi-"))
	c := client.New(config.Options{
		Credentials:  config.Credentials{AccessID: "alice", SecretKey: "s3cret"},
		BaseURL:      f.http.URL + "/api/",
		HeaderPrefix: "X-Gurobi-",
	})
	if _, err := c.GetMachines(context.Background()); err != nil {
		t.Fatalf("machines: %v", err)
	}
}

func TestWrongMethod(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.http.URL+"/api/licenses", "application/x-www-form-urlencoded", strings.NewReader("id=alice"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestLaunchValidationAndPartition(t *testing.T) {
	f := newFixture(t)
	c := f.client("alice", "s3cret")
	ctx := context.Background()

	_, err := c.LaunchMachines(ctx, client.WithNumMachines(500))
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}

	resp, err := http.Post(f.http.URL+"/chaos/partition", "application/json", bytes.NewBufferString(`{"region":"ap-south-1"}`))
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	resp.Body.Close()

	_, err = c.LaunchMachines(ctx, client.WithRegion("ap-south-1"))
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", err)
	}
	if _, err := c.LaunchMachines(ctx, client.WithRegion("us-west-2")); err != nil {
		t.Fatalf("launch in healthy region: %v", err)
	}

	resp, err = http.Post(f.http.URL+"/chaos/heal", "application/json", bytes.NewBufferString(`{"region":"ap-south-1"}`))
	if err != nil {
		t.Fatalf("heal: %v", err)
	}
	resp.Body.Close()
	if _, err := c.LaunchMachines(ctx, client.WithRegion("ap-south-1")); err != nil {
		t.Fatalf("launch after heal: %v", err)
	}
}

func TestLatencyTripsClientTimeout(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.http.URL+"/chaos/latency", "application/json", bytes.NewBufferString(`{"region":"*","latency_ms":300}`))
	if err != nil {
		t.Fatalf("latency: %v", err)
	}
	resp.Body.Close()

	c := client.New(config.Options{
		Credentials: config.Credentials{AccessID: "alice", SecretKey: "s3cret"},
		BaseURL:     f.http.URL + "/api/",
		Timeout:     50 * time.Millisecond,
	})
	_, err = c.GetMachines(context.Background())
	var terr *client.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestKillRejectsMalformedIDs(t *testing.T) {
	f := newFixture(t)
	c := f.client("alice", "s3cret")
	_, err := c.Send(context.Background(), client.Kill, nil)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestChaosRoutes(t *testing.T) {
	f := newFixture(t)
	post := func(t *testing.T, path, body string) (int, string) {
		t.Helper()
		resp, err := http.Post(f.http.URL+path, "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	for _, tc := range []struct {
		name, path, body string
		wantErr          string
	}{
		{"malformed body", "/chaos/partition", `{"region":`, "malformed body"},
		{"missing region", "/chaos/heal", `{}`, "region required"},
		{"negative latency", "/chaos/latency", `{"region":"us-east-1","latency_ms":-1}`, "non-negative"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			status, body := post(t, tc.path, tc.body)
			if status != http.StatusBadRequest || !strings.Contains(body, tc.wantErr) {
				t.Fatalf("status %d body %q, want 400 with %q", status, body, tc.wantErr)
			}
		})
	}

	resp, err := http.Get(f.http.URL + "/chaos/partition")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status %d", resp.StatusCode)
	}

	faultsAfter := func(path, body string) regionFaults {
		t.Helper()
		status, out := post(t, path, body)
		if status != http.StatusOK {
			t.Fatalf("%s: status %d body %q", path, status, out)
		}
		var got regionFaults
		if err := json.Unmarshal([]byte(out), &got); err != nil {
			t.Fatalf("%s: decode %q: %v", path, out, err)
		}
		return got
	}
	faultsAfter("/chaos/partition", `{"region":"eu-west-1"}`)
	got := faultsAfter("/chaos/latency", `{"region":"eu-west-1","latency_ms":25}`)
	if diff := cmp.Diff(regionFaults{Region: "eu-west-1", Partitioned: true, LatencyMs: 25}, got); diff != "" {
		t.Fatalf("faults after latency (-want +got):\n%s", diff)
	}
	got = faultsAfter("/chaos/heal", `{"region":"eu-west-1"}`)
	if diff := cmp.Diff(regionFaults{Region: "eu-west-1"}, got); diff != "" {
		t.Fatalf("faults after heal (-want +got):\n%s", diff)
	}
}
