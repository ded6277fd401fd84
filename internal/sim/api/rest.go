package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devghori1264/instantcloud/internal/client"
	"github.com/devghori1264/instantcloud/internal/config"
	"github.com/devghori1264/instantcloud/internal/signer"
	"github.com/devghori1264/instantcloud/internal/sim/server"
)

const maxBodyBytes = 1 << 20

var (
	errUnauthorized = errors.New("unauthorized")
	errPartitioned  = errors.New("region partitioned")
)

type Handler struct {
	srv          *server.Server
	log          *zap.Logger
	metrics      *Metrics
	tracer       trace.Tracer
	headerPrefix string
	maxSkew      time.Duration
	now          func() time.Time

	mu          sync.RWMutex
	partitioned map[string]bool
	latency     map[string]time.Duration
}

// Option configures the Handler.
type Option func(*Handler)

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.log = l }
}

func WithMetrics(m *Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(h *Handler) { h.tracer = t }
}

// WithHeaderPrefix sets the prefix of the Signature and Date headers.
func WithHeaderPrefix(p string) Option {
	return func(h *Handler) { h.headerPrefix = p }
}

// WithMaxSkew rejects requests whose date differs from the server clock by
// more than d. Zero disables the check.
func WithMaxSkew(d time.Duration) Option {
	return func(h *Handler) { h.maxSkew = d }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewHTTPHandler returns the routes of the simulated API, the ping route
// and the chaos routes.
func NewHTTPHandler(srv *server.Server, opts ...Option) http.Handler {
	h := &Handler{
		srv:          srv,
		log:          zap.NewNop(),
		metrics:      NewMetrics(prometheus.NewRegistry()),
		tracer:       otel.Tracer("instantcloud-sim"),
		headerPrefix: config.DefaultHeaderPrefix,
		now:          time.Now,
		partitioned:  make(map[string]bool),
		latency:      make(map[string]time.Duration),
	}
	for _, o := range opts {
		o(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", h.handlePing)
	mux.Handle("/api/licenses", h.api(client.Licenses, h.handleLicenses))
	mux.Handle("/api/machines", h.api(client.Machines, h.handleMachines))
	mux.Handle("/api/launch", h.api(client.Launch, h.handleLaunch))
	mux.Handle("/api/kill", h.api(client.Kill, h.handleKill))

	mux.Handle("/chaos/partition", h.chaos(h.partition))
	mux.Handle("/chaos/heal", h.chaos(h.heal))
	mux.Handle("/chaos/latency", h.chaos(h.slowDown))

	return mux
}

type apiFunc func(ctx context.Context, account string, params url.Values) (interface{}, error)

// api wraps fn with method checking, signature verification, tracing and
// metrics.
func (h *Handler) api(cmd client.Command, fn apiFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "api."+string(cmd))
		defer span.End()

		status, body := h.serveAPI(ctx, cmd, fn, r)
		span.SetAttributes(attribute.String("command", string(cmd)), attribute.Int("http.status_code", status))
		if status >= 400 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}

		h.metrics.Requests.WithLabelValues(string(cmd), strconv.Itoa(status)).Inc()
		h.metrics.Duration.WithLabelValues(string(cmd)).Observe(time.Since(start).Seconds())

		writeJSON(w, status, body)
		if status >= 400 {
			h.log.Info("request failed", zap.String("command", string(cmd)), zap.Int("status", status), zap.Any("body", body))
		}
	})
}

func (h *Handler) serveAPI(ctx context.Context, cmd client.Command, fn apiFunc, r *http.Request) (int, interface{}) {
	if r.Method != cmd.Method() {
		return http.StatusMethodNotAllowed, errorBody("method not allowed")
	}

	account, params, err := h.authenticate(r, cmd.Method())
	if err != nil {
		h.metrics.SignatureFailures.Inc()
		return http.StatusUnauthorized, errorBody(err.Error())
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("account", account))

	if _, delay := h.faults("*"); delay > 0 {
		if err := sleep(ctx, delay); err != nil {
			return http.StatusServiceUnavailable, errorBody(err.Error())
		}
	}

	result, err := fn(ctx, account, params)
	switch {
	case err == nil:
		return http.StatusOK, result
	case errors.Is(err, server.ErrInvalidArgument):
		return http.StatusBadRequest, errorBody(err.Error())
	case errors.Is(err, server.ErrUnknownAccount):
		return http.StatusUnauthorized, errorBody(err.Error())
	case errors.Is(err, errPartitioned):
		return http.StatusServiceUnavailable, errorBody(err.Error())
	default:
		h.log.Error("internal error", zap.String("command", string(cmd)), zap.Error(err))
		return http.StatusInternalServerError, errorBody("internal error")
	}
}

// authenticate reads the request parameters and verifies the signature
// over method, parameters and date. It returns the access id.
func (h *Handler) authenticate(r *http.Request, method string) (string, url.Values, error) {
	var values url.Values
	if method == http.MethodGet {
		values = r.URL.Query()
	} else {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return "", nil, fmt.Errorf("%w: read body: %v", errUnauthorized, err)
		}
		if values, err = url.ParseQuery(string(body)); err != nil {
			return "", nil, fmt.Errorf("%w: malformed body", errUnauthorized)
		}
	}

	account := values.Get("id")
	key, ok := h.srv.SecretKey(account)
	if !ok {
		return "", nil, fmt.Errorf("%w: unknown access id", errUnauthorized)
	}

	date := r.Header.Get(h.headerPrefix + "Date")
	signature := r.Header.Get(h.headerPrefix + "Signature")
	if date == "" || signature == "" {
		return "", nil, fmt.Errorf("%w: missing signature headers", errUnauthorized)
	}
	if h.maxSkew > 0 {
		ts, err := time.Parse(signer.TimestampLayout, date)
		if err != nil {
			return "", nil, fmt.Errorf("%w: malformed date", errUnauthorized)
		}
		if skew := h.now().Sub(ts); skew > h.maxSkew || skew < -h.maxSkew {
			return "", nil, fmt.Errorf("%w: request date outside the allowed window", errUnauthorized)
		}
	}

	params := make(signer.Params, len(values))
	for k, vs := range values {
		params[k] = signer.String(vs[0])
	}
	if !signer.Verify(key, signer.CanonicalString(method, params, date), signature) {
		return "", nil, fmt.Errorf("%w: invalid signature", errUnauthorized)
	}
	return account, values, nil
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"msg": "pong from instantcloud-sim"})
}

func (h *Handler) handleLicenses(ctx context.Context, account string, _ url.Values) (interface{}, error) {
	return h.srv.Licenses(ctx, account)
}

func (h *Handler) handleMachines(ctx context.Context, account string, _ url.Values) (interface{}, error) {
	return h.srv.Machines(ctx, account)
}

func (h *Handler) handleLaunch(ctx context.Context, account string, params url.Values) (interface{}, error) {
	req := server.LaunchRequest{
		LicenseType:  params.Get("licenseType"),
		LicenseID:    params.Get("licenseId"),
		UserPassword: params.Get("userPassword"),
		Region:       params.Get("region"),
		MachineType:  params.Get("machineType"),
		GRBVersion:   params.Get("GRBVersion"),
	}
	var err error
	if req.NumMachines, err = intParam(params, "numMachines"); err != nil {
		return nil, err
	}
	if req.IdleShutdown, err = intParam(params, "idleShutdown"); err != nil {
		return nil, err
	}

	region := req.Region
	if region == "" {
		region = server.DefaultRegion
	}
	partitioned, delay := h.faults(region)
	if partitioned {
		return nil, errPartitioned
	}
	if delay > 0 {
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	ms, err := h.srv.Launch(ctx, account, req)
	if err != nil {
		return nil, err
	}
	h.metrics.MachinesLaunched.Add(float64(len(ms)))
	return ms, nil
}

func (h *Handler) handleKill(ctx context.Context, account string, params url.Values) (interface{}, error) {
	var ids []string
	if err := json.Unmarshal([]byte(params.Get("machineIds")), &ids); err != nil {
		return nil, fmt.Errorf("%w: machineIds must be a JSON array of strings", server.ErrInvalidArgument)
	}
	ms, err := h.srv.Kill(ctx, account, ids)
	if err != nil {
		return nil, err
	}
	h.metrics.MachinesKilled.Add(float64(len(ms)))
	return ms, nil
}

func intParam(params url.Values, name string) (int, error) {
	v := params.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", server.ErrInvalidArgument, name)
	}
	return n, nil
}

// chaosRequest is the body of the fault-injection routes.
type chaosRequest struct {
	Region    string `json:"region"`
	LatencyMs int    `json:"latency_ms"`
}

// regionFaults is the reply of the fault-injection routes: the faults of the
// region after the change.
type regionFaults struct {
	Region      string `json:"region"`
	Partitioned bool   `json:"partitioned"`
	LatencyMs   int64  `json:"latency_ms"`
}

// chaos builds a fault-injection route. apply runs under the fault lock with
// a decoded, validated request. A latency set for region "*" delays every
// API request.
func (h *Handler) chaos(apply func(req chaosRequest)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req chaosRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
			return
		}
		switch {
		case req.Region == "":
			writeError(w, http.StatusBadRequest, "region required")
			return
		case req.LatencyMs < 0:
			writeError(w, http.StatusBadRequest, "latency_ms must be non-negative")
			return
		}

		h.mu.Lock()
		apply(req)
		h.mu.Unlock()

		partitioned, delay := h.faults(req.Region)
		writeJSON(w, http.StatusOK, regionFaults{
			Region:      req.Region,
			Partitioned: partitioned,
			LatencyMs:   delay.Milliseconds(),
		})
	}
}

func (h *Handler) partition(req chaosRequest) { h.partitioned[req.Region] = true }

func (h *Handler) heal(req chaosRequest) {
	delete(h.partitioned, req.Region)
	delete(h.latency, req.Region)
}

func (h *Handler) slowDown(req chaosRequest) {
	h.latency[req.Region] = time.Duration(req.LatencyMs) * time.Millisecond
}

func (h *Handler) faults(region string) (partitioned bool, delay time.Duration) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.partitioned[region], h.latency[region]
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody(msg))
}
