package mobsim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"mobsim.dev/mobsim/event"
	"mobsim.dev/mobsim/planner"
)

// Runner drives one module on behalf of the broker. LocalRunner hosts the
// module in process; HTTPRunner speaks to one running elsewhere.
type Runner interface {
	Name() string
	Spec(ctx context.Context) (*event.ModuleSpec, error)
	Setup(ctx context.Context, settings json.RawMessage) error
	Start(ctx context.Context) error
	Peek(ctx context.Context) (float64, error)
	Step(ctx context.Context) (float64, []event.Event, error)
	Triggered(ctx context.Context, e event.Event) error
	Reservable(ctx context.Context, orgID, dstID string) (bool, error)
	Finish(ctx context.Context) error
}

// Planning is the optional capability of runners whose module answers route
// queries. HTTPRunner always exposes it (the remote module may still reject
// the call); LocalRunner exposes it when the wrapped module implements
// planner.Planner.
type Planning interface {
	Plan(ctx context.Context, q planner.Query) ([]planner.Route, error)
}

// LocalRunner adapts an in-process Module to the Runner interface.
type LocalRunner struct {
	module Module
}

// NewLocalRunner wraps a module for in-process topologies.
func NewLocalRunner(m Module) *LocalRunner {
	return &LocalRunner{module: m}
}

func (r *LocalRunner) Name() string { return r.module.Name() }

func (r *LocalRunner) Spec(context.Context) (*event.ModuleSpec, error) {
	return r.module.Spec(), nil
}

func (r *LocalRunner) Setup(_ context.Context, settings json.RawMessage) error {
	return r.module.Setup(settings)
}

func (r *LocalRunner) Start(context.Context) error { return r.module.Start() }

func (r *LocalRunner) Peek(context.Context) (float64, error) {
	return r.module.Peek(), nil
}

func (r *LocalRunner) Step(context.Context) (float64, []event.Event, error) {
	return r.module.Step()
}

func (r *LocalRunner) Triggered(_ context.Context, e event.Event) error {
	return r.module.Triggered(e)
}

func (r *LocalRunner) Reservable(_ context.Context, orgID, dstID string) (bool, error) {
	return r.module.Reservable(orgID, dstID), nil
}

func (r *LocalRunner) Finish(context.Context) error { return r.module.Finish() }

func (r *LocalRunner) Plan(ctx context.Context, q planner.Query) ([]planner.Route, error) {
	p, ok := r.module.(planner.Planner)
	if !ok {
		return nil, fmt.Errorf("module %s does not answer plan queries", r.module.Name())
	}
	return p.Plan(ctx, q)
}

// HTTPRunner drives a module over its HTTP surface. The module specification
// is fetched once and cached. Call deadlines come from the caller's context;
// on the wire +Inf peeks travel as -1.
type HTTPRunner struct {
	// Client makes the module calls. Swap it to customize the transport.
	Client *http.Client

	name     string
	endpoint string

	mu   sync.Mutex
	spec *event.ModuleSpec
}

// NewHTTPRunner creates a runner for the module at endpoint.
func NewHTTPRunner(name, endpoint string) *HTTPRunner {
	return &HTTPRunner{
		Client:   http.DefaultClient,
		name:     name,
		endpoint: strings.TrimRight(endpoint, "/"),
	}
}

func (r *HTTPRunner) Name() string { return r.name }

func (r *HTTPRunner) Spec(ctx context.Context) (*event.ModuleSpec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spec != nil {
		return r.spec, nil
	}
	spec := &event.ModuleSpec{}
	if err := r.get(ctx, "/spec", spec); err != nil {
		return nil, err
	}
	r.spec = spec
	return spec, nil
}

func (r *HTTPRunner) Setup(ctx context.Context, settings json.RawMessage) error {
	return r.post(ctx, "/setup", []byte(settings), nil)
}

func (r *HTTPRunner) Start(ctx context.Context) error {
	return r.post(ctx, "/start", nil, nil)
}

func (r *HTTPRunner) Peek(ctx context.Context) (float64, error) {
	var pr struct {
		Next float64 `json:"next"`
	}
	if err := r.get(ctx, "/peek", &pr); err != nil {
		return 0, err
	}
	if pr.Next < 0 {
		return math.Inf(1), nil
	}
	return pr.Next, nil
}

func (r *HTTPRunner) Step(ctx context.Context) (float64, []event.Event, error) {
	var sr struct {
		Now    float64       `json:"now"`
		Events []event.Event `json:"events"`
	}
	if err := r.post(ctx, "/step", nil, &sr); err != nil {
		return 0, nil, err
	}
	return sr.Now, sr.Events, nil
}

func (r *HTTPRunner) Triggered(ctx context.Context, e event.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return r.post(ctx, "/triggered", body, nil)
}

func (r *HTTPRunner) Reservable(ctx context.Context, orgID, dstID string) (bool, error) {
	q := url.Values{"org": {orgID}, "dst": {dstID}}
	var rr struct {
		Reservable bool `json:"reservable"`
	}
	if err := r.get(ctx, "/reservable?"+q.Encode(), &rr); err != nil {
		return false, err
	}
	return rr.Reservable, nil
}

func (r *HTTPRunner) Finish(ctx context.Context) error {
	return r.post(ctx, "/finish", nil, nil)
}

func (r *HTTPRunner) Plan(ctx context.Context, q planner.Query) ([]planner.Route, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}
	var pr struct {
		Routes []planner.Route `json:"routes"`
	}
	if err := r.post(ctx, "/plan", body, &pr); err != nil {
		return nil, err
	}
	return pr.Routes, nil
}

func (r *HTTPRunner) get(ctx context.Context, path string, out any) error {
	return r.do(ctx, http.MethodGet, path, nil, out)
}

func (r *HTTPRunner) post(ctx context.Context, path string, body []byte, out any) error {
	return r.do(ctx, http.MethodPost, path, body, out)
}

func (r *HTTPRunner) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s%s: %w", r.name, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return r.statusError(resp, path)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s%s response: %w", r.name, path, err)
	}
	return nil
}

func (r *HTTPRunner) statusError(resp *http.Response, path string) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("module %s%s: %s (status %d)", r.name, path, body.Error, resp.StatusCode)
	}
	return fmt.Errorf("module %s%s: status %d", r.name, path, resp.StatusCode)
}
