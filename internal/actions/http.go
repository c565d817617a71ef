package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// HTTPConfig configures the HTTP actions.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024
	defaultHTTPTimeout     = 30 * time.Second
)

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string"},
    "url": {"type": "string"},
    "headers": {"type": "object"},
    "query": {"type": "object"},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json", "form", "text"]},
    "bearer_token": {"type": "string"},
    "timeout": {"type": ["string", "number"]},
    "expect_status": {"type": "array", "items": {"type": "integer"}},
    "fail_on_error_status": {"type": "boolean"}
  },
  "required": ["url"]
}`

// HTTPActions returns http.request and its http.get shorthand.
func HTTPActions(cfg HTTPConfig) []Action {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	req := &httpRequestAction{cfg: cfg}
	return []Action{req, &httpGetAction{inner: req}}
}

type httpRequestAction struct {
	cfg HTTPConfig
}

func (a *httpRequestAction) Name() string { return "http.request" }

func (a *httpRequestAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Send an HTTP request; output carries status_code, headers and the body (parsed when JSON)",
		InputSchema: json.RawMessage(httpRequestInputSchema),
	}
}

func (a *httpRequestAction) Validate(params map[string]any) error {
	raw := stringParam(params, "url", "")
	if raw == "" {
		return schema.NewError(schema.ErrCodeValidation, "http.request requires 'url' parameter")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", raw)
	}
	return nil
}

func (a *httpRequestAction) Execute(ctx context.Context, in ActionInput) (any, error) {
	p := in.Params
	timeout := a.cfg.DefaultTimeout
	if d, ok := durationParam(p, "timeout", 0); ok && d > 0 {
		timeout = d
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := a.build(ctx, p)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	resp, err := a.cfg.Client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "http.request: no response within %s", timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: read body: %s", err.Error()).WithCause(err)
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	out := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        decodeBody(resp.Header.Get("Content-Type"), body),
		"duration_ms": time.Since(started).Milliseconds(),
	}

	if !statusAccepted(p, resp.StatusCode) {
		return out, schema.NewErrorf(schema.ErrCodeExecution, "http.request: unexpected status %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}
	return out, nil
}

func (a *httpRequestAction) build(ctx context.Context, p map[string]any) (*http.Request, error) {
	method := strings.ToUpper(stringParam(p, "method", http.MethodGet))
	target, err := url.Parse(stringParam(p, "url", ""))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: %s", err.Error()).WithCause(err)
	}
	if q := stringMapParam(p, "query"); len(q) > 0 {
		values := target.Query()
		for k, v := range q {
			values.Set(k, v)
		}
		target.RawQuery = values.Encode()
	}

	var (
		body        io.Reader
		contentType string
	)
	if raw, ok := p["body"]; ok && raw != nil {
		switch stringParam(p, "body_encoding", "json") {
		case "form":
			values := url.Values{}
			if m, ok := raw.(map[string]any); ok {
				for k, v := range m {
					values.Set(k, fmt.Sprint(v))
				}
			}
			body, contentType = strings.NewReader(values.Encode()), "application/x-www-form-urlencoded"
		case "text":
			body, contentType = strings.NewReader(fmt.Sprint(raw)), "text/plain"
		default:
			b, err := json.Marshal(raw)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: encode body: %s", err.Error()).WithCause(err)
			}
			body, contentType = bytes.NewReader(b), "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: %s", err.Error()).WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range stringMapParam(p, "headers") {
		req.Header.Set(k, v)
	}
	if tok := stringParam(p, "bearer_token", ""); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

// statusAccepted applies expect_status when given, otherwise
// fail_on_error_status (default true) rejects 4xx and 5xx.
func statusAccepted(p map[string]any, code int) bool {
	if raw, ok := p["expect_status"].([]any); ok && len(raw) > 0 {
		for _, v := range raw {
			if intParam(map[string]any{"v": v}, "v", -1) == code {
				return true
			}
		}
		return false
	}
	if !boolParam(p, "fail_on_error_status", true) {
		return true
	}
	return code < 400
}

func decodeBody(contentType string, body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	return string(body)
}

type httpGetAction struct {
	inner *httpRequestAction
}

func (a *httpGetAction) Name() string { return "http.get" }

func (a *httpGetAction) Schema() ActionSchema {
	s := a.inner.Schema()
	s.Description = "Shorthand for http.request with method GET"
	return s
}

func (a *httpGetAction) Validate(params map[string]any) error { return a.inner.Validate(params) }

func (a *httpGetAction) Execute(ctx context.Context, in ActionInput) (any, error) {
	params := make(map[string]any, len(in.Params)+1)
	for k, v := range in.Params {
		params[k] = v
	}
	params["method"] = http.MethodGet
	in.Params = params
	return a.inner.Execute(ctx, in)
}
