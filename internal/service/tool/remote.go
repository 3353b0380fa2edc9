package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mindatlas/mindatlas/internal/domain"
	"github.com/mindatlas/mindatlas/pkg/secretbox"
	"github.com/mindatlas/mindatlas/pkg/textx"
)

const (
	defaultInvokeTimeout = 30 * time.Second
	maxResponseBytes     = 1 << 20
	errExcerptRunes      = 512
)

// EndpointChecker validates outbound destinations before a request is
// built; *Guard is the production implementation.
type EndpointChecker interface {
	Check(rawURL string) error
}

// RemoteInvoker executes user-configured HTTP tools. Every invocation runs
// the SSRF guard first; credentials sealed by the admin layer are opened
// just before the request is signed.
type RemoteInvoker struct {
	guard EndpointChecker
	box   *secretbox.Box
	hc    *http.Client
}

func NewRemoteInvoker(guard EndpointChecker, box *secretbox.Box) *RemoteInvoker {
	return &RemoteInvoker{
		guard: guard,
		box:   box,
		// Per-call deadlines come from the tool config via context.
		hc: &http.Client{},
	}
}

// Invoke builds and sends the request described by cfg with args bound into
// the query string or body. Non-2xx/3xx responses become errors carrying the
// status and a short body excerpt.
func (inv *RemoteInvoker) Invoke(ctx domain.Context, cfg *domain.RemoteToolConfig, args map[string]any) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("op=remote_tool: missing remote config: %w", domain.ErrConfigInvalid)
	}
	if err := inv.guard.Check(cfg.EndpointURL); err != nil {
		return "", fmt.Errorf("op=remote_tool: %w", err)
	}

	tctx, cancel := context.WithTimeout(ctx, invokeTimeout(cfg))
	defer cancel()

	req, err := inv.buildRequest(tctx, cfg, args)
	if err != nil {
		return "", fmt.Errorf("op=remote_tool: %w", err)
	}
	resp, err := inv.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=remote_tool: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("op=remote_tool: read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("op=remote_tool status=%d: %s", resp.StatusCode, textx.Excerpt(string(body), errExcerptRunes))
	}
	return string(body), nil
}

// invokeTimeout applies the per-tool deadline. TimeoutSec is whole seconds,
// so any positive value already satisfies the 1s floor; unset falls back to
// the default.
func invokeTimeout(cfg *domain.RemoteToolConfig) time.Duration {
	if cfg.TimeoutSec <= 0 {
		return defaultInvokeTimeout
	}
	return time.Duration(cfg.TimeoutSec) * time.Second
}

func (inv *RemoteInvoker) buildRequest(ctx domain.Context, cfg *domain.RemoteToolConfig, args map[string]any) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		return nil, fmt.Errorf("op=parse_endpoint: %w", err)
	}

	q := u.Query()
	for k, v := range cfg.QueryParams {
		q.Set(k, v)
	}

	var body io.Reader
	contentType := ""
	if method == http.MethodGet || method == http.MethodDelete {
		// Arguments ride the query string. Bare strings stay raw;
		// structured values are JSON-encoded.
		for k, v := range args {
			q.Set(k, stringValue(v))
		}
	} else {
		body, contentType, err = buildBody(cfg, args)
		if err != nil {
			return nil, err
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("op=build_request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if err := inv.applyAuth(req, cfg.Auth); err != nil {
		return nil, err
	}
	return req, nil
}

func buildBody(cfg *domain.RemoteToolConfig, args map[string]any) (io.Reader, string, error) {
	bodyType := cfg.BodyType
	if bodyType == "" {
		bodyType = domain.BodyTypeJSON
	}
	switch bodyType {
	case domain.BodyTypeNone:
		return nil, "", nil

	case domain.BodyTypeJSON:
		payload, err := jsonBody(cfg, args)
		if err != nil {
			return nil, "", err
		}
		return strings.NewReader(payload), "application/json", nil

	case domain.BodyTypeURLEncoded:
		form := url.Values{}
		for k, v := range args {
			form.Set(k, stringValue(v))
		}
		return strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", nil

	case domain.BodyTypeFormData:
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for _, k := range sortedKeys(args) {
			if err := w.WriteField(k, stringValue(args[k])); err != nil {
				return nil, "", fmt.Errorf("op=build_multipart field=%s: %w", k, err)
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("op=build_multipart: %w", err)
		}
		return &buf, w.FormDataContentType(), nil

	case domain.BodyTypeXML:
		return strings.NewReader(renderTemplate(cfg.BodyTemplate, args, xmlValue)), "application/xml", nil

	case domain.BodyTypeRaw:
		return strings.NewReader(renderTemplate(cfg.BodyTemplate, args, stringValue)), "text/plain; charset=utf-8", nil

	default:
		return nil, "", fmt.Errorf("op=build_body body_type=%q: %w", cfg.BodyType, domain.ErrConfigInvalid)
	}
}

// jsonBody renders the template (or marshals args when no template is set)
// and optionally wraps the result under the payload_wrapper key. Wrapping
// re-marshals through json.RawMessage, which also validates the rendered
// document.
func jsonBody(cfg *domain.RemoteToolConfig, args map[string]any) (string, error) {
	var payload string
	if strings.TrimSpace(cfg.BodyTemplate) != "" {
		payload = renderJSONTemplate(cfg.BodyTemplate, args)
	} else {
		if args == nil {
			args = map[string]any{}
		}
		raw, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("op=marshal_args: %w", err)
		}
		payload = string(raw)
	}
	if !json.Valid([]byte(payload)) {
		return "", fmt.Errorf("op=render_body: template did not produce valid JSON: %w", domain.ErrConfigInvalid)
	}
	if cfg.PayloadWrapper != "" {
		wrapped, err := json.Marshal(map[string]json.RawMessage{cfg.PayloadWrapper: json.RawMessage(payload)})
		if err != nil {
			return "", fmt.Errorf("op=wrap_payload: %w", err)
		}
		payload = string(wrapped)
	}
	return payload, nil
}

func (inv *RemoteInvoker) applyAuth(req *http.Request, auth *domain.ToolAuth) error {
	if auth == nil || auth.Type == "" {
		return nil
	}
	switch auth.Type {
	case domain.AuthTypeBearer:
		token, err := inv.secret(auth.Token)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case domain.AuthTypeBasic:
		password, err := inv.secret(auth.Password)
		if err != nil {
			return err
		}
		req.SetBasicAuth(auth.Username, password)
	case domain.AuthTypeAPIKey:
		key, err := inv.secret(auth.APIKey)
		if err != nil {
			return err
		}
		name := auth.HeaderName
		if name == "" {
			name = "X-API-Key"
		}
		value := key
		if auth.Scheme != "" {
			value = auth.Scheme + " " + key
		}
		req.Header.Set(name, value)
	default:
		return fmt.Errorf("op=apply_auth type=%q: %w", auth.Type, domain.ErrConfigInvalid)
	}
	return nil
}

// secret opens a sealed credential. Values without the secretbox marker pass
// through so hand-entered plaintext configs still work.
func (inv *RemoteInvoker) secret(v string) (string, error) {
	if v == "" || !secretbox.IsSealed(v) {
		return v, nil
	}
	if inv.box == nil {
		return "", fmt.Errorf("op=open_secret: no secret key configured: %w", domain.ErrConfigInvalid)
	}
	out, err := inv.box.Open(v)
	if err != nil {
		return "", fmt.Errorf("op=open_secret: %w", err)
	}
	return out, nil
}

// renderJSONTemplate substitutes {{var}} placeholders in a JSON template.
// Inside string literals values are JSON-escaped; in bare positions they are
// emitted as full JSON values, so `"q": "{{text}}"` and `"opts": {{opts}}`
// both stay valid.
func renderJSONTemplate(tpl string, args map[string]any) string {
	var b strings.Builder
	inString := false
	escaped := false
	for i := 0; i < len(tpl); {
		if !escaped && tpl[i] == '{' && i+1 < len(tpl) && tpl[i+1] == '{' {
			if end := strings.Index(tpl[i+2:], "}}"); end >= 0 {
				name := strings.TrimSpace(tpl[i+2 : i+2+end])
				if inString {
					b.WriteString(jsonStringValue(args[name]))
				} else {
					b.WriteString(jsonValue(args[name]))
				}
				i += 2 + end + 2
				continue
			}
		}
		c := tpl[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
		} else if c == '"' {
			inString = true
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

// renderTemplate is the position-unaware variant for xml and raw bodies.
func renderTemplate(tpl string, args map[string]any, esc func(v any) string) string {
	var b strings.Builder
	for i := 0; i < len(tpl); {
		if tpl[i] == '{' && i+1 < len(tpl) && tpl[i+1] == '{' {
			if end := strings.Index(tpl[i+2:], "}}"); end >= 0 {
				name := strings.TrimSpace(tpl[i+2 : i+2+end])
				if v, ok := args[name]; ok {
					b.WriteString(esc(v))
				}
				i += 2 + end + 2
				continue
			}
		}
		b.WriteByte(tpl[i])
		i++
	}
	return b.String()
}

// stringValue renders an argument for query strings, form fields and raw
// bodies: strings as-is, everything else as its JSON encoding.
func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

// jsonValue is the bare-position encoding: a full JSON value.
func jsonValue(v any) string {
	if v == nil {
		return "null"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(raw)
}

// jsonStringValue is the quoted-position encoding: the value's text form,
// escaped for embedding inside an existing string literal.
func jsonStringValue(v any) string {
	if v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		s = stringValue(v)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(raw[1 : len(raw)-1])
}

func xmlValue(v any) string {
	var b bytes.Buffer
	if err := xml.EscapeText(&b, []byte(stringValue(v))); err != nil {
		return ""
	}
	return b.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
