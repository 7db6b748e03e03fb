package dataplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/codefionn/hubgate/hubgate-srv/logger"
	"golang.org/x/net/http/httpguts"
)

// DefaultTimeout bounds an outbound call when the builder has none configured.
const DefaultTimeout = 30 * time.Second

// Method is an HTTP method the data plane may use.
type Method string

const (
	MethodGet    Method = http.MethodGet
	MethodPut    Method = http.MethodPut
	MethodPost   Method = http.MethodPost
	MethodPatch  Method = http.MethodPatch
	MethodDelete Method = http.MethodDelete
)

// ParseMethod accepts the five data-plane methods in any letter case.
func ParseMethod(s string) (Method, bool) {
	switch m := Method(strings.ToUpper(strings.TrimSpace(s))); m {
	case MethodGet, MethodPut, MethodPost, MethodPatch, MethodDelete:
		return m, true
	default:
		return "", false
	}
}

// OutboundRequestSpec is the caller's untrusted description of a call.
// Headers is whatever the caller sent; only a string map survives sanitizing.
type OutboundRequestSpec struct {
	HostName    string `json:"hostName"`
	Path        string `json:"path"`
	APIVersion  string `json:"apiVersion"`
	QueryString string `json:"queryString,omitempty"`
	HTTPMethod  string `json:"httpMethod"`
	Headers     any    `json:"headers,omitempty"`
	Body        string `json:"body,omitempty"`
	AccessToken string `json:"sharedAccessSignature"`
}

// DecodeSpec parses a request document. A JSON string body is unquoted,
// null becomes empty and any other JSON value is forwarded as its raw text.
func DecodeSpec(data []byte) (OutboundRequestSpec, error) {
	var spec OutboundRequestSpec

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return spec, NewValidationError(ErrCodeEmptyRequest, "")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return spec, NewError(ErrCodeMalformedRequest, err)
	}
	if len(fields) == 0 {
		return spec, NewValidationError(ErrCodeEmptyRequest, "")
	}

	stringFields := []struct {
		name string
		dst  *string
	}{
		{"hostName", &spec.HostName},
		{"path", &spec.Path},
		{"apiVersion", &spec.APIVersion},
		{"queryString", &spec.QueryString},
		{"httpMethod", &spec.HTTPMethod},
		{"sharedAccessSignature", &spec.AccessToken},
	}
	for _, f := range stringFields {
		raw, ok := fields[f.name]
		if !ok || string(raw) == "null" {
			continue
		}
		if err := json.Unmarshal(raw, f.dst); err != nil {
			return spec, NewValidationError(ErrCodeMalformedRequest, fmt.Sprintf("%s must be a string", f.name))
		}
	}

	if raw, ok := fields["headers"]; ok {
		if err := json.Unmarshal(raw, &spec.Headers); err != nil {
			return spec, NewError(ErrCodeMalformedRequest, err)
		}
	}

	if raw, ok := fields["body"]; ok {
		switch {
		case string(raw) == "null":
		case len(raw) > 0 && raw[0] == '"':
			if err := json.Unmarshal(raw, &spec.Body); err != nil {
				return spec, NewError(ErrCodeMalformedRequest, err)
			}
		default:
			spec.Body = string(raw)
		}
	}

	return spec, nil
}

// ValidatedRequest can only be produced by Validator.Validate. Its fields
// have all passed their validators and cannot be changed afterwards.
type ValidatedRequest struct {
	host       string
	path       string
	apiVersion string
	query      string
	method     Method
	headers    map[string]string
	body       string
	token      string
}

func (r *ValidatedRequest) Host() string       { return r.host }
func (r *ValidatedRequest) Path() string       { return r.path }
func (r *ValidatedRequest) APIVersion() string { return r.apiVersion }
func (r *ValidatedRequest) Query() string      { return r.query }
func (r *ValidatedRequest) Method() Method     { return r.method }
func (r *ValidatedRequest) Body() string       { return r.body }

// Headers returns a copy of the sanitized caller headers.
func (r *ValidatedRequest) Headers() map[string]string {
	out := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		out[k] = v
	}
	return out
}

// URL assembles https://<host>/<path>?<query>&api-version=<version>.
func (r *ValidatedRequest) URL() *url.URL {
	segments := strings.Split(r.path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}

	query := r.query
	if query != "" {
		query += "&"
	}
	query += "api-version=" + url.QueryEscape(r.apiVersion)

	return &url.URL{
		Scheme:   "https",
		Host:     r.host,
		Path:     "/" + r.path,
		RawPath:  "/" + strings.Join(segments, "/"),
		RawQuery: query,
	}
}

// Validator turns untrusted specs into ValidatedRequests.
type Validator struct {
	Hostnames HostnameValidator
}

// Validate runs every field through its validator and stops at the first
// rejection.
func (v Validator) Validate(spec OutboundRequestSpec) (*ValidatedRequest, error) {
	required := []struct {
		name  string
		value string
	}{
		{"hostName", spec.HostName},
		{"path", spec.Path},
		{"httpMethod", spec.HTTPMethod},
		{"apiVersion", spec.APIVersion},
		{"sharedAccessSignature", spec.AccessToken},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return nil, NewValidationError(ErrCodeMissingField, f.name)
		}
	}

	host, ok := v.Hostnames.normalize(spec.HostName)
	if !ok {
		return nil, NewValidationError(ErrCodeInvalidHostname, "hostName")
	}

	if !ValidatePath(spec.Path) {
		return nil, NewValidationError(ErrCodeInvalidPath, "path")
	}
	// "/devices" and "devices" address the same resource.
	path := strings.TrimPrefix(spec.Path, "/")
	if path == "" {
		return nil, NewValidationError(ErrCodeInvalidPath, "path")
	}

	if !ValidateQueryString(spec.QueryString) {
		return nil, NewValidationError(ErrCodeInvalidQueryString, "queryString")
	}

	method, ok := ParseMethod(spec.HTTPMethod)
	if !ok {
		return nil, NewValidationError(ErrCodeInvalidMethod, "httpMethod")
	}

	if !ValidateAPIVersion(spec.APIVersion) {
		return nil, NewValidationError(ErrCodeInvalidAPIVersion, "apiVersion")
	}

	if strings.ContainsAny(spec.AccessToken, "\r\n\x00") || !httpguts.ValidHeaderFieldValue(spec.AccessToken) {
		return nil, NewValidationError(ErrCodeInvalidAccessToken, "sharedAccessSignature")
	}

	return &ValidatedRequest{
		host:       host,
		path:       path,
		apiVersion: spec.APIVersion,
		query:      callerQuery(spec.QueryString),
		method:     method,
		headers:    SanitizeHeaders(spec.Headers),
		body:       spec.Body,
		token:      spec.AccessToken,
	}, nil
}

// callerQuery drops leading '?', empty pairs and any caller api-version,
// encoded or not; the builder appends the validated version itself.
func callerQuery(query string) string {
	query = strings.TrimLeft(query, "?")
	if query == "" {
		return ""
	}
	kept := make([]string, 0, strings.Count(query, "&")+1)
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		key, _, _ := strings.Cut(pair, "=")
		if isAPIVersionKey(key) {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}

// isAPIVersionKey compares the key as the endpoint will read it, after
// percent-decoding.
func isAPIVersionKey(key string) bool {
	if decoded, err := url.QueryUnescape(key); err == nil {
		key = decoded
	}
	return strings.EqualFold(strings.TrimSpace(key), "api-version")
}

var errRedirect = errors.New("redirects are not followed")

// TransportResolver hands out the filtering round tripper for a URL, or nil
// when filtering is unavailable.
type TransportResolver interface {
	Resolve(u *url.URL) http.RoundTripper
}

// Builder turns a ValidatedRequest into a ready-to-send request and client.
type Builder struct {
	Timeout           time.Duration
	Transports        TransportResolver
	Fallback          http.RoundTripper // used when Transports yields nil; nil means http.DefaultTransport
	RequireProtection bool
}

// Outbound is a built call.
type Outbound struct {
	URL       *url.URL
	Request   *http.Request
	Client    *http.Client
	Protected bool // the filtering transport is attached
}

// Build assembles the outbound request for vr.
func (b *Builder) Build(ctx context.Context, vr *ValidatedRequest) (*Outbound, error) {
	if vr == nil {
		return nil, NewValidationError(ErrCodeUnvalidatedRequest, "")
	}

	u := vr.URL()
	var body io.Reader
	if vr.body != "" {
		body = strings.NewReader(vr.body)
	}

	req, err := http.NewRequestWithContext(ctx, string(vr.method), u.String(), body)
	if err != nil {
		return nil, NewError(ErrCodeMalformedRequest, err)
	}

	keys := make([]string, 0, len(vr.headers))
	for k := range vr.headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		req.Header.Set(k, vr.headers[k])
	}
	// Proxy-owned headers always win.
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", vr.token)
	req.Header.Set("Content-Type", "application/json")

	var rt http.RoundTripper
	if b.Transports != nil {
		rt = b.Transports.Resolve(u)
	}
	protected := rt != nil
	if !protected {
		if b.RequireProtection {
			return nil, NewTransportError(ErrCodeNoProtection, nil)
		}
		rt = b.Fallback
		if rt == nil {
			rt = http.DefaultTransport
		}
		logger.Debug("Calling %s without request filtering", u.Host)
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Outbound{
		URL:     u,
		Request: req,
		Client: &http.Client{
			Transport: rt,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return errRedirect
			},
		},
		Protected: protected,
	}, nil
}
