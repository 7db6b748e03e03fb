package dataplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// DeviceStatusHeader carries a device-reported status that overrides the
// transport status.
const DeviceStatusHeader = "x-ms-command-statuscode"

// MaxDeviceResponseBytes is the largest device payload the endpoint produces.
const MaxDeviceResponseBytes = 128 << 10

const deviceContractMessage = "Device response must be a JSON document of at most 128 KB"

// RawResponse is what came back from the endpoint, body already read.
type RawResponse struct {
	StatusCode   int
	Status       string // status line, e.g. "200 OK"
	Header       http.Header
	Body         []byte
	BodyTooLarge bool // Body was cut at the read limit
}

// ResponseShape tags which normalization rule applies.
type ResponseShape int

const (
	ShapeNone ResponseShape = iota
	ShapeDeviceStatus
	ShapeNoContent
	ShapeJSON
)

func (s ResponseShape) String() string {
	switch s {
	case ShapeDeviceStatus:
		return "device-status"
	case ShapeNoContent:
		return "no-content"
	case ShapeJSON:
		return "json"
	default:
		return "none"
	}
}

// Classify picks the shape of raw. The device-status header outranks 204,
// which outranks a plain JSON body.
func Classify(raw *RawResponse) ResponseShape {
	switch {
	case raw == nil:
		return ShapeNone
	case len(headerValues(raw.Header, DeviceStatusHeader)) > 0:
		return ShapeDeviceStatus
	case raw.StatusCode == http.StatusNoContent:
		return ShapeNoContent
	default:
		return ShapeJSON
	}
}

// headerValues looks name up case-insensitively, so hand-built headers with
// non-canonical keys are found too.
func headerValues(h http.Header, name string) []string {
	if values := h.Values(name); len(values) > 0 {
		return values
	}
	for key, values := range h {
		if strings.EqualFold(key, name) && len(values) > 0 {
			return values
		}
	}
	return nil
}

// NormalizedResponse is the one result shape every call produces.
type NormalizedResponse struct {
	StatusCode int          `json:"statusCode"`
	StatusText string       `json:"statusText"`
	Body       ResponseBody `json:"body"`
}

// ResponseBody holds the parsed endpoint body (nil means JSON null) and,
// except for device responses, the endpoint's headers.
type ResponseBody struct {
	Body    json.RawMessage   `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Normalize turns raw into a NormalizedResponse. It never fails; every
// problem becomes a 500 result with a message body.
func Normalize(raw *RawResponse) NormalizedResponse {
	resp, _ := normalize(raw)
	return resp
}

// normalize also reports the coded error behind a synthesized result.
func normalize(raw *RawResponse) (NormalizedResponse, error) {
	switch Classify(raw) {
	case ShapeNone:
		err := NewResponseError(ErrCodeNoResponse, nil)
		return FromError(err), err

	case ShapeDeviceStatus:
		status, err := deviceStatus(headerValues(raw.Header, DeviceStatusHeader)[0])
		if err != nil {
			return FromError(err), err
		}
		if raw.BodyTooLarge || len(raw.Body) > MaxDeviceResponseBytes {
			return errorResponse(http.StatusInternalServerError, ErrCodeBodyTooLarge, deviceContractMessage),
				NewResponseError(ErrCodeBodyTooLarge, nil)
		}
		if !json.Valid(raw.Body) {
			return errorResponse(http.StatusInternalServerError, ErrCodeInvalidJSON, deviceContractMessage),
				NewResponseError(ErrCodeInvalidJSON, nil)
		}
		return NormalizedResponse{
			StatusCode: status,
			StatusText: statusText(raw),
			Body:       ResponseBody{Body: json.RawMessage(raw.Body)},
		}, nil

	case ShapeNoContent:
		return NormalizedResponse{
			StatusCode: http.StatusNoContent,
			StatusText: statusText(raw),
			Body:       ResponseBody{Headers: flattenHeaders(raw.Header)},
		}, nil

	default:
		if raw.BodyTooLarge {
			err := NewResponseError(ErrCodeBodyTooLarge, nil)
			return FromError(err), err
		}
		if !json.Valid(raw.Body) {
			err := NewResponseError(ErrCodeInvalidJSON, nil)
			return FromError(err), err
		}
		return NormalizedResponse{
			StatusCode: raw.StatusCode,
			StatusText: statusText(raw),
			Body: ResponseBody{
				Body:    json.RawMessage(raw.Body),
				Headers: flattenHeaders(raw.Header),
			},
		}, nil
	}
}

// deviceStatus parses the device header; only three-digit codes are accepted.
func deviceStatus(value string) (int, error) {
	status, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, NewResponseError(ErrCodeInvalidStatusCode, fmt.Errorf("%s: %q", DeviceStatusHeader, value))
	}
	if status < 100 || status > 999 {
		return 0, NewResponseError(ErrCodeInvalidStatusCode, fmt.Errorf("%s out of range: %d", DeviceStatusHeader, status))
	}
	return status, nil
}

func statusText(raw *RawResponse) string {
	if _, text, ok := strings.Cut(raw.Status, " "); ok && text != "" {
		return text
	}
	return http.StatusText(raw.StatusCode)
}

// flattenHeaders lowercases names and joins repeated values with ", ".
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		key := strings.ToLower(name)
		if prev, ok := out[key]; ok {
			values = append([]string{prev}, values...)
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func errorResponse(status int, code, message string) NormalizedResponse {
	return buildErrorResponse(status, errorBody{Message: message, Code: code})
}

func buildErrorResponse(status int, body errorBody) NormalizedResponse {
	data, err := json.Marshal(body)
	if err != nil {
		data = []byte(`{"message":"internal error"}`)
	}
	return NormalizedResponse{
		StatusCode: status,
		StatusText: http.StatusText(status),
		Body:       ResponseBody{Body: data},
	}
}

// FromError maps a failed call onto the normalized shape: validation
// failures are 400, everything else 500.
func FromError(err error) NormalizedResponse {
	var e *Error
	if !errors.As(err, &e) {
		e = NewError(ErrCodeConnectionFailed, err)
	}

	status := http.StatusInternalServerError
	if IsValidationError(e) {
		status = http.StatusBadRequest
	}

	message := e.Description
	if e.Code == ErrCodeNoResponse {
		message = "no response received"
	}

	body := errorBody{Message: message, Code: e.Code}
	if e.Cause != nil {
		body.Detail = e.Cause.Error()
	}
	return buildErrorResponse(status, body)
}
