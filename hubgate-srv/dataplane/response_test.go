package dataplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawResponse(status int, body string, headers map[string]string) *RawResponse {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &RawResponse{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:     h,
		Body:       []byte(body),
	}
}

func messageOf(t *testing.T, resp NormalizedResponse) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(resp.Body.Body, &body))
	return body
}

func TestNormalize_JSONBody(t *testing.T) {
	raw := rawResponse(http.StatusOK, `{"a":1}`, map[string]string{"Content-Type": "application/json", "ETag": `"5"`})

	resp := Normalize(raw)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", resp.StatusText)
	assert.JSONEq(t, `{"a":1}`, string(resp.Body.Body))
	assert.Equal(t, map[string]string{"content-type": "application/json", "etag": `"5"`}, resp.Body.Headers)
}

func TestNormalize_DeviceStatusOverridesTransportStatus(t *testing.T) {
	raw := rawResponse(http.StatusOK, `{"Message":"failed"}`, map[string]string{DeviceStatusHeader: "500"})

	resp := Normalize(raw)

	assert.Equal(t, 500, resp.StatusCode)
	assert.Equal(t, "OK", resp.StatusText, "status text comes from the transport")
	assert.JSONEq(t, `{"Message":"failed"}`, string(resp.Body.Body))
	assert.Nil(t, resp.Body.Headers)
}

func TestNormalize_DeviceStatus404(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusNoContent, http.StatusAccepted} {
		raw := rawResponse(status, `{}`, map[string]string{"X-MS-Command-StatusCode": "404"})
		assert.Equal(t, 404, Normalize(raw).StatusCode, "transport status %d", status)
		assert.Equal(t, ShapeDeviceStatus, Classify(raw))
	}
}

func TestNormalize_DeviceStatusErrors(t *testing.T) {
	tests := []struct {
		name   string
		header string
		body   string
		code   string
	}{
		{"non-integer header", "abc", `{}`, ErrCodeInvalidStatusCode},
		{"empty header", "", `{}`, ErrCodeInvalidStatusCode},
		{"out of range", "42", `{}`, ErrCodeInvalidStatusCode},
		{"not json", "200", `<html>`, ErrCodeInvalidJSON},
		{"empty body", "200", ``, ErrCodeInvalidJSON},
		{"over 128 KB", "200", `"` + strings.Repeat("a", MaxDeviceResponseBytes) + `"`, ErrCodeBodyTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := rawResponse(http.StatusOK, tt.body, nil)
			raw.Header[http.CanonicalHeaderKey(DeviceStatusHeader)] = []string{tt.header}

			resp := Normalize(raw)

			assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
			body := messageOf(t, resp)
			assert.Equal(t, tt.code, body.Code)
			if tt.code != ErrCodeInvalidStatusCode {
				assert.Contains(t, body.Message, "128 KB")
			}
		})
	}
}

func TestNormalize_NoContent(t *testing.T) {
	raw := rawResponse(http.StatusNoContent, "not parsed", map[string]string{"ETag": "x"})

	resp := Normalize(raw)

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Nil(t, resp.Body.Body)
	assert.Equal(t, map[string]string{"etag": "x"}, resp.Body.Headers)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"statusCode":204,"statusText":"No Content","body":{"body":null,"headers":{"etag":"x"}}}`, string(data))
}

func TestNormalize_NoResponse(t *testing.T) {
	resp := Normalize(nil)

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Internal Server Error", resp.StatusText)
	assert.Equal(t, "no response received", messageOf(t, resp).Message)
	assert.Equal(t, ShapeNone, Classify(nil))
}

func TestNormalize_InvalidJSON(t *testing.T) {
	resp := Normalize(rawResponse(http.StatusOK, "<html>", nil))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, ErrCodeInvalidJSON, messageOf(t, resp).Code)

	raw := rawResponse(http.StatusOK, `{"a":`, nil)
	raw.BodyTooLarge = true
	resp = Normalize(raw)
	assert.Equal(t, ErrCodeBodyTooLarge, messageOf(t, resp).Code)
}

func TestNormalize_ErrorStatusPassesThrough(t *testing.T) {
	resp := Normalize(rawResponse(http.StatusNotFound, `{"Message":"device not found"}`, nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Not Found", resp.StatusText)
}

func TestFlattenHeaders(t *testing.T) {
	h := http.Header{}
	h.Add("Vary", "Accept")
	h.Add("Vary", "Origin")
	h["vary"] = []string{"Cookie"}

	got := flattenHeaders(h)

	require.Len(t, got, 1)
	assert.Contains(t, got["vary"], "Accept, Origin")
	assert.Contains(t, got["vary"], "Cookie")
}

func TestClassifyOrder(t *testing.T) {
	assert.Equal(t, ShapeNoContent, Classify(rawResponse(http.StatusNoContent, "", nil)))
	assert.Equal(t, ShapeJSON, Classify(rawResponse(http.StatusOK, "{}", nil)))
	assert.Equal(t, ShapeDeviceStatus, Classify(rawResponse(http.StatusNoContent, "", map[string]string{DeviceStatusHeader: "200"})))
	assert.Equal(t, "device-status", ShapeDeviceStatus.String())
}

func TestNormalize_DeviceStatusNonCanonicalKey(t *testing.T) {
	raw := rawResponse(http.StatusOK, `{"Message":"not found"}`, nil)
	raw.Header["x-ms-command-statuscode"] = []string{"404"}

	assert.Equal(t, ShapeDeviceStatus, Classify(raw))
	resp := Normalize(raw)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"Message":"not found"}`, string(resp.Body.Body))
	assert.Nil(t, resp.Body.Headers)
}

func TestFromError(t *testing.T) {
	resp := FromError(NewValidationError(ErrCodeInvalidHostname, "hostName"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Bad Request", resp.StatusText)
	body := messageOf(t, resp)
	assert.Equal(t, ErrCodeInvalidHostname, body.Code)
	assert.Equal(t, GetErrorDescription(ErrCodeInvalidHostname), body.Message)

	resp = FromError(NewTransportError(ErrCodeTimeout, errors.New("deadline")))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "deadline", messageOf(t, resp).Detail)

	resp = FromError(errors.New("plain"))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, ErrCodeConnectionFailed, messageOf(t, resp).Code)
}
