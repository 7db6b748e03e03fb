package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/codefionn/hubgate/hubgate-srv/dataplane"
	"github.com/codefionn/hubgate/hubgate-srv/logger"
)

// CheckResult represents the outcome of a single check.
type CheckResult struct {
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Status   int           `json:"status"`
}

// CheckSuite runs checks against a running gateway.
type CheckSuite struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Results []CheckResult
}

// hostileHosts must all be refused before anything leaves the gateway.
var hostileHosts = []struct {
	name string
	host string
}{
	{"host-path-injection", "attacker.net/x.azure-devices.net"},
	{"host-userinfo", "user@myhub.azure-devices.net"},
	{"host-port", "myhub.azure-devices.net:8443"},
	{"host-foreign-domain", "myhub.azure-devices.net.attacker.net"},
	{"host-ip-literal", "169.254.169.254"},
	{"host-extra-label", "a.b.azure-devices.net"},
	{"host-encoded-slash", "attacker.net%2fmyhub.azure-devices.net"},
}

func main() {
	gateway := flag.String("gateway", "127.0.0.1:8081", "Gateway address (host:port)")
	tokenFile := flag.String("token-file", "", "File holding the session token")
	token := flag.String("token", "", "Session token (overrides -token-file)")
	hub := flag.String("hub", "", "Hub host name for a live device query, e.g. myhub.azure-devices.net")
	sas := flag.String("sas", "", "Shared access signature used for the live query")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	timeout := flag.Int("timeout", 30, "Request timeout in seconds")
	flag.Parse()

	logger.SetLevel(logger.INFO)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	sessionToken := *token
	if sessionToken == "" && *tokenFile != "" {
		data, err := os.ReadFile(*tokenFile)
		if err != nil {
			logger.Fatal("Failed to read token file: %v", err)
		}
		sessionToken = strings.TrimSpace(string(data))
	}

	suite := &CheckSuite{
		BaseURL: "http://" + *gateway,
		Token:   sessionToken,
		Client:  &http.Client{Timeout: time.Duration(*timeout) * time.Second},
	}

	logger.Info("Checking gateway at %s", suite.BaseURL)
	suite.Run(*hub, *sas)

	if !suite.printResults() {
		os.Exit(1)
	}
}

// Run executes every check. The live query runs only when hub and sas are set.
func (cs *CheckSuite) Run(hub, sas string) {
	cs.record("health", cs.checkHealth)
	cs.record("auth-required", cs.checkAuthRequired)
	cs.record("empty-request", func() (int, error) {
		return cs.expectRejected(map[string]any{}, dataplane.ErrCodeEmptyRequest)
	})

	for _, tt := range hostileHosts {
		doc := liveQuery(tt.host, "SharedAccessSignature sr=check&sig=check")
		cs.record(tt.name, func() (int, error) {
			return cs.expectRejected(doc, dataplane.ErrCodeInvalidHostname)
		})
	}

	if hub != "" && sas != "" {
		cs.record("live-device-query", func() (int, error) {
			return cs.checkLiveQuery(hub, sas)
		})
	}
}

func (cs *CheckSuite) record(name string, check func() (int, error)) {
	start := time.Now()
	status, err := check()
	result := CheckResult{
		Name:     name,
		Success:  err == nil,
		Duration: time.Since(start),
		Status:   status,
	}
	if err != nil {
		result.Error = err.Error()
	}
	logger.Debug("Check %s finished: status %d, err %v", name, status, err)
	cs.Results = append(cs.Results, result)
}

func liveQuery(host, sas string) map[string]any {
	return map[string]any{
		"hostName":              host,
		"path":                  "devices",
		"apiVersion":            "2021-04-12",
		"httpMethod":            "GET",
		"sharedAccessSignature": sas,
	}
}

func (cs *CheckSuite) checkHealth() (int, error) {
	resp, err := cs.Client.Get(cs.BaseURL + "/api/health")
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer closeBody(resp)

	var health struct {
		Status     string `json:"status"`
		Protection string `json:"protection"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode health: %w", err)
	}
	logger.Info("Gateway status %s, request filtering %s", health.Status, health.Protection)
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("gateway reports %s", health.Status)
	}
	return resp.StatusCode, nil
}

func (cs *CheckSuite) checkAuthRequired() (int, error) {
	resp, err := cs.Client.Post(cs.BaseURL+"/api/DataPlane", "application/json", strings.NewReader("{}"))
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusUnauthorized {
		return resp.StatusCode, fmt.Errorf("expected 401 without token, got %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// dataPlane posts doc and returns the normalized result.
func (cs *CheckSuite) dataPlane(doc map[string]any) (dataplane.NormalizedResponse, error) {
	var out dataplane.NormalizedResponse
	payload, err := json.Marshal(doc)
	if err != nil {
		return out, err
	}

	req, err := http.NewRequest(http.MethodPost, cs.BaseURL+"/api/DataPlane", bytes.NewReader(payload))
	if err != nil {
		return out, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cs.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cs.Token)
	}

	resp, err := cs.Client.Do(req)
	if err != nil {
		return out, fmt.Errorf("request failed: %w", err)
	}
	defer closeBody(resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("gateway answered %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("failed to decode result: %w", err)
	}
	return out, nil
}

func (cs *CheckSuite) expectRejected(doc map[string]any, code string) (int, error) {
	out, err := cs.dataPlane(doc)
	if err != nil {
		return 0, err
	}
	if out.StatusCode != http.StatusBadRequest {
		return out.StatusCode, fmt.Errorf("expected 400, got %d %s", out.StatusCode, out.StatusText)
	}

	var detail struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(out.Body.Body, &detail); err != nil {
		return out.StatusCode, fmt.Errorf("failed to decode error body: %w", err)
	}
	if detail.Code != code {
		return out.StatusCode, fmt.Errorf("expected error %s, got %s", code, detail.Code)
	}
	return out.StatusCode, nil
}

func (cs *CheckSuite) checkLiveQuery(hub, sas string) (int, error) {
	out, err := cs.dataPlane(liveQuery(hub, sas))
	if err != nil {
		return 0, err
	}
	if out.StatusCode >= 400 {
		return out.StatusCode, fmt.Errorf("endpoint answered %d %s", out.StatusCode, out.StatusText)
	}
	return out.StatusCode, nil
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		logger.Error("Error closing response body: %v", err)
	}
}

// printResults prints a summary and reports whether every check passed.
func (cs *CheckSuite) printResults() bool {
	fmt.Printf("\n=== Gateway Check Results ===\n")
	fmt.Printf("Gateway: %s\n\n", cs.BaseURL)

	passed := 0
	failed := 0

	for _, result := range cs.Results {
		status := "PASS"
		if !result.Success {
			status = "FAIL"
			failed++
		} else {
			passed++
		}

		fmt.Printf("%-22s %s (%d) %v\n",
			result.Name,
			status,
			result.Status,
			result.Duration.Round(time.Millisecond))

		if result.Error != "" {
			fmt.Printf("                       Error: %s\n", result.Error)
		}
	}

	fmt.Printf("\n=== Summary ===\n")
	fmt.Printf("Total checks: %d\n", len(cs.Results))
	fmt.Printf("Passed: %d\n", passed)
	fmt.Printf("Failed: %d\n", failed)

	return failed == 0
}
