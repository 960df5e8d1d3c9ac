// Package e2e drives a running nser server through its HTTP API with
// godog scenarios. Set NSER_E2E_BASE_URL plus the operator and admin bearer
// tokens to run it.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cucumber/godog"

	"nser/e2e/steps/common"
	"nser/e2e/steps/exclusion"
)

// RegisterSteps registers all step definitions from modular packages
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	common.RegisterSteps(ctx, tc)
	exclusion.RegisterSteps(ctx, tc)
}

// TestContext holds one scenario's HTTP state.
type TestContext struct {
	BaseURL       string
	OperatorToken string
	AdminToken    string

	client      *http.Client
	token       string
	lastStatus  int
	lastBody    []byte
	exclusionID string
	personID    string
}

func NewTestContext(baseURL, operatorToken, adminToken string) *TestContext {
	return &TestContext{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		OperatorToken: operatorToken,
		AdminToken:    adminToken,
		client:        &http.Client{Timeout: 10 * time.Second},
	}
}

func (tc *TestContext) UseOperator() { tc.token = tc.OperatorToken }
func (tc *TestContext) UseAdmin()    { tc.token = tc.AdminToken }
func (tc *TestContext) UseNoToken()  { tc.token = "" }

func (tc *TestContext) POST(path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return tc.do(http.MethodPost, path, bytes.NewReader(payload))
}

func (tc *TestContext) GET(path string) error {
	return tc.do(http.MethodGet, path, nil)
}

func (tc *TestContext) do(method, path string, body io.Reader) error {
	req, err := http.NewRequestWithContext(context.Background(), method, tc.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if tc.token != "" {
		req.Header.Set("Authorization", "Bearer "+tc.token)
	}
	resp, err := tc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	tc.lastStatus = resp.StatusCode
	tc.lastBody, err = io.ReadAll(resp.Body)
	return err
}

func (tc *TestContext) LastStatus() int { return tc.lastStatus }

func (tc *TestContext) LastBody() []byte { return tc.lastBody }

// GetResponseField returns a top-level field of the last JSON response.
func (tc *TestContext) GetResponseField(field string) (any, error) {
	var m map[string]any
	if err := json.Unmarshal(tc.lastBody, &m); err != nil {
		return nil, fmt.Errorf("response is not a JSON object: %s", tc.lastBody)
	}
	v, ok := m[field]
	if !ok {
		return nil, fmt.Errorf("field %q not in response: %s", field, tc.lastBody)
	}
	return v, nil
}

func (tc *TestContext) ExclusionID() string      { return tc.exclusionID }
func (tc *TestContext) SetExclusionID(id string) { tc.exclusionID = id }
func (tc *TestContext) PersonID() string         { return tc.personID }
func (tc *TestContext) SetPersonID(id string)    { tc.personID = id }
