package exclusion

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	POST(path string, body any) error
	GET(path string) error
	LastStatus() int
	LastBody() []byte
	GetResponseField(field string) (any, error)
	ExclusionID() string
	SetExclusionID(id string)
	PersonID() string
	SetPersonID(id string)
}

// RegisterSteps registers exclusion ledger and propagation steps.
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &exclusionSteps{tc: tc}

	ctx.Step(`^a new person$`, steps.newPerson)
	ctx.Step(`^I register a "([^"]*)" exclusion for the person$`, steps.register)
	ctx.Step(`^I register a "([^"]*)" exclusion for the person with email "([^"]*)"$`, steps.registerWithEmail)
	ctx.Step(`^I look up the person$`, steps.lookupPerson)
	ctx.Step(`^I look up the email "([^"]*)"$`, steps.lookupEmail)
	ctx.Step(`^I terminate the exclusion with reason "([^"]*)"$`, steps.terminate)
	ctx.Step(`^I renew the exclusion$`, steps.renew)
	ctx.Step(`^every operator acknowledges the exclusion within (\d+) seconds$`, steps.propagated)
}

type exclusionSteps struct {
	tc TestContext
}

func (s *exclusionSteps) newPerson(context.Context) error {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return err
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	s.tc.SetPersonID(fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:]))
	return nil
}

func (s *exclusionSteps) register(ctx context.Context, period string) error {
	return s.registerBody(map[string]any{"person_id": s.tc.PersonID(), "period": period})
}

func (s *exclusionSteps) registerWithEmail(ctx context.Context, period, email string) error {
	return s.registerBody(map[string]any{
		"person_id":   s.tc.PersonID(),
		"period":      period,
		"identifiers": []map[string]string{{"type": "email", "value": email}},
	})
}

func (s *exclusionSteps) registerBody(body map[string]any) error {
	if err := s.tc.POST("/v1/exclusions", body); err != nil {
		return err
	}
	if s.tc.LastStatus() != 201 {
		return nil
	}
	v, err := s.tc.GetResponseField("id")
	if err != nil {
		return err
	}
	s.tc.SetExclusionID(v.(string))
	return nil
}

func (s *exclusionSteps) lookupPerson(context.Context) error {
	return s.tc.POST("/v1/exclusions/lookup", map[string]any{"person_id": s.tc.PersonID()})
}

func (s *exclusionSteps) lookupEmail(_ context.Context, email string) error {
	return s.tc.POST("/v1/exclusions/lookup", map[string]any{
		"identifier": map[string]string{"type": "email", "value": email},
	})
}

func (s *exclusionSteps) terminate(_ context.Context, reason string) error {
	return s.tc.POST("/v1/exclusions/"+s.tc.ExclusionID()+"/terminate", map[string]any{"reason": reason})
}

func (s *exclusionSteps) renew(context.Context) error {
	return s.tc.POST("/v1/exclusions/"+s.tc.ExclusionID()+"/renew", map[string]any{})
}

type propagationStatus struct {
	Mappings []struct {
		OperatorID string `json:"operator_id"`
		Status     string `json:"status"`
	} `json:"mappings"`
}

func (s *exclusionSteps) propagated(_ context.Context, seconds int) error {
	deadline := time.Now().Add(time.Duration(seconds) * time.Second)
	var last propagationStatus
	for time.Now().Before(deadline) {
		if err := s.tc.GET("/v1/exclusions/" + s.tc.ExclusionID() + "/propagation"); err != nil {
			return err
		}
		if s.tc.LastStatus() == 200 && json.Unmarshal(s.tc.LastBody(), &last) == nil && allCompleted(last) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("propagation not acknowledged in %ds: %+v", seconds, last.Mappings)
}

func allCompleted(st propagationStatus) bool {
	if len(st.Mappings) == 0 {
		return false
	}
	for _, m := range st.Mappings {
		if m.Status != "completed" {
			return false
		}
	}
	return true
}
