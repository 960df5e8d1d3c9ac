package handler

import (
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"nser/internal/identity/handler/mocks"
	"nser/internal/identity/models"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
	"nser/pkg/testutil"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service

type IdentityHandlerSuite struct {
	suite.Suite
	service *mocks.MockService
	router  chi.Router
}

func TestIdentityHandlerSuite(t *testing.T) {
	suite.Run(t, new(IdentityHandlerSuite))
}

func (s *IdentityHandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.service = mocks.NewMockService(ctrl)
	s.router = chi.NewRouter()
	h := New(s.service, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.Register(s.router)
	h.RegisterAdmin(s.router)
}

func (s *IdentityHandlerSuite) TestLink() {
	s.Run("links each distinct identifier and follows merges", func() {
		person, survivor := id.NewPersonID(), id.NewPersonID()
		gomock.InOrder(
			s.service.EXPECT().
				Link(gomock.Any(), models.Identifier{Type: models.IdentifierPhone, Value: "+44 7700 900123"}, person).
				Return(&models.LinkResult{PersonID: person, Created: true}, nil),
			s.service.EXPECT().
				Link(gomock.Any(), models.Identifier{Type: models.IdentifierEmail, Value: "jane@example.com"}, person).
				Return(&models.LinkResult{PersonID: survivor, Merged: true, Absorbed: []id.PersonID{person}}, nil),
		)

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/identity/links", LinkRequest{
			PersonID: person.String(),
			Identifiers: []IdentifierRequest{
				{Type: "phone", Value: "+44 7700 900123"},
				{Type: "email", Value: "jane@example.com"},
				{Type: "phone", Value: "+44 7700 900123"},
			},
		})
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		resp := testutil.UnmarshalResponse[LinkResponse](s.T(), rr)
		s.Equal(survivor.String(), resp.PersonID)
		s.Equal(1, resp.Created)
		s.Equal([]string{person.String()}, resp.Absorbed)
	})

	s.Run("unknown identifier type", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/identity/links", LinkRequest{
			PersonID:    id.NewPersonID().String(),
			Identifiers: []IdentifierRequest{{Type: "passport", Value: "X1"}},
		})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeValidation))
	})

	s.Run("no identifiers", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/identity/links", LinkRequest{
			PersonID: id.NewPersonID().String(),
		})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeValidation))
	})

	s.Run("refused merge is a conflict", func() {
		person := id.NewPersonID()
		s.service.EXPECT().Link(gomock.Any(), gomock.Any(), person).
			Return(nil, dErrors.New(dErrors.CodeConflict, "merge refused"))

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/identity/links", LinkRequest{
			PersonID:    person.String(),
			Identifiers: []IdentifierRequest{{Type: "national_id", Value: "AB123456C"}},
		})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, string(dErrors.CodeConflict))
	})
}

func (s *IdentityHandlerSuite) TestResolveAndPerson() {
	person, child := id.NewPersonID(), id.NewPersonID()

	s.Run("resolve", func() {
		s.service.EXPECT().Resolve(gomock.Any(), models.Identifier{Type: models.IdentifierEmail, Value: "a@b.co"}).
			Return(person, nil)
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/identity/resolve", IdentifierRequest{Type: "EMAIL", Value: "a@b.co"})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		resp := *testutil.UnmarshalResponse[map[string]string](s.T(), rr)
		s.Equal(person.String(), resp["person_id"])
	})

	s.Run("not linked", func() {
		s.service.EXPECT().Resolve(gomock.Any(), gomock.Any()).
			Return(id.PersonID{}, dErrors.New(dErrors.CodeNotFound, "identifier not linked"))
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/identity/resolve", IdentifierRequest{Type: "phone", Value: "123456789"})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, string(dErrors.CodeNotFound))
	})

	s.Run("members", func() {
		s.service.EXPECT().Members(gomock.Any(), child).Return([]id.PersonID{person, child}, nil)
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/v1/identity/persons/"+child.String()))
		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		resp := testutil.UnmarshalResponse[PersonResponse](s.T(), rr)
		s.Equal(person.String(), resp.PersonID)
		s.Len(resp.Members, 2)
	})
}

func (s *IdentityHandlerSuite) TestReview() {
	a, b := id.NewPersonID(), id.NewPersonID()
	exclusion := id.NewExclusionID()

	s.Run("scan", func() {
		s.service.EXPECT().DetectDuplicates(gomock.Any()).Return([]models.DuplicateCandidate{{
			PersonID: a, Conflicting: b, Score: 0.82, SharedKeys: []string{"phone"}, Exclusions: []id.ExclusionID{exclusion},
		}}, nil)
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/v1/identity/duplicates/scan"))
		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		resp := *testutil.UnmarshalResponse[map[string][]DuplicateResponse](s.T(), rr)
		s.Require().Len(resp["candidates"], 1)
		s.Equal(b.String(), resp["candidates"][0].Conflicting)
		s.Equal([]string{exclusion.String()}, resp["candidates"][0].Exclusions)
	})

	s.Run("list flags", func() {
		flag := &models.ReviewFlag{
			ID: id.NewFlagID(), Kind: models.FlagDuplicate, PersonIDs: []id.PersonID{a, b},
			Score: 0.82, Status: models.FlagOpen, CreatedAt: time.Now().UTC(),
		}
		s.service.EXPECT().ListFlags(gomock.Any(), models.FlagOpen).Return([]*models.ReviewFlag{flag}, nil)
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/v1/identity/flags?status=open"))
		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		resp := *testutil.UnmarshalResponse[map[string][]FlagResponse](s.T(), rr)
		s.Require().Len(resp["flags"], 1)
		s.Equal("duplicate", resp["flags"][0].Kind)
	})

	s.Run("resolve flag", func() {
		flagID := id.NewFlagID()
		s.service.EXPECT().ResolveFlag(gomock.Any(), flagID).Return(nil)
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/v1/identity/flags/"+flagID.String()+"/resolve"))
		testutil.AssertStatus(s.T(), rr, http.StatusNoContent)
	})

	s.Run("store unavailable", func() {
		s.service.EXPECT().DetectDuplicates(gomock.Any()).Return(nil, dErrors.New(dErrors.CodeUnavailable, "identity store unavailable"))
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/v1/identity/duplicates/scan"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusServiceUnavailable, string(dErrors.CodeUnavailable))
	})
}
