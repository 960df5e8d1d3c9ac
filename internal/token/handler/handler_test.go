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

	"nser/internal/token/handler/mocks"
	"nser/internal/token/models"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
	"nser/pkg/testutil"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service

type TokenHandlerSuite struct {
	suite.Suite
	service *mocks.MockService
	router  chi.Router
}

func TestTokenHandlerSuite(t *testing.T) {
	suite.Run(t, new(TokenHandlerSuite))
}

func (s *TokenHandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.service = mocks.NewMockService(ctrl)
	s.router = chi.NewRouter()
	New(s.service, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(s.router)
}

func sampleToken(owner id.PersonID) *models.Token {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	t, _ := models.NewToken(id.NewTokenID(), "BST2ABCDEFGHIJKLMNOPQRSTUVWXYZ234567ABCDEF", owner, 1, now, 0)
	return t
}

func (s *TokenHandlerSuite) TestIssue() {
	s.Run("created", func() {
		owner := id.NewPersonID()
		tok := sampleToken(owner)
		s.service.EXPECT().Issue(gomock.Any(), owner).Return(tok, nil)

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/tokens", IssueTokenRequest{OwnerID: owner.String()})
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusCreated)
		resp := testutil.UnmarshalResponse[TokenResponse](s.T(), rr)
		s.Equal(tok.Value, resp.Token)
		s.Equal(owner.String(), resp.OwnerID)
		s.Equal("active", resp.Status)
	})

	s.Run("invalid owner id", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/tokens", IssueTokenRequest{OwnerID: "nope"})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeInvalidInput))
	})

	s.Run("unknown fields rejected", func() {
		req := testutil.NewRequestWithBody(s.T(), http.MethodPost, "/v1/tokens", `{"owner":"x"}`)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeBadRequest))
	})
}

func (s *TokenHandlerSuite) TestValidate() {
	s.Run("valid token", func() {
		owner := id.NewPersonID()
		s.service.EXPECT().Validate(gomock.Any(), "BST2XYZ").Return(models.ValidationResult{
			Valid:   true,
			OwnerID: owner,
			TokenID: id.NewTokenID(),
			Status:  models.StatusActive,
		}, nil)

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/tokens/validate", ValidateTokenRequest{Token: " BST2XYZ "})
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatusOK(s.T(), rr)
		resp := testutil.UnmarshalResponse[ValidationResponse](s.T(), rr)
		s.True(resp.Valid)
		s.Equal(owner.String(), resp.OwnerID)
	})

	s.Run("malformed maps to 400", func() {
		s.service.EXPECT().Validate(gomock.Any(), "garbage").
			Return(models.ValidationResult{}, dErrors.New(dErrors.CodeMalformed, "malformed token"))

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/tokens/validate", ValidateTokenRequest{Token: "garbage"})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeMalformed))
	})

	s.Run("store unavailable maps to 503", func() {
		s.service.EXPECT().Validate(gomock.Any(), gomock.Any()).
			Return(models.ValidationResult{}, dErrors.New(dErrors.CodeUnavailable, "token store unavailable"))

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/tokens/validate", ValidateTokenRequest{Token: "BST2XYZ"})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusServiceUnavailable, string(dErrors.CodeUnavailable))
	})

	s.Run("empty token", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/tokens/validate", ValidateTokenRequest{})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeValidation))
	})
}

func (s *TokenHandlerSuite) TestTransitions() {
	s.Run("rotate", func() {
		tok := sampleToken(id.NewPersonID())
		s.service.EXPECT().Rotate(gomock.Any(), tok.ID).Return(tok, nil)

		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/v1/tokens/"+tok.ID.String()+"/rotate"))
		testutil.AssertStatus(s.T(), rr, http.StatusCreated)
	})

	s.Run("illegal transition maps to 409", func() {
		tokenID := id.NewTokenID()
		s.service.EXPECT().Deactivate(gomock.Any(), tokenID).
			Return(nil, dErrors.New(dErrors.CodeInvalidTransition, "cannot move token from rotated to deactivated"))

		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/v1/tokens/"+tokenID.String()+"/deactivate"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, string(dErrors.CodeInvalidTransition))
	})

	s.Run("compromised", func() {
		tok := sampleToken(id.NewPersonID())
		tok.Status = models.StatusCompromised
		s.service.EXPECT().MarkCompromised(gomock.Any(), tok.ID).Return(tok, nil)

		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/v1/tokens/"+tok.ID.String()+"/compromised"))
		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertJSONContains(s.T(), rr, "status", "compromised")
	})

	s.Run("bad id", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodPost, "/v1/tokens/123/rotate"))
		testutil.AssertStatus(s.T(), rr, http.StatusBadRequest)
	})
}

func (s *TokenHandlerSuite) TestListByOwner() {
	owner := id.NewPersonID()
	s.service.EXPECT().ListByOwner(gomock.Any(), owner).Return([]*models.Token{sampleToken(owner)}, nil)

	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/v1/tokens?owner_id="+owner.String()))
	testutil.AssertStatusOK(s.T(), rr)
	resp := testutil.UnmarshalResponse[struct {
		Tokens []TokenResponse `json:"tokens"`
	}](s.T(), rr)
	s.Len(resp.Tokens, 1)
}
