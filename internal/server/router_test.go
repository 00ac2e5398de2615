package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/canvasslabs/canvass/internal/auth"
	"github.com/canvasslabs/canvass/internal/polls"
	"github.com/canvasslabs/canvass/internal/voters"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var routerTestTime = time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)

type routerTestEnv struct {
	handler http.Handler
	polls   *polls.Service
}

func newRouterTestEnv(t *testing.T) *routerTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:router_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&polls.Question{}, &polls.Choice{}, &polls.Vote{}, &voters.Identity{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	pollsService, err := polls.NewService(polls.ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return routerTestTime },
	})
	if err != nil {
		t.Fatalf("failed to construct polls service: %v", err)
	}

	votersService, err := voters.NewService(voters.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct voters service: %v", err)
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "canvass-test",
		Audience:      "canvass-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		PollsService:  pollsService,
		VotersService: votersService,
		TokenManager:  tokenManager,
		Realtime:      NewRealtimeDispatcher(),
		Clock:         func() time.Time { return routerTestTime },
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return &routerTestEnv{handler: handler, polls: pollsService}
}

func (env *routerTestEnv) request(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, req)
	return recorder
}

func (env *routerTestEnv) createSession(t *testing.T) string {
	t.Helper()

	recorder := env.request(t, http.MethodPost, "/auth/session", "", map[string]string{"display_name": "Tester"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from session endpoint, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var session sessionResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &session); err != nil {
		t.Fatalf("failed to decode session response: %v", err)
	}
	if session.AccessToken == "" || session.TokenType != "Bearer" {
		t.Fatalf("unexpected session payload: %+v", session)
	}
	return session.AccessToken
}

func (env *routerTestEnv) seedQuestion(t *testing.T, text string, endDate *time.Time, choices ...string) polls.QuestionDetail {
	t.Helper()

	detail, err := env.polls.CreateQuestion(context.Background(), polls.CreateQuestionRequest{
		Text:    text,
		PubDate: routerTestTime.Add(-time.Hour),
		EndDate: endDate,
		Choices: choices,
	})
	if err != nil {
		t.Fatalf("failed to seed question: %v", err)
	}
	return detail
}

func TestListPollsReturnsVisibleQuestions(t *testing.T) {
	env := newRouterTestEnv(t)
	env.seedQuestion(t, "First question", nil, "a", "b")

	recorder := env.request(t, http.MethodGet, "/polls", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var response struct {
		Questions []questionPayload `json:"questions"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Questions) != 1 {
		t.Fatalf("expected 1 question, got %d", len(response.Questions))
	}
	question := response.Questions[0]
	if question.Text != "First question" || !question.CanVote || !question.WasPublishedRecently {
		t.Fatalf("unexpected question payload: %+v", question)
	}
}

func TestPollDetailRejectsUnknownAndMalformedIDs(t *testing.T) {
	env := newRouterTestEnv(t)

	for _, path := range []string{"/polls/999", "/polls/abc", "/polls/0"} {
		recorder := env.request(t, http.MethodGet, path, "", nil)
		if recorder.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, recorder.Code)
		}
	}
}

func TestVoteRequiresAuthorization(t *testing.T) {
	env := newRouterTestEnv(t)
	detail := env.seedQuestion(t, "Question", nil, "a")

	path := fmt.Sprintf("/polls/%d/vote", detail.Question.ID)
	recorder := env.request(t, http.MethodPost, path, "", voteRequestPayload{ChoiceID: detail.Choices[0].ID})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}

	recorder = env.request(t, http.MethodPost, path, "not-a-valid-token", voteRequestPayload{ChoiceID: detail.Choices[0].ID})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bogus token, got %d", recorder.Code)
	}
}

func TestVoteAndChangeVoteFlow(t *testing.T) {
	env := newRouterTestEnv(t)
	detail := env.seedQuestion(t, "Best editor?", nil, "vim", "emacs")
	token := env.createSession(t)
	path := fmt.Sprintf("/polls/%d/vote", detail.Question.ID)

	recorder := env.request(t, http.MethodPost, path, token, voteRequestPayload{ChoiceID: detail.Choices[0].ID})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var voteResponse voteResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &voteResponse); err != nil {
		t.Fatalf("failed to decode vote response: %v", err)
	}
	if !voteResponse.Voted || voteResponse.Changed {
		t.Fatalf("expected first vote, got %+v", voteResponse)
	}
	if voteResponse.Results.TotalVotes != 1 {
		t.Fatalf("expected total 1, got %d", voteResponse.Results.TotalVotes)
	}

	recorder = env.request(t, http.MethodPost, path, token, voteRequestPayload{ChoiceID: detail.Choices[1].ID})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 on vote change, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &voteResponse); err != nil {
		t.Fatalf("failed to decode vote response: %v", err)
	}
	if !voteResponse.Changed {
		t.Fatalf("expected changed vote, got %+v", voteResponse)
	}
	if voteResponse.Results.TotalVotes != 1 {
		t.Fatalf("vote change must keep total at 1, got %d", voteResponse.Results.TotalVotes)
	}
	if voteResponse.Results.Results[0].Votes != 0 || voteResponse.Results.Results[1].Votes != 1 {
		t.Fatalf("expected vote to move, got %+v", voteResponse.Results.Results)
	}
}

func TestVoteErrorMapping(t *testing.T) {
	env := newRouterTestEnv(t)
	closedEnd := routerTestTime.Add(-30 * time.Minute)
	closed := env.seedQuestion(t, "Closed", &closedEnd, "a")
	open := env.seedQuestion(t, "Open", nil, "b")
	token := env.createSession(t)

	tests := []struct {
		name         string
		path         string
		body         interface{}
		expectedCode int
		expectedErr  string
	}{
		{
			name:         "unknown question",
			path:         "/polls/999/vote",
			body:         voteRequestPayload{ChoiceID: 1},
			expectedCode: http.StatusNotFound,
			expectedErr:  "question_not_found",
		},
		{
			name:         "no choice selected",
			path:         fmt.Sprintf("/polls/%d/vote", open.Question.ID),
			body:         voteRequestPayload{},
			expectedCode: http.StatusBadRequest,
			expectedErr:  "no_choice_selected",
		},
		{
			name:         "choice from another question",
			path:         fmt.Sprintf("/polls/%d/vote", open.Question.ID),
			body:         voteRequestPayload{ChoiceID: closed.Choices[0].ID},
			expectedCode: http.StatusBadRequest,
			expectedErr:  "choice_not_found",
		},
		{
			name:         "voting closed",
			path:         fmt.Sprintf("/polls/%d/vote", closed.Question.ID),
			body:         voteRequestPayload{ChoiceID: closed.Choices[0].ID},
			expectedCode: http.StatusConflict,
			expectedErr:  "voting_closed",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := env.request(t, http.MethodPost, tc.path, token, tc.body)
			if recorder.Code != tc.expectedCode {
				t.Fatalf("expected %d, got %d: %s", tc.expectedCode, recorder.Code, recorder.Body.String())
			}
			var response map[string]string
			if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
				t.Fatalf("failed to decode error response: %v", err)
			}
			if response["error"] != tc.expectedErr {
				t.Fatalf("expected error %q, got %q", tc.expectedErr, response["error"])
			}
		})
	}
}

func TestResultsIncludesZeroVoteChoices(t *testing.T) {
	env := newRouterTestEnv(t)
	detail := env.seedQuestion(t, "Results question", nil, "a", "b")
	token := env.createSession(t)

	votePath := fmt.Sprintf("/polls/%d/vote", detail.Question.ID)
	if recorder := env.request(t, http.MethodPost, votePath, token, voteRequestPayload{ChoiceID: detail.Choices[0].ID}); recorder.Code != http.StatusOK {
		t.Fatalf("vote failed: %d %s", recorder.Code, recorder.Body.String())
	}

	recorder := env.request(t, http.MethodGet, fmt.Sprintf("/polls/%d/results", detail.Question.ID), "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var results resultsResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &results); err != nil {
		t.Fatalf("failed to decode results: %v", err)
	}
	if len(results.Results) != 2 {
		t.Fatalf("expected both choices in results, got %d", len(results.Results))
	}
	if results.Results[0].Votes != 1 || results.Results[1].Votes != 0 {
		t.Fatalf("unexpected vote counts: %+v", results.Results)
	}
}

func TestChartReturnsParallelArrays(t *testing.T) {
	env := newRouterTestEnv(t)
	detail := env.seedQuestion(t, "Chart question", nil, "red", "green")

	recorder := env.request(t, http.MethodGet, fmt.Sprintf("/polls/%d/chart", detail.Question.ID), "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var chart chartResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &chart); err != nil {
		t.Fatalf("failed to decode chart: %v", err)
	}
	if len(chart.Labels) != len(chart.Data) || len(chart.Labels) != 2 {
		t.Fatalf("expected parallel arrays of length 2, got %d labels and %d data", len(chart.Labels), len(chart.Data))
	}
	expectedURL := fmt.Sprintf("/polls/%d/results", detail.Question.ID)
	if chart.ResultsURL != expectedURL {
		t.Fatalf("expected results url %q, got %q", expectedURL, chart.ResultsURL)
	}
}

func TestCreatePollAndAddChoiceEndpoints(t *testing.T) {
	env := newRouterTestEnv(t)
	token := env.createSession(t)

	recorder := env.request(t, http.MethodPost, "/polls", token, createPollRequestPayload{
		Text:    "New question",
		Choices: []string{"yes", "no"},
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var created detailResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode create response: %v", err)
	}
	if created.ID == 0 || len(created.Choices) != 2 {
		t.Fatalf("unexpected create payload: %+v", created)
	}

	recorder = env.request(t, http.MethodPost, fmt.Sprintf("/polls/%d/choices", created.ID), token, addChoiceRequestPayload{Text: "maybe"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var choice choicePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &choice); err != nil {
		t.Fatalf("failed to decode choice response: %v", err)
	}
	if choice.Text != "maybe" {
		t.Fatalf("expected added choice, got %+v", choice)
	}

	recorder = env.request(t, http.MethodPost, "/polls", token, createPollRequestPayload{Text: "   "})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank text, got %d", recorder.Code)
	}
}
