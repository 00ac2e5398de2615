package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/canvasslabs/canvass/internal/auth"
	"github.com/canvasslabs/canvass/internal/polls"
	"github.com/canvasslabs/canvass/internal/voters"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "canvass_user_id"

const heartbeatInterval = 25 * time.Second

var (
	errMissingPollsService  = errors.New("polls service dependency required")
	errMissingVotersService = errors.New("voters service dependency required")
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SessionTokenManager issues and validates voter session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, userID, displayName string) (string, int64, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

type Dependencies struct {
	PollsService  *polls.Service
	VotersService *voters.Service
	TokenManager  SessionTokenManager
	Realtime      *RealtimeDispatcher
	Logger        *zap.Logger
	Clock         func() time.Time
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.PollsService == nil {
		return nil, errMissingPollsService
	}
	if deps.VotersService == nil {
		return nil, errMissingVotersService
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenIssuer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		pollsService:  deps.PollsService,
		votersService: deps.VotersService,
		tokens:        deps.TokenManager,
		realtime:      deps.Realtime,
		logger:        logger,
		clock:         clock,
	}

	router.POST("/auth/session", handler.handleCreateSession)
	router.GET("/polls", handler.handleListPolls)
	router.GET("/polls/:id", handler.handlePollDetail)
	router.GET("/polls/:id/results", handler.handlePollResults)
	router.GET("/polls/:id/chart", handler.handlePollChart)
	router.GET("/polls/:id/live", handler.handleLiveTally)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/polls", handler.handleCreatePoll)
	protected.POST("/polls/:id/choices", handler.handleAddChoice)
	protected.POST("/polls/:id/vote", handler.handleVote)

	return router, nil
}

type httpHandler struct {
	pollsService  *polls.Service
	votersService *voters.Service
	tokens        SessionTokenManager
	realtime      *RealtimeDispatcher
	logger        *zap.Logger
	clock         func() time.Time
}

type sessionRequestPayload struct {
	DisplayName string `json:"display_name"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request sessionRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	userID, err := h.votersService.RegisterAnonymous(request.DisplayName)
	if err != nil {
		h.logger.Error("failed to register voter", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), userID, request.DisplayName)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      userID,
	})
}

type questionPayload struct {
	ID                   uint       `json:"id"`
	Text                 string     `json:"text"`
	PubDate              time.Time  `json:"pub_date"`
	EndDate              *time.Time `json:"end_date,omitempty"`
	CanVote              bool       `json:"can_vote"`
	WasPublishedRecently bool       `json:"was_published_recently"`
}

type choicePayload struct {
	ID   uint   `json:"id"`
	Text string `json:"text"`
}

type detailResponsePayload struct {
	questionPayload
	Choices []choicePayload `json:"choices"`
}

func (h *httpHandler) handleListPolls(c *gin.Context) {
	now := h.clock().UTC()
	questions, err := h.pollsService.ListLatest(c.Request.Context(), now)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	payload := make([]questionPayload, 0, len(questions))
	for _, question := range questions {
		payload = append(payload, newQuestionPayload(question, now))
	}
	c.JSON(http.StatusOK, gin.H{"questions": payload})
}

func (h *httpHandler) handlePollDetail(c *gin.Context) {
	questionID, ok := parseQuestionID(c)
	if !ok {
		return
	}

	now := h.clock().UTC()
	detail, err := h.pollsService.Detail(c.Request.Context(), questionID, now)
	if err != nil {
		h.respondPollError(c, err)
		return
	}

	response := detailResponsePayload{
		questionPayload: newQuestionPayload(detail.Question, now),
		Choices:         make([]choicePayload, 0, len(detail.Choices)),
	}
	for _, choice := range detail.Choices {
		response.Choices = append(response.Choices, choicePayload{ID: choice.ID, Text: choice.Text})
	}
	c.JSON(http.StatusOK, response)
}

type tallyEntryPayload struct {
	ChoiceID uint   `json:"choice_id"`
	Text     string `json:"text"`
	Votes    int64  `json:"votes"`
}

type resultsResponsePayload struct {
	QuestionID uint                `json:"question_id"`
	Question   string              `json:"question"`
	TotalVotes int64               `json:"total_votes"`
	Results    []tallyEntryPayload `json:"results"`
}

func newResultsPayload(sheet polls.TallySheet) resultsResponsePayload {
	response := resultsResponsePayload{
		QuestionID: sheet.QuestionID,
		Question:   sheet.Question,
		TotalVotes: sheet.Total,
		Results:    make([]tallyEntryPayload, 0, len(sheet.Entries)),
	}
	for _, entry := range sheet.Entries {
		response.Results = append(response.Results, tallyEntryPayload{
			ChoiceID: entry.ChoiceID,
			Text:     entry.Text,
			Votes:    entry.Count,
		})
	}
	return response
}

func (h *httpHandler) handlePollResults(c *gin.Context) {
	questionID, ok := parseQuestionID(c)
	if !ok {
		return
	}

	sheet, err := h.pollsService.Results(c.Request.Context(), questionID)
	if err != nil {
		h.respondPollError(c, err)
		return
	}
	c.JSON(http.StatusOK, newResultsPayload(sheet))
}

type chartResponsePayload struct {
	Question   string   `json:"question"`
	Labels     []string `json:"labels"`
	Data       []int64  `json:"data"`
	ResultsURL string   `json:"results_url"`
}

func (h *httpHandler) handlePollChart(c *gin.Context) {
	questionID, ok := parseQuestionID(c)
	if !ok {
		return
	}

	sheet, err := h.pollsService.Results(c.Request.Context(), questionID)
	if err != nil {
		h.respondPollError(c, err)
		return
	}

	chart := chartResponsePayload{
		Question:   sheet.Question,
		Labels:     make([]string, 0, len(sheet.Entries)),
		Data:       make([]int64, 0, len(sheet.Entries)),
		ResultsURL: fmt.Sprintf("/polls/%d/results", questionID),
	}
	for _, entry := range sheet.Entries {
		chart.Labels = append(chart.Labels, entry.Text)
		chart.Data = append(chart.Data, entry.Count)
	}
	c.JSON(http.StatusOK, chart)
}

func (h *httpHandler) handleLiveTally(c *gin.Context) {
	questionID, ok := parseQuestionID(c)
	if !ok {
		return
	}
	if h.realtime == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "live_results_disabled"})
		return
	}

	sheet, err := h.pollsService.Results(c.Request.Context(), questionID)
	if err != nil {
		h.respondPollError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), questionID)
	defer cleanup()

	c.SSEvent(RealtimeEventTallyChanged, newResultsPayload(sheet))
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case message, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(message.EventType, newResultsPayload(message.Tally))
			c.Writer.Flush()
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend})
			c.Writer.Flush()
		}
	}
}

type createPollRequestPayload struct {
	Text    string     `json:"text"`
	PubDate *time.Time `json:"pub_date"`
	EndDate *time.Time `json:"end_date"`
	Choices []string   `json:"choices"`
}

func (h *httpHandler) handleCreatePoll(c *gin.Context) {
	var request createPollRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	createRequest := polls.CreateQuestionRequest{
		Text:    request.Text,
		EndDate: request.EndDate,
		Choices: request.Choices,
	}
	if request.PubDate != nil {
		createRequest.PubDate = *request.PubDate
	}

	detail, err := h.pollsService.CreateQuestion(c.Request.Context(), createRequest)
	if err != nil {
		switch {
		case errors.Is(err, polls.ErrInvalidText):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_text"})
		case errors.Is(err, polls.ErrInvalidWindow):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_window"})
		default:
			h.respondServiceError(c, err)
		}
		return
	}

	now := h.clock().UTC()
	response := detailResponsePayload{
		questionPayload: newQuestionPayload(detail.Question, now),
		Choices:         make([]choicePayload, 0, len(detail.Choices)),
	}
	for _, choice := range detail.Choices {
		response.Choices = append(response.Choices, choicePayload{ID: choice.ID, Text: choice.Text})
	}
	c.JSON(http.StatusCreated, response)
}

type addChoiceRequestPayload struct {
	Text string `json:"text"`
}

func (h *httpHandler) handleAddChoice(c *gin.Context) {
	questionID, ok := parseQuestionID(c)
	if !ok {
		return
	}

	var request addChoiceRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	choice, err := h.pollsService.AddChoice(c.Request.Context(), questionID, request.Text)
	if err != nil {
		switch {
		case errors.Is(err, polls.ErrInvalidText):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_text"})
		default:
			h.respondPollError(c, err)
		}
		return
	}
	c.JSON(http.StatusCreated, choicePayload{ID: choice.ID, Text: choice.Text})
}

type voteRequestPayload struct {
	ChoiceID uint `json:"choice_id"`
}

type voteResponsePayload struct {
	Voted   bool                   `json:"voted"`
	Changed bool                   `json:"changed"`
	Results resultsResponsePayload `json:"results"`
}

func (h *httpHandler) handleVote(c *gin.Context) {
	questionID, ok := parseQuestionID(c)
	if !ok {
		return
	}

	rawUserID := c.GetString(userIDContextKey)
	userID, err := polls.NewUserID(rawUserID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request voteRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	receipt, err := h.pollsService.CastVote(c.Request.Context(), polls.Ballot{
		QuestionID: questionID,
		ChoiceID:   request.ChoiceID,
		UserID:     userID,
		Now:        h.clock().UTC(),
	})
	if err != nil {
		switch {
		case errors.Is(err, polls.ErrQuestionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "question_not_found"})
		case errors.Is(err, polls.ErrNoChoiceSelected):
			c.JSON(http.StatusBadRequest, gin.H{"error": "no_choice_selected"})
		case errors.Is(err, polls.ErrChoiceNotFound):
			c.JSON(http.StatusBadRequest, gin.H{"error": "choice_not_found"})
		case errors.Is(err, polls.ErrVotingClosed):
			c.JSON(http.StatusConflict, gin.H{"error": "voting_closed"})
		default:
			h.respondServiceError(c, err)
		}
		return
	}

	sheet, err := h.pollsService.Results(c.Request.Context(), questionID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, voteResponsePayload{
		Voted:   true,
		Changed: receipt.Changed,
		Results: newResultsPayload(sheet),
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token := ""
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, err := h.votersService.ResolveCanonicalUserID(claims)
	if err != nil {
		h.logger.Warn("voter resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) respondPollError(c *gin.Context, err error) {
	if errors.Is(err, polls.ErrQuestionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "question_not_found"})
		return
	}
	h.respondServiceError(c, err)
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	h.logger.Error("polls request failed", zap.Error(err))
	var serviceErr *polls.ServiceError
	if errors.As(err, &serviceErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": serviceErr.Code()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

func newQuestionPayload(question polls.Question, now time.Time) questionPayload {
	return questionPayload{
		ID:                   question.ID,
		Text:                 question.Text,
		PubDate:              question.PubDate,
		EndDate:              question.EndDate,
		CanVote:              question.CanVote(now),
		WasPublishedRecently: question.WasPublishedRecently(now),
	}
}

func parseQuestionID(c *gin.Context) (uint, bool) {
	raw := c.Param("id")
	value, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || value == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "question_not_found"})
		return 0, false
	}
	return uint(value), true
}
