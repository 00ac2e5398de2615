package polls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrQuestionNotFound indicates the referenced question does not exist.
	ErrQuestionNotFound = errors.New("polls: question not found")
	// ErrChoiceNotFound indicates the choice does not exist or belongs to another question.
	ErrChoiceNotFound = errors.New("polls: choice not found")
	// ErrNoChoiceSelected indicates the caller submitted no usable choice reference.
	ErrNoChoiceSelected = errors.New("polls: no choice selected")
	// ErrVotingClosed indicates the question's voting window has passed.
	ErrVotingClosed = errors.New("polls: voting closed")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// latestQuestionLimit caps the landing-page listing.
const latestQuestionLimit = 5

// ServiceError wraps internal faults with a dotted operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "polls.service.new"
	opCreateQuestion = "polls.create_question"
	opAddChoice      = "polls.add_choice"
	opListLatest     = "polls.list_latest"
	opDetail         = "polls.detail"
	opCastVote       = "polls.cast_vote"
	opResults        = "polls.results"
	opRecount        = "polls.recount"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// VoteHook observes accepted votes after they commit. It is an observability
// collaborator, never part of the voting state machine.
type VoteHook func(questionID uint, tally TallySheet)

// ServiceConfig describes the dependencies of the polls service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	VoteHook VoteHook
}

// Service owns question administration, the vote ledger, and tallies.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
	hook   VoteHook
}

// NewService constructs the polls service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
		hook:   cfg.VoteHook,
	}, nil
}

// CreateQuestionRequest describes a new question and its initial choices.
type CreateQuestionRequest struct {
	Text    string
	PubDate time.Time
	EndDate *time.Time
	Choices []string
}

// CreateQuestion persists a question with its choices. A zero publish date
// defaults to the current time; an end date must not precede the publish date.
func (s *Service) CreateQuestion(ctx context.Context, req CreateQuestionRequest) (QuestionDetail, error) {
	text, err := NewText(req.Text)
	if err != nil {
		return QuestionDetail{}, err
	}

	pubDate := req.PubDate
	if pubDate.IsZero() {
		pubDate = s.clock().UTC()
	}
	if req.EndDate != nil && req.EndDate.Before(pubDate) {
		return QuestionDetail{}, fmt.Errorf("%w: end %s before publish %s",
			ErrInvalidWindow, req.EndDate.Format(time.RFC3339), pubDate.Format(time.RFC3339))
	}

	choiceTexts := make([]Text, 0, len(req.Choices))
	for _, raw := range req.Choices {
		choiceText, err := NewText(raw)
		if err != nil {
			return QuestionDetail{}, err
		}
		choiceTexts = append(choiceTexts, choiceText)
	}

	detail := QuestionDetail{}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		question := Question{Text: text.String(), PubDate: pubDate, EndDate: req.EndDate}
		if err := tx.Create(&question).Error; err != nil {
			s.logError(opCreateQuestion, "question_insert_failed", err)
			return newServiceError(opCreateQuestion, "question_insert_failed", err)
		}
		detail.Question = question

		for _, choiceText := range choiceTexts {
			choice := Choice{QuestionID: question.ID, Text: choiceText.String()}
			if err := tx.Create(&choice).Error; err != nil {
				s.logError(opCreateQuestion, "choice_insert_failed", err,
					zap.Uint("question_id", question.ID))
				return newServiceError(opCreateQuestion, "choice_insert_failed", err)
			}
			detail.Choices = append(detail.Choices, choice)
		}
		return nil
	})
	if txErr != nil {
		return QuestionDetail{}, txErr
	}

	s.logger.Info("question created",
		zap.Uint("question_id", detail.Question.ID),
		zap.Int("choices", len(detail.Choices)))
	return detail, nil
}

// AddChoice appends a choice to an existing question.
func (s *Service) AddChoice(ctx context.Context, questionID uint, rawText string) (Choice, error) {
	text, err := NewText(rawText)
	if err != nil {
		return Choice{}, err
	}

	var question Question
	if err := s.db.WithContext(ctx).Take(&question, questionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Choice{}, ErrQuestionNotFound
		}
		s.logError(opAddChoice, "question_select_failed", err, zap.Uint("question_id", questionID))
		return Choice{}, newServiceError(opAddChoice, "question_select_failed", err)
	}

	choice := Choice{QuestionID: question.ID, Text: text.String()}
	if err := s.db.WithContext(ctx).Create(&choice).Error; err != nil {
		s.logError(opAddChoice, "choice_insert_failed", err, zap.Uint("question_id", questionID))
		return Choice{}, newServiceError(opAddChoice, "choice_insert_failed", err)
	}
	return choice, nil
}

// ListLatest returns the newest visible questions, most recent publish date
// first, capped at five entries.
func (s *Service) ListLatest(ctx context.Context, now time.Time) ([]Question, error) {
	var questions []Question
	if err := s.db.WithContext(ctx).
		Where("pub_date <= ?", now).
		Order("pub_date DESC").
		Limit(latestQuestionLimit).
		Find(&questions).Error; err != nil {
		s.logError(opListLatest, "query_failed", err)
		return nil, newServiceError(opListLatest, "query_failed", err)
	}
	return questions, nil
}

// Detail returns a visible question with its choices in creation order.
// Questions published in the future behave as absent.
func (s *Service) Detail(ctx context.Context, questionID uint, now time.Time) (QuestionDetail, error) {
	var question Question
	if err := s.db.WithContext(ctx).Take(&question, questionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return QuestionDetail{}, ErrQuestionNotFound
		}
		s.logError(opDetail, "question_select_failed", err, zap.Uint("question_id", questionID))
		return QuestionDetail{}, newServiceError(opDetail, "question_select_failed", err)
	}
	if !question.IsVisible(now) {
		return QuestionDetail{}, ErrQuestionNotFound
	}

	var choices []Choice
	if err := s.db.WithContext(ctx).
		Where("question_id = ?", question.ID).
		Order("id ASC").
		Find(&choices).Error; err != nil {
		s.logError(opDetail, "choice_query_failed", err, zap.Uint("question_id", questionID))
		return QuestionDetail{}, newServiceError(opDetail, "choice_query_failed", err)
	}

	return QuestionDetail{Question: question, Choices: choices}, nil
}

// Ballot is the input to the cast-a-vote use case. A zero ChoiceID means the
// caller submitted no selection.
type Ballot struct {
	QuestionID uint
	ChoiceID   uint
	UserID     UserID
	Now        time.Time
}

// Receipt reports the terminal Voted outcome. Changed is false for a
// first-time vote and true when an existing vote was reassigned, including
// the idempotent same-choice case.
type Receipt struct {
	ChoiceID uint
	Changed  bool
}

// CastVote runs the voting state machine: question lookup, choice resolution,
// eligibility, then the ledger write. Every outcome except the ledger write
// leaves the store untouched.
func (s *Service) CastVote(ctx context.Context, ballot Ballot) (Receipt, error) {
	var question Question
	if err := s.db.WithContext(ctx).Take(&question, ballot.QuestionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Receipt{}, ErrQuestionNotFound
		}
		s.logError(opCastVote, "question_select_failed", err, zap.Uint("question_id", ballot.QuestionID))
		return Receipt{}, newServiceError(opCastVote, "question_select_failed", err)
	}

	if ballot.ChoiceID == 0 {
		return Receipt{}, ErrNoChoiceSelected
	}

	var choice Choice
	err := s.db.WithContext(ctx).
		Where("id = ? AND question_id = ?", ballot.ChoiceID, question.ID).
		Take(&choice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Receipt{}, ErrChoiceNotFound
	} else if err != nil {
		s.logError(opCastVote, "choice_select_failed", err,
			zap.Uint("question_id", question.ID),
			zap.Uint("choice_id", ballot.ChoiceID))
		return Receipt{}, newServiceError(opCastVote, "choice_select_failed", err)
	}

	now := ballot.Now
	if now.IsZero() {
		now = s.clock().UTC()
	}
	if !question.CanVote(now) {
		return Receipt{}, ErrVotingClosed
	}

	receipt := Receipt{ChoiceID: choice.ID}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		changed, err := s.recordOrUpdate(tx, question.ID, choice.ID, ballot.UserID)
		if err != nil {
			return err
		}
		receipt.Changed = changed
		return nil
	})
	if txErr != nil {
		return Receipt{}, txErr
	}

	s.logger.Info("vote recorded",
		zap.Uint("question_id", question.ID),
		zap.Uint("choice_id", choice.ID),
		zap.Bool("changed", receipt.Changed))
	s.notifyHook(ctx, question.ID)
	return receipt, nil
}

// recordOrUpdate enforces at-most-one-vote-per-user-per-question inside the
// caller's transaction. The vote row is locked before inspection; choice
// counters move with the ledger in the same transaction.
func (s *Service) recordOrUpdate(tx *gorm.DB, questionID, choiceID uint, userID UserID) (bool, error) {
	var existing Vote
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("question_id = ? AND user_id = ?", questionID, userID.String()).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		vote := Vote{QuestionID: questionID, ChoiceID: choiceID, UserID: userID.String()}
		insertErr := tx.Create(&vote).Error
		if insertErr == nil {
			if err := s.bumpCounter(tx, choiceID, 1); err != nil {
				return false, err
			}
			return false, nil
		}
		if !isDuplicateVote(insertErr) {
			s.logError(opCastVote, "vote_insert_failed", insertErr,
				zap.Uint("question_id", questionID),
				zap.String("user_id", userID.String()))
			return false, newServiceError(opCastVote, "vote_insert_failed", insertErr)
		}
		// Lost the race against a concurrent first vote; reload the winner's
		// row and fall through to the update path.
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("question_id = ? AND user_id = ?", questionID, userID.String()).
			Take(&existing).Error; err != nil {
			s.logError(opCastVote, "vote_reload_failed", err,
				zap.Uint("question_id", questionID),
				zap.String("user_id", userID.String()))
			return false, newServiceError(opCastVote, "vote_reload_failed", err)
		}
	} else if err != nil {
		s.logError(opCastVote, "vote_select_failed", err,
			zap.Uint("question_id", questionID),
			zap.String("user_id", userID.String()))
		return false, newServiceError(opCastVote, "vote_select_failed", err)
	}

	if existing.ChoiceID == choiceID {
		// Same choice again: idempotent on tallies.
		return true, nil
	}

	previousChoiceID := existing.ChoiceID
	if err := tx.Model(&Vote{}).
		Where("id = ?", existing.ID).
		Update("choice_id", choiceID).Error; err != nil {
		s.logError(opCastVote, "vote_update_failed", err, zap.Uint("vote_id", existing.ID))
		return false, newServiceError(opCastVote, "vote_update_failed", err)
	}
	if err := s.bumpCounter(tx, previousChoiceID, -1); err != nil {
		return false, err
	}
	if err := s.bumpCounter(tx, choiceID, 1); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) bumpCounter(tx *gorm.DB, choiceID uint, delta int64) error {
	if err := tx.Model(&Choice{}).
		Where("id = ?", choiceID).
		UpdateColumn("votes", gorm.Expr("votes + ?", delta)).Error; err != nil {
		s.logError(opCastVote, "counter_update_failed", err, zap.Uint("choice_id", choiceID))
		return newServiceError(opCastVote, "counter_update_failed", err)
	}
	return nil
}

func (s *Service) notifyHook(ctx context.Context, questionID uint) {
	if s.hook == nil {
		return
	}
	tally, err := s.Results(ctx, questionID)
	if err != nil {
		s.logger.Warn("vote hook tally failed", zap.Uint("question_id", questionID), zap.Error(err))
		return
	}
	s.hook(questionID, tally)
}

// isDuplicateVote recognizes a uniqueness conflict on (question_id, user_id),
// which signals a benign first-vote race rather than a logic error.
func isDuplicateVote(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("polls service error", attrs...)
}
