package polls

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TallyEntry is one choice's count within a question's tally.
type TallyEntry struct {
	ChoiceID uint
	Text     string
	Count    int64
}

// TallySheet carries per-choice counts in choice-creation order, including
// zero-vote choices, plus the question total.
type TallySheet struct {
	QuestionID uint
	Question   string
	Entries    []TallyEntry
	Total      int64
}

// ChartPayload is the pie-chart feed: labels and data are parallel arrays in
// the same choice-creation order as the tally.
type ChartPayload struct {
	Labels []string
	Data   []int64
}

// Results reads the denormalized choice counters for a question.
func (s *Service) Results(ctx context.Context, questionID uint) (TallySheet, error) {
	var question Question
	if err := s.db.WithContext(ctx).Take(&question, questionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return TallySheet{}, ErrQuestionNotFound
		}
		s.logError(opResults, "question_select_failed", err, zap.Uint("question_id", questionID))
		return TallySheet{}, newServiceError(opResults, "question_select_failed", err)
	}

	var choices []Choice
	if err := s.db.WithContext(ctx).
		Where("question_id = ?", question.ID).
		Order("id ASC").
		Find(&choices).Error; err != nil {
		s.logError(opResults, "choice_query_failed", err, zap.Uint("question_id", questionID))
		return TallySheet{}, newServiceError(opResults, "choice_query_failed", err)
	}

	sheet := TallySheet{
		QuestionID: question.ID,
		Question:   question.Text,
		Entries:    make([]TallyEntry, 0, len(choices)),
	}
	for _, choice := range choices {
		sheet.Entries = append(sheet.Entries, TallyEntry{
			ChoiceID: choice.ID,
			Text:     choice.Text,
			Count:    choice.Votes,
		})
		sheet.Total += choice.Votes
	}
	return sheet, nil
}

// Chart derives the pie-chart payload from the tally.
func (s *Service) Chart(ctx context.Context, questionID uint) (ChartPayload, error) {
	sheet, err := s.Results(ctx, questionID)
	if err != nil {
		return ChartPayload{}, err
	}

	payload := ChartPayload{
		Labels: make([]string, 0, len(sheet.Entries)),
		Data:   make([]int64, 0, len(sheet.Entries)),
	}
	for _, entry := range sheet.Entries {
		payload.Labels = append(payload.Labels, entry.Text)
		payload.Data = append(payload.Data, entry.Count)
	}
	return payload, nil
}

// Recount rewrites every choice counter from the vote ledger. The counters
// are a cache of the ledger; this is the repair path when they drift.
func (s *Service) Recount(ctx context.Context) error {
	if err := RecountCounters(s.db.WithContext(ctx)); err != nil {
		s.logError(opRecount, "recount_failed", err)
		return newServiceError(opRecount, "recount_failed", err)
	}
	return nil
}

// RecountCounters recomputes choices.votes from the ledger on the given
// handle. Exposed for the database migration that repairs drifted counters.
func RecountCounters(db *gorm.DB) error {
	return db.Exec(
		"UPDATE choices SET votes = (SELECT COUNT(*) FROM votes WHERE votes.choice_id = choices.id)",
	).Error
}
