package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fedutinova/mockinterview/internal/common"
	"github.com/fedutinova/mockinterview/internal/database"
	"github.com/fedutinova/mockinterview/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type Repository struct {
	db database.Querier
}

func New(db database.Querier) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetInterview(ctx context.Context, id string) (*models.Interview, error) {
	query := `
		SELECT id, user_id, is_completed, video_url, voice_combined_url, voice_user_url, created_at, updated_at
		FROM interviews
		WHERE id = $1
	`

	var iv models.Interview
	var video, combined, user *string
	err := r.db.QueryRow(ctx, query, id).Scan(
		&iv.ID,
		&iv.UserID,
		&iv.IsCompleted,
		&video,
		&combined,
		&user,
		&iv.CreatedAt,
		&iv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrInterviewNotFound
	}
	if err != nil {
		return nil, common.WrapUnavailable("get interview", err)
	}

	iv.Recordings.Video = deref(video)
	iv.Recordings.Voice.Combined = deref(combined)
	iv.Recordings.Voice.User = deref(user)
	return &iv, nil
}

func (r *Repository) GetReportByInterviewID(ctx context.Context, interviewID string) (*models.Report, error) {
	query := `
		SELECT id, interview_id, user_id, video_analysis, audio_analysis, created_at, updated_at
		FROM reports
		WHERE interview_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var rep models.Report
	var video, audio []byte
	err := r.db.QueryRow(ctx, query, interviewID).Scan(
		&rep.ID,
		&rep.InterviewID,
		&rep.UserID,
		&video,
		&audio,
		&rep.CreatedAt,
		&rep.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrReportNotFound
	}
	if err != nil {
		return nil, common.WrapUnavailable("get report", err)
	}

	if rep.VideoAnalysis, err = decodeAnalysis(video); err != nil {
		return nil, fmt.Errorf("report %s video analysis: %w", rep.ID, err)
	}
	if rep.AudioAnalysis, err = decodeAnalysis(audio); err != nil {
		return nil, fmt.Errorf("report %s audio analysis: %w", rep.ID, err)
	}
	return &rep, nil
}

// UpdateAnalysis sets one analysis column in a single statement, so concurrent
// writers of the other media kind never overwrite each other. An unfinished
// result never replaces a completed one; that case fails with
// common.ErrAnalysisCompleted.
func (r *Repository) UpdateAnalysis(ctx context.Context, reportID uuid.UUID, kind models.MediaKind, result *models.AnalysisResult) error {
	var column string
	switch kind {
	case models.MediaVideo:
		column = "video_analysis"
	case models.MediaAudio:
		column = "audio_analysis"
	default:
		return fmt.Errorf("unknown media kind %q: %w", kind, common.ErrValidation)
	}

	query := fmt.Sprintf(`UPDATE reports SET %[1]s = $2, updated_at = NOW() WHERE id = $1`, column)
	if !result.IsCompleted {
		query += fmt.Sprintf(` AND COALESCE((%[1]s->>'isCompleted')::boolean, false) = false`, column)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis: %w", err)
	}

	tag, err := r.db.Exec(ctx, query, reportID, data)
	if err != nil {
		return common.WrapUnavailable("update analysis", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if result.IsCompleted {
		return common.ErrReportNotFound
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM reports WHERE id = $1)`, reportID).Scan(&exists); err != nil {
		return common.WrapUnavailable("update analysis", err)
	}
	if !exists {
		return common.ErrReportNotFound
	}
	return common.ErrAnalysisCompleted
}

func decodeAnalysis(raw []byte) (*models.AnalysisResult, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var a models.AnalysisResult
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
