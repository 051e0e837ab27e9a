package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MediaKind selects the recording, schema and prompt used by one analysis run.
type MediaKind string

const (
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

func (k MediaKind) Valid() bool {
	return k == MediaVideo || k == MediaAudio
}

type Interview struct {
	ID          string     `json:"id" db:"id"`
	UserID      string     `json:"user_id" db:"user_id"`
	IsCompleted bool       `json:"is_completed" db:"is_completed"`
	Recordings  Recordings `json:"recordings"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

type Recordings struct {
	Video string          `json:"video,omitempty"`
	Voice VoiceRecordings `json:"voice,omitempty"`
}

type VoiceRecordings struct {
	Combined string `json:"combined,omitempty"`
	User     string `json:"user,omitempty"`
}

// RecordingFor returns the media reference for kind; the combined voice track wins over the user-only one.
func (i *Interview) RecordingFor(kind MediaKind) string {
	switch kind {
	case MediaVideo:
		return i.Recordings.Video
	case MediaAudio:
		if i.Recordings.Voice.Combined != "" {
			return i.Recordings.Voice.Combined
		}
		return i.Recordings.Voice.User
	}
	return ""
}

// DefaultKind picks video when a video recording exists, otherwise audio.
// ok is false when the interview has no recording at all.
func (i *Interview) DefaultKind() (MediaKind, bool) {
	if i.RecordingFor(MediaVideo) != "" {
		return MediaVideo, true
	}
	if i.RecordingFor(MediaAudio) != "" {
		return MediaAudio, true
	}
	return "", false
}

type Report struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	InterviewID   string          `json:"interview_id" db:"interview_id"`
	UserID        string          `json:"user_id" db:"user_id"`
	VideoAnalysis *AnalysisResult `json:"video_analysis,omitempty" db:"video_analysis"`
	AudioAnalysis *AnalysisResult `json:"audio_analysis,omitempty" db:"audio_analysis"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

func (r *Report) Analysis(kind MediaKind) *AnalysisResult {
	switch kind {
	case MediaVideo:
		return r.VideoAnalysis
	case MediaAudio:
		return r.AudioAnalysis
	}
	return nil
}

// AnalysisResult is stored on the report. Exactly one of Analysis or Error is set.
type AnalysisResult struct {
	InterviewID          string          `json:"interviewId"`
	MediaType            MediaKind       `json:"mediaType"`
	IsCompleted          bool            `json:"isCompleted"`
	Analysis             json.RawMessage `json:"analysis,omitempty"`
	AnalyzedAt           *time.Time      `json:"analyzedAt,omitempty"`
	ProcessingDurationMs int64           `json:"processingDurationMs,omitempty"`
	FileSizeBytes        int64           `json:"fileSizeBytes,omitempty"`
	ExternalFileRef      string          `json:"externalFileRef,omitempty"`
	RawResponseKey       string          `json:"rawResponseKey,omitempty"`
	Error                string          `json:"error,omitempty"`
	FailedAt             *time.Time      `json:"failedAt,omitempty"`
}

func (a *AnalysisResult) Completed() bool {
	return a != nil && a.IsCompleted
}

func (a *AnalysisResult) Failed() bool {
	return a != nil && !a.IsCompleted && a.Error != ""
}

// FailedResult builds the error variant stored when a run fails.
func FailedResult(interviewID string, kind MediaKind, msg string, at time.Time) *AnalysisResult {
	return &AnalysisResult{
		InterviewID: interviewID,
		MediaType:   kind,
		Error:       msg,
		FailedAt:    &at,
	}
}
