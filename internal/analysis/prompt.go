package analysis

import (
	"fmt"

	"github.com/fedutinova/mockinterview/internal/models"
)

const basePrompt = "You are an experienced interview coach reviewing a recorded mock interview. " +
	"Score every dimension from 0 to 10, be specific, and base feedback only on what the recording shows. " +
	"Respond with JSON that matches the provided schema and nothing else."

// PromptFor returns the instruction paired with the kind's schema.
func PromptFor(kind models.MediaKind) string {
	switch kind {
	case models.MediaVideo:
		return basePrompt + " The recording is a video: assess verbal delivery, answer content, " +
			"and body language including eye contact, posture, gestures and facial expressions."
	case models.MediaAudio:
		return basePrompt + " The recording is audio only: assess verbal delivery, vocal tone, " +
			"filler words and answer content. Do not comment on body language."
	}
	return basePrompt
}

// DisplayName is the file name shown by the external service for an upload.
func DisplayName(kind models.MediaKind, interviewID, ext string) string {
	return fmt.Sprintf("interview-%s-%s%s", interviewID, kind, ext)
}
