package analysis

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/fedutinova/mockinterview/internal/common"
	"github.com/fedutinova/mockinterview/internal/job"
	"github.com/fedutinova/mockinterview/internal/models"
	"github.com/sashabaranov/go-openai/jsonschema"
)

// Schema is the structured-output contract for one media kind.
type Schema struct {
	Name       string
	Definition jsonschema.Definition
}

func score(desc string) jsonschema.Definition {
	return jsonschema.Definition{Type: jsonschema.Number, Description: desc + " (0-10)"}
}

func text(desc string) jsonschema.Definition {
	return jsonschema.Definition{Type: jsonschema.String, Description: desc}
}

func list(desc string) jsonschema.Definition {
	return jsonschema.Definition{
		Type:        jsonschema.Array,
		Description: desc,
		Items:       &jsonschema.Definition{Type: jsonschema.String},
	}
}

func section(props map[string]jsonschema.Definition) jsonschema.Definition {
	required := make([]string, 0, len(props))
	for k := range props {
		required = append(required, k)
	}
	slices.Sort(required)
	return jsonschema.Definition{
		Type:                 jsonschema.Object,
		Properties:           props,
		Required:             required,
		AdditionalProperties: false,
	}
}

var communication = section(map[string]jsonschema.Definition{
	"clarity":    score("How clearly answers are articulated"),
	"confidence": score("Perceived confidence"),
	"pace":       score("Speaking pace"),
	"feedback":   text("Actionable feedback on communication"),
})

var content = section(map[string]jsonschema.Definition{
	"relevance": score("Relevance of answers to the questions"),
	"structure": score("Logical structure of answers"),
	"depth":     score("Technical or domain depth"),
	"feedback":  text("Actionable feedback on answer content"),
})

var voice = section(map[string]jsonschema.Definition{
	"tone":        score("Tone and intonation"),
	"fillerWords": score("Absence of filler words, 10 means none"),
	"fluency":     score("Fluency and pauses"),
	"feedback":    text("Actionable feedback on vocal delivery"),
})

var bodyLanguage = section(map[string]jsonschema.Definition{
	"eyeContact":        score("Eye contact with the camera"),
	"posture":           score("Posture"),
	"gestures":          score("Use of gestures"),
	"facialExpressions": score("Facial expressiveness"),
	"feedback":          text("Actionable feedback on body language"),
})

var videoSchema = Schema{
	Name: "video_interview_analysis",
	Definition: section(map[string]jsonschema.Definition{
		"overallScore":  score("Overall interview performance"),
		"summary":       text("Two to four sentence summary"),
		"communication": communication,
		"content":       content,
		"voice":         voice,
		"bodyLanguage":  bodyLanguage,
		"strengths":     list("Key strengths observed"),
		"improvements":  list("Concrete areas to improve"),
	}),
}

var audioSchema = Schema{
	Name: "audio_interview_analysis",
	Definition: section(map[string]jsonschema.Definition{
		"overallScore":  score("Overall interview performance"),
		"summary":       text("Two to four sentence summary"),
		"communication": communication,
		"content":       content,
		"voice":         voice,
		"strengths":     list("Key strengths observed"),
		"improvements":  list("Concrete areas to improve"),
	}),
}

// SchemaFor returns the static schema for kind. Only video carries bodyLanguage.
func SchemaFor(kind models.MediaKind) (Schema, error) {
	switch kind {
	case models.MediaVideo:
		return videoSchema, nil
	case models.MediaAudio:
		return audioSchema, nil
	}
	return Schema{}, fmt.Errorf("unknown media kind %q: %w", kind, common.ErrValidation)
}

// Parse decodes raw model output and checks it against the schema.
// Anything that does not conform is a permanent processing error.
func (s Schema) Parse(raw string) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, common.Permanent("parse analysis response", err)
	}
	if !jsonschema.Validate(s.Definition, v) {
		return nil, common.Permanent("validate analysis response",
			fmt.Errorf("response does not match %s", s.Name))
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, common.Permanent("re-encode analysis", err)
	}
	return out, nil
}

// JobType maps a media kind onto its queue job type.
func JobType(kind models.MediaKind) job.Type {
	if kind == models.MediaAudio {
		return job.TypeAudioAnalysis
	}
	return job.TypeVideoAnalysis
}

// KindOf is the inverse of JobType.
func KindOf(t job.Type) (models.MediaKind, error) {
	switch t {
	case job.TypeVideoAnalysis:
		return models.MediaVideo, nil
	case job.TypeAudioAnalysis:
		return models.MediaAudio, nil
	}
	return "", fmt.Errorf("unknown job type %q: %w", t, common.ErrValidation)
}
