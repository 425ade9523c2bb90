package domain

import (
	"time"

	"github.com/google/uuid"
)

// Stage enumerates the lifecycle states of a generation job. The working
// stages form a fixed forward sequence; Completed, Failed and Cancelled are
// terminal.
type Stage string

const (
	StageQueued             Stage = "queued"
	StageAnalyzingImage     Stage = "analyzing_image"
	StageGeneratingStory    Stage = "generating_story"
	StageSynthesizingSpeech Stage = "synthesizing_speech"
	StageMixingMusic        Stage = "mixing_music"
	StageCompleted          Stage = "completed"
	StageFailed             Stage = "failed"
	StageCancelled          Stage = "cancelled"
)

// PipelineStages lists the working stages in execution order.
var PipelineStages = []Stage{
	StageAnalyzingImage,
	StageGeneratingStory,
	StageSynthesizingSpeech,
	StageMixingMusic,
}

// validTransitions defines which stage transitions are allowed.
var validTransitions = map[Stage][]Stage{
	StageQueued:             {StageAnalyzingImage, StageFailed, StageCancelled},
	StageAnalyzingImage:     {StageGeneratingStory, StageFailed, StageCancelled},
	StageGeneratingStory:    {StageSynthesizingSpeech, StageFailed, StageCancelled},
	StageSynthesizingSpeech: {StageMixingMusic, StageFailed, StageCancelled},
	StageMixingMusic:        {StageCompleted, StageFailed, StageCancelled},
	StageCompleted:          {},
	StageFailed:             {},
	StageCancelled:          {},
}

// CanTransition reports whether moving from one stage to another is legal.
func CanTransition(from, to Stage) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next returns the stage that follows s in the pipeline. For the last working
// stage it returns Completed; terminal stages return themselves.
func (s Stage) Next() Stage {
	switch s {
	case StageQueued:
		return StageAnalyzingImage
	case StageAnalyzingImage:
		return StageGeneratingStory
	case StageGeneratingStory:
		return StageSynthesizingSpeech
	case StageSynthesizingSpeech:
		return StageMixingMusic
	case StageMixingMusic:
		return StageCompleted
	default:
		return s
	}
}

// IsTerminal reports whether the stage admits no further transitions.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// IsValid reports whether s is a known stage value.
func (s Stage) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Theme enumerates supported story themes.
type Theme string

const (
	ThemeAdventure   Theme = "adventure"
	ThemeFantasy     Theme = "fantasy"
	ThemeBedtime     Theme = "bedtime"
	ThemeEducational Theme = "educational"
	ThemeCustomized  Theme = "customized"
)

// StoryLength enumerates supported narration lengths.
type StoryLength string

const (
	LengthShort  StoryLength = "short"
	LengthMedium StoryLength = "medium"
	LengthLong   StoryLength = "long"
)

// MusicStyle enumerates supported background music styles. MusicNone keeps
// the mixing stage in the pipeline but makes it a passthrough.
type MusicStyle string

const (
	MusicNone     MusicStyle = "none"
	MusicCalming  MusicStyle = "calming"
	MusicSoft     MusicStyle = "soft"
	MusicPeaceful MusicStyle = "peaceful"
	MusicSoothing MusicStyle = "soothing"
	MusicMagical  MusicStyle = "magical"
)

// Character is a named figure the story should feature.
type Character struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// JobInput is the originating image reference plus generation options.
// Immutable once the job is accepted.
type JobInput struct {
	ImageRef   string      `json:"image_ref"`
	Language   string      `json:"language"`
	Voice      string      `json:"voice"`
	MusicStyle MusicStyle  `json:"music_style"`
	Theme      Theme       `json:"theme"`
	Length     StoryLength `json:"length"`
	Characters []Character `json:"characters,omitempty"`
}

// JobResult accumulates outputs per completed stage. Each slot is written
// exactly once, by the stage that produces it; slots for stages not yet
// reached stay empty.
type JobResult struct {
	Analysis         string `json:"analysis,omitempty"`
	StoryTitle       string `json:"story_title,omitempty"`
	StoryText        string `json:"story_text,omitempty"`
	NarrationSeconds int    `json:"narration_seconds,omitempty"`
	SpeechRef        string `json:"speech_ref,omitempty"`
	MixedRef         string `json:"mixed_ref,omitempty"`
}

// JobError captures the last failure of a job. Present only in Failed.
type JobError struct {
	Stage           Stage  `json:"stage"`
	Message         string `json:"message"`
	Retryable       bool   `json:"retryable"`
	CreditsRefunded bool   `json:"credits_refunded"`
}

// Job is one generation attempt. The registry is the single source of truth
// for its state; only the orchestrator writes Stage, Result and Error.
type Job struct {
	ID      string
	OwnerID string
	Stage   Stage
	Input   JobInput
	Result  JobResult
	Error   *JobError

	// Attempts records how many invocations each stage needed.
	Attempts map[Stage]int

	// ReservationID links the job to its held credit, so a restarted
	// orchestrator can still settle it.
	ReservationID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewJob creates a queued job for the given owner and input.
func NewJob(ownerID string, input JobInput) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Stage:     StageQueued,
		Input:     input,
		Attempts:  make(map[Stage]int),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsTerminal reports whether the job reached a terminal stage.
func (j *Job) IsTerminal() bool {
	return j.Stage.IsTerminal()
}

// Clone returns a deep copy safe to hand out of a store.
func (j *Job) Clone() *Job {
	c := *j
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	c.Attempts = make(map[Stage]int, len(j.Attempts))
	for k, v := range j.Attempts {
		c.Attempts[k] = v
	}
	c.Input.Characters = append([]Character(nil), j.Input.Characters...)
	return &c
}
