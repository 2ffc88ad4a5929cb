package domain

// Stage is the current phase of a session's progress through the generation pipeline.
type Stage string

const (
	StageInitializing           Stage = "initializing"
	StageCollectingRequirements Stage = "collecting_requirements"
	StageGeneratingLyrics       Stage = "generating_lyrics"
	StageReviewingLyrics        Stage = "reviewing_lyrics"
	StagePreparingGeneration    Stage = "preparing_generation"
	StageGeneratingMusic        Stage = "generating_music"
	StageEvaluatingResults      Stage = "evaluating_results"
	StageCompleted              Stage = "completed"
	StageFailed                 Stage = "failed"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{
	StageInitializing,
	StageCollectingRequirements,
	StageGeneratingLyrics,
	StageReviewingLyrics,
	StagePreparingGeneration,
	StageGeneratingMusic,
	StageEvaluatingResults,
	StageCompleted,
	StageFailed,
}

// transitions holds the legal edges of the stage graph. Every non-terminal
// stage may additionally move to StageFailed.
var transitions = map[Stage][]Stage{
	StageInitializing:           {StageCollectingRequirements},
	StageCollectingRequirements: {StageGeneratingLyrics},
	StageGeneratingLyrics:       {StageReviewingLyrics},
	StageReviewingLyrics:        {StageGeneratingLyrics, StagePreparingGeneration},
	StagePreparingGeneration:    {StageGeneratingMusic},
	StageGeneratingMusic:        {StageEvaluatingResults},
	StageEvaluatingResults:      {StageCompleted},
}

var descriptions = map[Stage]string{
	StageInitializing:           "Initializing session",
	StageCollectingRequirements: "Collecting requirements",
	StageGeneratingLyrics:       "Generating lyric candidates",
	StageReviewingLyrics:        "Waiting for lyric review",
	StagePreparingGeneration:    "Preparing generation parameters",
	StageGeneratingMusic:        "Generating music",
	StageEvaluatingResults:      "Evaluating audio quality",
	StageCompleted:              "Music generation completed",
	StageFailed:                 "Generation failed",
}

// Valid reports whether s is a member of the stage enumeration.
func (s Stage) Valid() bool {
	_, ok := descriptions[s]
	return ok
}

// IsTerminal reports whether no further mutation is accepted in s.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Description returns the default human-readable text for s.
func (s Stage) Description() string {
	if d, ok := descriptions[s]; ok {
		return d
	}
	return string(s)
}

// CanTransition reports whether from -> to is an edge of the stage graph.
func CanTransition(from, to Stage) bool {
	if from.IsTerminal() || !to.Valid() {
		return false
	}
	if to == StageFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsRestart reports whether from -> to is a retry edge that resets progress.
func IsRestart(from, to Stage) bool {
	return from == StageReviewingLyrics && to == StageGeneratingLyrics
}
