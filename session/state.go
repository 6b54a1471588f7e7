package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind selects the type-specific sub-state of a session. Exactly one of the
// four variants is present on a State at a time.
type Kind string

const (
	KindStrength  Kind = "strength"
	KindInterval  Kind = "interval"
	KindEndurance Kind = "endurance"
	KindMobility  Kind = "mobility"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindStrength, KindInterval, KindEndurance, KindMobility:
		return true
	}
	return false
}

// Phase is the stage of an interval session. Cooldown is terminal: a
// transition into it is broadcast immediately regardless of throttling.
type Phase string

const (
	PhaseWarmup   Phase = "warmup"
	PhaseWork     Phase = "work"
	PhaseRest     Phase = "rest"
	PhaseCooldown Phase = "cooldown"
)

// SubState is the sealed union of the type-specific session shapes. The
// unexported methods keep the set of variants closed to this package.
type SubState interface {
	Kind() Kind
	clone() SubState
	normalize()
}

// SetResult records one completed set.
type SetResult struct {
	Reps     int     `json:"reps"`
	WeightKg float64 `json:"weight_kg"`
}

// ExerciseProgress tracks one exercise inside a strength session.
type ExerciseProgress struct {
	Name          string      `json:"name"`
	TargetSets    int         `json:"target_sets"`
	CompletedSets []SetResult `json:"completed_sets"`
}

// StrengthState is the sub-state of a set/rep based session.
type StrengthState struct {
	Exercises       []ExerciseProgress `json:"exercises"`
	CurrentExercise int                `json:"current_exercise"`
}

func (s *StrengthState) Kind() Kind { return KindStrength }

func (s *StrengthState) clone() SubState {
	c := *s
	c.Exercises = make([]ExerciseProgress, len(s.Exercises))
	copy(c.Exercises, s.Exercises)
	for i, ex := range c.Exercises {
		sets := make([]SetResult, len(ex.CompletedSets))
		copy(sets, ex.CompletedSets)
		c.Exercises[i].CompletedSets = sets
	}
	return &c
}

func (s *StrengthState) normalize() {
	if s.Exercises == nil {
		s.Exercises = []ExerciseProgress{}
	}
	for i := range s.Exercises {
		if s.Exercises[i].CompletedSets == nil {
			s.Exercises[i].CompletedSets = []SetResult{}
		}
	}
}

// IntervalState is the sub-state of a round/phase based session.
type IntervalState struct {
	Rounds       int   `json:"rounds"`
	CurrentRound int   `json:"current_round"`
	Phase        Phase `json:"phase"`
	WorkSeconds  int   `json:"work_seconds"`
	RestSeconds  int   `json:"rest_seconds"`
}

func (s *IntervalState) Kind() Kind { return KindInterval }

func (s *IntervalState) clone() SubState {
	c := *s
	return &c
}

func (s *IntervalState) normalize() {
	if s.Phase == "" {
		s.Phase = PhaseWarmup
	}
}

// EnduranceState is the sub-state of a distance/duration based session.
type EnduranceState struct {
	TargetDistanceM float64   `json:"target_distance_m"`
	DistanceM       float64   `json:"distance_m"`
	SplitSeconds    []float64 `json:"split_seconds"`
}

func (s *EnduranceState) Kind() Kind { return KindEndurance }

func (s *EnduranceState) clone() SubState {
	c := *s
	c.SplitSeconds = make([]float64, len(s.SplitSeconds))
	copy(c.SplitSeconds, s.SplitSeconds)
	return &c
}

func (s *EnduranceState) normalize() {
	if s.SplitSeconds == nil {
		s.SplitSeconds = []float64{}
	}
}

// HoldProgress tracks one stretch or pose inside a mobility session.
type HoldProgress struct {
	Name          string `json:"name"`
	TargetSeconds int    `json:"target_seconds"`
	HeldSeconds   int    `json:"held_seconds"`
}

// MobilityState is the sub-state of a hold based session.
type MobilityState struct {
	Holds       []HoldProgress `json:"holds"`
	CurrentHold int            `json:"current_hold"`
}

func (s *MobilityState) Kind() Kind { return KindMobility }

func (s *MobilityState) clone() SubState {
	c := *s
	c.Holds = make([]HoldProgress, len(s.Holds))
	copy(c.Holds, s.Holds)
	return &c
}

func (s *MobilityState) normalize() {
	if s.Holds == nil {
		s.Holds = []HoldProgress{}
	}
}

// State is the full snapshot of one live training session. It is owned by the
// Manager; callers only ever see clones.
type State struct {
	SessionID       string
	WorkoutID       string
	EventID         string
	Kind            Kind
	StartedAt       time.Time
	LastUpdatedAt   time.Time
	OverallProgress int
	Paused          bool
	Completed       bool
	Metrics         map[string]float64
	Sub             SubState
}

// CurrentPhase returns the interval phase, or "" for kinds that have none.
func (s *State) CurrentPhase() Phase {
	if iv, ok := s.Sub.(*IntervalState); ok {
		return iv.Phase
	}
	return ""
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	c := *s
	c.Metrics = make(map[string]float64, len(s.Metrics))
	for k, v := range s.Metrics {
		c.Metrics[k] = v
	}
	if s.Sub != nil {
		c.Sub = s.Sub.clone()
	}
	return &c
}

// stateJSON is the serialized representation of a State. The sub-state is
// dispatched on the kind tag.
type stateJSON struct {
	SessionID       string             `json:"session_id"`
	WorkoutID       string             `json:"workout_id"`
	EventID         string             `json:"event_id,omitempty"`
	Kind            Kind               `json:"kind"`
	StartedAt       time.Time          `json:"started_at"`
	LastUpdatedAt   time.Time          `json:"last_updated_at"`
	OverallProgress int                `json:"overall_progress"`
	Paused          bool               `json:"paused"`
	Completed       bool               `json:"completed"`
	Metrics         map[string]float64 `json:"metrics"`
	Sub             json.RawMessage    `json:"sub,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s *State) MarshalJSON() ([]byte, error) {
	data := stateJSON{
		SessionID:       s.SessionID,
		WorkoutID:       s.WorkoutID,
		EventID:         s.EventID,
		Kind:            s.Kind,
		StartedAt:       s.StartedAt,
		LastUpdatedAt:   s.LastUpdatedAt,
		OverallProgress: s.OverallProgress,
		Paused:          s.Paused,
		Completed:       s.Completed,
		Metrics:         s.Metrics,
	}
	if s.Sub != nil {
		sub, err := json.Marshal(s.Sub)
		if err != nil {
			return nil, err
		}
		data.Sub = sub
	}
	return json.Marshal(data)
}

// UnmarshalJSON implements json.Unmarshaler. An unknown kind tag is an error
// so that a corrupt or newer-format slot is detected, not silently accepted.
func (s *State) UnmarshalJSON(b []byte) error {
	var data stateJSON
	if err := json.Unmarshal(b, &data); err != nil {
		return err
	}

	s.SessionID = data.SessionID
	s.WorkoutID = data.WorkoutID
	s.EventID = data.EventID
	s.Kind = data.Kind
	s.StartedAt = data.StartedAt
	s.LastUpdatedAt = data.LastUpdatedAt
	s.OverallProgress = data.OverallProgress
	s.Paused = data.Paused
	s.Completed = data.Completed
	s.Metrics = data.Metrics
	if s.Metrics == nil {
		s.Metrics = make(map[string]float64)
	}

	sub, err := newSubState(data.Kind)
	if err != nil {
		return err
	}
	if len(data.Sub) > 0 {
		if err := json.Unmarshal(data.Sub, sub); err != nil {
			return err
		}
	}
	sub.normalize()
	s.Sub = sub
	return nil
}

// newSubState returns the zero value of the sub-state for kind.
func newSubState(kind Kind) (SubState, error) {
	switch kind {
	case KindStrength:
		return &StrengthState{}, nil
	case KindInterval:
		return &IntervalState{}, nil
	case KindEndurance:
		return &EnduranceState{}, nil
	case KindMobility:
		return &MobilityState{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
