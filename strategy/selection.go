package strategy

// Selection is the selector's decision: a primary strategy, the
// reasoning behind it, a confidence score, and up to two secondary
// frameworks worth blending in.
type Selection struct {
	Strategy            Strategy   `json:"strategy"`
	Reasoning           string     `json:"reasoning"`
	Confidence          float64    `json:"confidence"`
	TaskType            string     `json:"task_type"`
	IsOverride          bool       `json:"is_override"`
	SecondaryFrameworks []Strategy `json:"secondary_frameworks"`
}

// NewSelection builds a Selection with its invariants enforced:
// confidence clamps to [0, 1], secondaries cap at two, and the primary
// never repeats among them.
func NewSelection(s Strategy, reasoning string, confidence float64, taskType string, isOverride bool, secondaries []Strategy) Selection {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	filtered := make([]Strategy, 0, 2)
	seen := map[Strategy]bool{s: true}
	for _, sec := range secondaries {
		if seen[sec] {
			continue
		}
		if _, ok := definitions[sec]; !ok {
			continue
		}
		seen[sec] = true
		filtered = append(filtered, sec)
		if len(filtered) == 2 {
			break
		}
	}

	return Selection{
		Strategy:            s,
		Reasoning:           reasoning,
		Confidence:          confidence,
		TaskType:            taskType,
		IsOverride:          isOverride,
		SecondaryFrameworks: filtered,
	}
}
