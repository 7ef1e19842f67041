package domain

import (
	"fmt"
	"strings"
)

// Stage selects which part of an entity pipeline runs.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageProcess Stage = "process"
	StageLoad    Stage = "load"
	StageRun     Stage = "run"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{StageFetch, StageProcess, StageLoad, StageRun}

// ParseStage parses a stage name, case-insensitively.
func ParseStage(raw string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Stages {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", raw)
}
