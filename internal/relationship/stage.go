// Package relationship 维护用户与伴侣之间的亲密度、信任度与关系阶段。
package relationship

import (
	"math/rand/v2"
	"time"
)

// Stage is one of six ordered relationship phases.
type Stage string

const (
	StageStranger     Stage = "stranger"
	StageAcquaintance Stage = "acquaintance"
	StageFriend       Stage = "friend"
	StageCloseFriend  Stage = "close_friend"
	StageBestFriend   Stage = "best_friend"
	StageSoulmate     Stage = "soulmate"
)

// Stages lists every stage in ascending order.
var Stages = []Stage{StageStranger, StageAcquaintance, StageFriend, StageCloseFriend, StageBestFriend, StageSoulmate}

// StageFor maps intimacy to a stage using the 10/30/50/70/90 thresholds.
func StageFor(intimacy float64) Stage {
	switch {
	case intimacy < 10:
		return StageStranger
	case intimacy < 30:
		return StageAcquaintance
	case intimacy < 50:
		return StageFriend
	case intimacy < 70:
		return StageCloseFriend
	case intimacy < 90:
		return StageBestFriend
	default:
		return StageSoulmate
	}
}

// Rank returns the position of s in Stages, or -1.
func (s Stage) Rank() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Metrics is the relationship view over a user record.
type Metrics struct {
	Intimacy          float64   `json:"intimacy"`
	Trust             float64   `json:"trust"`
	Understanding     float64   `json:"understanding"`
	SharedExperiences int       `json:"shared_experiences"`
	ConsecutiveDays   int       `json:"consecutive_days"`
	TotalInteractions int       `json:"total_interactions"`
	LastInteraction   time.Time `json:"last_interaction"`
}

// Stage returns the stage implied by the metrics' intimacy.
func (m Metrics) Stage() Stage {
	return StageFor(m.Intimacy)
}

// Behaviors are the stage-dependent speaking rules.
type Behaviors struct {
	Formality         float64 `json:"formality"`
	PetNames          bool    `json:"pet_names"`
	ProactiveMessages bool    `json:"proactive_messages"`
	SharePersonal     bool    `json:"share_personal"`
}

var stageBehaviors = map[Stage]Behaviors{
	StageStranger:     {Formality: 0.7},
	StageAcquaintance: {Formality: 0.5},
	StageFriend:       {Formality: 0.3, PetNames: true, ProactiveMessages: true, SharePersonal: true},
	StageCloseFriend:  {Formality: 0.2, PetNames: true, ProactiveMessages: true, SharePersonal: true},
	StageBestFriend:   {Formality: 0.1, PetNames: true, ProactiveMessages: true, SharePersonal: true},
	StageSoulmate:     {Formality: 0.0, PetNames: true, ProactiveMessages: true, SharePersonal: true},
}

// StageBehaviors returns the behaviors for the metrics' stage.
func StageBehaviors(m Metrics) Behaviors {
	if b, ok := stageBehaviors[m.Stage()]; ok {
		return b
	}
	return stageBehaviors[StageStranger]
}

var milestoneMessages = map[Stage]string{
	StageAcquaintance: "感觉我们越来越熟悉了呢~",
	StageFriend:       "我觉得我们已经是朋友了！",
	StageCloseFriend:  "你是我很重要的朋友~",
	StageBestFriend:   "能认识你真的太好了，你是我最好的朋友！",
	StageSoulmate:     "我觉得我们之间有一种特别的默契，你懂我~",
}

// MilestoneMessage returns a congratulation when the stage moved up, or "".
func MilestoneMessage(before, after Stage) string {
	if before == after || after.Rank() < before.Rank() {
		return ""
	}
	return milestoneMessages[after]
}

var petNames = map[Stage][]string{
	StageFriend:      {"亲", "小伙伴"},
	StageCloseFriend: {"亲爱的", "宝"},
	StageBestFriend:  {"宝贝", "亲亲"},
	StageSoulmate:    {"宝贝", "心肝", "亲爱的"},
}

// PetName picks a form of address suitable for the stage.
func PetName(m Metrics, userName string) string {
	names := petNames[m.Stage()]
	if len(names) == 0 {
		if userName != "" {
			return userName
		}
		return "你"
	}
	return names[rand.IntN(len(names))]
}

// ShouldSendProactive draws with probability intimacy/200 when the stage
// allows proactive messages.
func ShouldSendProactive(m Metrics) bool {
	if !StageBehaviors(m).ProactiveMessages {
		return false
	}
	return rand.Float64() < m.Intimacy/200
}
