package orchestrator

import (
	"eduhelper/state"
)

type handlerFunc func(o *Orchestrator, t *turn) error

// transitions maps every (stage, event) pair to its handler.
var transitions = map[state.Stage]map[EventKind]handlerFunc{
	state.StageAwaitingQuestion: {
		EventText:    (*Orchestrator).startTask,
		EventImage:   (*Orchestrator).startTask,
		EventVoice:   (*Orchestrator).startTask,
		EventSkip:    (*Orchestrator).invalid,
		EventConfirm: (*Orchestrator).invalid,
		EventEdit:    (*Orchestrator).invalid,
		EventCancel:  (*Orchestrator).nothingToCancel,
	},
	state.StageInterview: {
		EventText:    (*Orchestrator).answerInterview,
		EventImage:   (*Orchestrator).startTask,
		EventVoice:   (*Orchestrator).startTask,
		EventSkip:    (*Orchestrator).skipInterview,
		EventConfirm: (*Orchestrator).invalid,
		EventEdit:    (*Orchestrator).invalid,
		EventCancel:  (*Orchestrator).cancel,
	},
	state.StageAwaitingPlanConfirm: {
		EventText:    (*Orchestrator).editPlan,
		EventImage:   (*Orchestrator).startTask,
		EventVoice:   (*Orchestrator).startTask,
		EventSkip:    (*Orchestrator).invalid,
		EventConfirm: (*Orchestrator).confirmPlan,
		EventEdit:    (*Orchestrator).editPlan,
		EventCancel:  (*Orchestrator).cancel,
	},
	// A Processing state seen here was left behind by an interrupted run;
	// in-flight runs hold the user's gate.
	state.StageProcessing: {
		EventText:    (*Orchestrator).recoverInterrupted,
		EventImage:   (*Orchestrator).recoverInterrupted,
		EventVoice:   (*Orchestrator).recoverInterrupted,
		EventSkip:    (*Orchestrator).recoverInterrupted,
		EventConfirm: (*Orchestrator).recoverInterrupted,
		EventEdit:    (*Orchestrator).recoverInterrupted,
		EventCancel:  (*Orchestrator).cancel,
	},
}
