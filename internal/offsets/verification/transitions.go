package verification

import (
	"carbon-scribe/agri-credit/internal/offsets"
	"carbon-scribe/agri-credit/pkg/workflows"
)

// requestTransitions is the allowed status graph of a verification request
var requestTransitions = map[offsets.RequestStatus][]offsets.RequestStatus{
	offsets.RequestPending: {
		offsets.RequestInReview,
		offsets.RequestApproved,
	},
	offsets.RequestInReview: {
		offsets.RequestApproved,
		offsets.RequestRejected,
		offsets.RequestResubmissionRequired,
		offsets.RequestEscalated,
	},
	offsets.RequestEscalated: {
		offsets.RequestApproved,
		offsets.RequestRejected,
		offsets.RequestResubmissionRequired,
	},
	offsets.RequestResubmissionRequired: {
		offsets.RequestPending,
	},
	offsets.RequestApproved: {},
	offsets.RequestRejected: {},
}

var requestMachine = NewRequestStateMachine()

// NewRequestStateMachine returns the request status machine
func NewRequestStateMachine() *workflows.StateMachine[offsets.RequestStatus] {
	return workflows.NewStateMachine(requestTransitions)
}

// IsTerminal reports whether a request status is final
func IsTerminal(s offsets.RequestStatus) bool {
	return requestMachine.IsTerminal(s)
}
