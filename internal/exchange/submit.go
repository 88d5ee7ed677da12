package exchange

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/soradev/kabu-assist/internal/types"
)

// SubmitStep is one phase of the brokerage's order submission chain.
// Every order walks input, confirm, execute in that fixed sequence,
// carrying forward a registration id extracted from each response.
type SubmitStep int

const (
	StepInput SubmitStep = iota
	StepConfirm
	StepExecute
)

func (s SubmitStep) String() string {
	switch s {
	case StepInput:
		return "input"
	case StepConfirm:
		return "confirm"
	case StepExecute:
		return "execute"
	}
	return "unknown"
}

// SubmitRequest is what one protocol step needs: the order, the account
// password (only the input and confirm steps carry it), the kind of
// control being exercised and its target, and the registration id
// extracted from the previous step.
type SubmitRequest struct {
	Order         types.Order
	Password      string
	TargetOrderID int       // correct/cancel only
	BargainDate   types.Day // repayment only
	BargainPrice  float64   // repayment only
	RegistID      int64
}

// StepResult is the structured extract of one step's response page.
// RegistID drives the next step; Response and ServerTime are only
// meaningful after StepExecute.
type StepResult struct {
	RegistID   int64
	Response   types.OrderResponse
	ServerTime time.Time
}

// Transport performs one submission step against the brokerage and
// extracts the structured result. A negative RegistID or an error
// aborts the whole chain.
type Transport interface {
	Step(ctx context.Context, step SubmitStep, req SubmitRequest) (StepResult, error)
}

type submitState int

const (
	awaitingInput submitState = iota
	awaitingConfirm
	awaitingExecute
	submitDone
)

// Submit drives one order through the input, confirm, execute chain and
// reports the final outcome through cb, exactly once. Any step failing
// or returning a negative registration id completes the submission as a
// failure with no further requests.
func Submit(ctx context.Context, tr Transport, req SubmitRequest, cb OrderCallback) {
	state := awaitingInput
	var final StepResult

	for state != submitDone {
		var step SubmitStep
		switch state {
		case awaitingInput:
			step = StepInput
		case awaitingConfirm:
			step = StepConfirm
		case awaitingExecute:
			step = StepExecute
			// Execution does not re-send the password.
			req.Password = ""
		}

		res, err := tr.Step(ctx, step, req)
		if err != nil {
			log.Error().Err(err).Stringer("step", step).
				Stringer("code", req.Order.Code).Msg("order submission step failed")
			cb(false, types.OrderResponse{}, time.Now())
			return
		}
		if res.RegistID < 0 {
			log.Error().Stringer("step", step).Int64("regist_id", res.RegistID).
				Stringer("code", req.Order.Code).Msg("order submission step rejected")
			cb(false, types.OrderResponse{}, res.ServerTime)
			return
		}

		req.RegistID = res.RegistID
		switch state {
		case awaitingInput:
			state = awaitingConfirm
		case awaitingConfirm:
			state = awaitingExecute
		case awaitingExecute:
			final = res
			state = submitDone
		}
	}

	cb(true, final.Response, final.ServerTime)
}
