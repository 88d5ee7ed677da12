package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soradev/kabu-assist/internal/types"
)

// scriptedTransport replays canned step results and records the calls.
type scriptedTransport struct {
	results []StepResult
	errs    []error
	calls   []SubmitStep
	regIDs  []int64
}

func (t *scriptedTransport) Step(_ context.Context, step SubmitStep, req SubmitRequest) (StepResult, error) {
	i := len(t.calls)
	t.calls = append(t.calls, step)
	t.regIDs = append(t.regIDs, req.RegistID)
	if i < len(t.errs) && t.errs[i] != nil {
		return StepResult{}, t.errs[i]
	}
	return t.results[i], nil
}

func testOrder() types.Order {
	return types.Order{
		Code: 6758, Quantity: 100, Price: 1000,
		Type: types.OrderBuy, Venue: types.VenueTokyo,
	}
}

func TestSubmitWalksAllThreeSteps(t *testing.T) {
	echo := types.OrderResponse{OrderID: 1001, UserOrderID: 1, Type: types.OrderBuy, Code: 6758, Quantity: 100, Price: 1000}
	tr := &scriptedTransport{results: []StepResult{
		{RegistID: 11},
		{RegistID: 22},
		{RegistID: 22, Response: echo, ServerTime: time.Now()},
	}}

	var gotOK bool
	var gotResp types.OrderResponse
	Submit(context.Background(), tr, SubmitRequest{Order: testOrder(), Password: "pw"}, func(ok bool, rcv types.OrderResponse, _ time.Time) {
		gotOK = ok
		gotResp = rcv
	})

	assert.Equal(t, []SubmitStep{StepInput, StepConfirm, StepExecute}, tr.calls)
	// Each step carries forward the registration id the previous one
	// extracted.
	assert.Equal(t, []int64{0, 11, 22}, tr.regIDs)
	assert.True(t, gotOK)
	assert.Equal(t, 1001, gotResp.OrderID)
}

func TestSubmitAbortsOnNegativeRegistID(t *testing.T) {
	tr := &scriptedTransport{results: []StepResult{
		{RegistID: 11},
		{RegistID: -1},
	}}

	called := 0
	var gotOK bool
	Submit(context.Background(), tr, SubmitRequest{Order: testOrder(), Password: "pw"}, func(ok bool, _ types.OrderResponse, _ time.Time) {
		called++
		gotOK = ok
	})

	// The chain stops at confirm; execute is never requested.
	assert.Equal(t, []SubmitStep{StepInput, StepConfirm}, tr.calls)
	require.Equal(t, 1, called)
	assert.False(t, gotOK)
}

func TestSubmitAbortsOnStepError(t *testing.T) {
	tr := &scriptedTransport{
		results: []StepResult{{}},
		errs:    []error{context.DeadlineExceeded},
	}

	var gotOK bool
	Submit(context.Background(), tr, SubmitRequest{Order: testOrder(), Password: "pw"}, func(ok bool, _ types.OrderResponse, _ time.Time) {
		gotOK = ok
	})

	assert.Equal(t, []SubmitStep{StepInput}, tr.calls)
	assert.False(t, gotOK)
}

func TestSubmitDropsPasswordForExecute(t *testing.T) {
	tr := &recordingPasswordTransport{}
	Submit(context.Background(), tr, SubmitRequest{Order: testOrder(), Password: "pw"}, func(bool, types.OrderResponse, time.Time) {})
	require.Len(t, tr.passwords, 3)
	assert.Equal(t, "pw", tr.passwords[0])
	assert.Equal(t, "pw", tr.passwords[1])
	assert.Equal(t, "", tr.passwords[2])
}

type recordingPasswordTransport struct {
	passwords []string
}

func (t *recordingPasswordTransport) Step(_ context.Context, _ SubmitStep, req SubmitRequest) (StepResult, error) {
	t.passwords = append(t.passwords, req.Password)
	return StepResult{RegistID: int64(len(t.passwords))}, nil
}
