package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// failing returns an op that fails n times with err, then returns "ok".
func failing(n int, err error, calls *int) func(context.Context, Exchange) (string, error) {
	return func(context.Context, Exchange) (string, error) {
		*calls++
		if *calls <= n {
			return "", err
		}
		return "ok", nil
	}
}

func TestSafeRunRetriesNetworkErrors(t *testing.T) {
	env := newTestHandler(t)
	var calls int

	res, err := SafeRun(context.Background(), env.h, failing(3, exchangeErr(ErrNetwork, "timeout"), &calls))
	require.NoError(t, err)
	require.Equal(t, "ok", res)
	require.Equal(t, 4, calls)
	require.False(t, env.h.IsDown())
}

func TestSafeRunMarksDownAfterNetworkBudget(t *testing.T) {
	env := newTestHandler(t)
	var calls int

	_, err := SafeRun(context.Background(), env.h, failing(100, exchangeErr(ErrNetwork, "timeout"), &calls))
	require.ErrorIs(t, err, ErrNetwork)
	require.Equal(t, env.h.cfg.NetworkRetries+1, calls)
	require.True(t, env.h.IsDown())

	// any later success clears the flag
	calls = 0
	_, err = SafeRun(context.Background(), env.h, failing(0, nil, &calls))
	require.NoError(t, err)
	require.False(t, env.h.IsDown())
}

func TestSafeRunResyncsClockOnNonceErrors(t *testing.T) {
	env := newTestHandler(t)
	var calls int

	_, err := SafeRun(context.Background(), env.h, failing(12, exchangeErr(ErrInvalidNonce, "timestamp ahead"), &calls))
	require.NoError(t, err)
	require.Equal(t, 13, calls)
	require.Equal(t, 12, env.paper.Calls("SyncTime"))
}

func TestSafeRunBadResponseMarksDownAtOnce(t *testing.T) {
	env := newTestHandler(t)
	var calls int

	_, err := SafeRun(context.Background(), env.h, failing(1, exchangeErr(ErrBadResponse, "html"), &calls))
	require.ErrorIs(t, err, ErrBadResponse)
	require.Equal(t, 1, calls)
	require.True(t, env.h.IsDown())
}

func TestSafeRunReloadsMarketsOnSymbolErrors(t *testing.T) {
	env := newTestHandler(t)
	var calls int
	loads := env.paper.Calls("LoadMarkets")

	_, err := SafeRun(context.Background(), env.h, failing(100, exchangeErr(ErrExchange, "unknown symbol XYZ"), &calls))
	require.ErrorIs(t, err, ErrExchange)
	require.Equal(t, env.h.cfg.SymbolRetries+1, calls)
	require.Equal(t, loads+env.h.cfg.SymbolRetries, env.paper.Calls("LoadMarkets"))
	require.False(t, env.h.IsDown())
}

func TestSafeRunRetriesUnknownErrors(t *testing.T) {
	env := newTestHandler(t)
	var calls int

	_, err := SafeRun(context.Background(), env.h, failing(2, errors.New("connection reset by peer"), &calls))
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestSafeRunReturnsOtherErrorsImmediately(t *testing.T) {
	for _, kind := range []error{ErrInsufficientFunds, ErrNotSupported, ErrExchange} {
		env := newTestHandler(t)
		var calls int

		_, err := SafeRun(context.Background(), env.h, failing(1, exchangeErr(kind, "nope"), &calls))
		require.ErrorIs(t, err, kind)
		require.Equal(t, 1, calls)
		require.False(t, env.h.IsDown())
	}
}

func TestSafeRunStopsOnCanceledContext(t *testing.T) {
	env := newTestHandler(t)
	ctx, cancel := context.WithCancel(context.Background())
	var calls int

	op := func(context.Context, Exchange) (string, error) {
		calls++
		cancel()
		return "", exchangeErr(ErrNetwork, "timeout")
	}
	_, err := SafeRun(ctx, env.h, op)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
