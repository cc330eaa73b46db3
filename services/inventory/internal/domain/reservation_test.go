package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReservationStatus_Transitions(t *testing.T) {
	all := []ReservationStatus{StatusReserved, StatusDebited, StatusReleased}

	for _, from := range all {
		for _, to := range all {
			want := from == StatusReserved && to != StatusReserved
			require.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestReservationStatus_TerminalNeverMoves(t *testing.T) {
	require.False(t, StatusReserved.IsTerminal())
	require.True(t, StatusDebited.IsTerminal())
	require.True(t, StatusReleased.IsTerminal())

	require.False(t, StatusDebited.CanTransitionTo(StatusReleased))
	require.False(t, StatusReleased.CanTransitionTo(StatusDebited))
}

func TestParseReservationStatus(t *testing.T) {
	for _, s := range []ReservationStatus{StatusReserved, StatusDebited, StatusReleased} {
		parsed, err := ParseReservationStatus(s.String())
		require.NoError(t, err)
		require.Equal(t, s, parsed)
	}

	_, err := ParseReservationStatus("pending")
	require.Error(t, err)
	require.Equal(t, "ReservationStatus(0)", ReservationStatus(0).String())
}

func TestReservationResult_FailureReason(t *testing.T) {
	res := ReservationResult{Items: []ItemResult{
		{ProductID: 1, Status: ItemRolledBack, Reason: "rolled back"},
		{ProductID: 2, Status: ItemInsufficientStock, Reason: "insufficient stock for product 2"},
	}}

	require.Equal(t, "insufficient stock for product 2", res.FailureReason())
	require.Equal(t, "reservation rejected", ReservationResult{}.FailureReason())
}
