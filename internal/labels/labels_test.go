package labels

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(sec int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, sec, 0, time.UTC)
}

func spam(neg bool, sec int) Assertion {
	return Assertion{
		URI: "at://did:plc:labeler/label/x", Src: "did:plc:labeler",
		Subject: "did:plc:user", Val: "spam", Neg: neg, CreatedAt: at(sec),
	}
}

func TestResolve_NegationWins(t *testing.T) {
	out := Resolve([]Assertion{spam(false, 1), spam(true, 2)})
	require.Len(t, out, 1)
	assert.True(t, out[0].Neg)
	assert.Equal(t, at(2), out[0].CreatedAt)
}

func TestResolve_ReassertionAfterNegation(t *testing.T) {
	out := Resolve([]Assertion{spam(false, 1), spam(true, 2), spam(false, 3)})
	require.Len(t, out, 1)
	assert.Equal(t, "spam", out[0].Val)
	assert.False(t, out[0].Neg)
}

func TestResolve_OutOfOrderInput(t *testing.T) {
	// Arrival order differs from timestamp order; timestamps decide.
	out := Resolve([]Assertion{spam(true, 2), spam(false, 3), spam(false, 1)})
	require.Len(t, out, 1)
	assert.False(t, out[0].Neg)
	assert.Equal(t, at(3), out[0].CreatedAt)
}

func TestResolve_StaleAssertDoesNotReviveNegatedLabel(t *testing.T) {
	// A redelivered assert older than the negation must lose to it.
	out := Resolve([]Assertion{spam(true, 2), spam(false, 1)})
	require.Len(t, out, 1)
	assert.True(t, out[0].Neg)
	assert.Equal(t, at(2), out[0].CreatedAt)
}

func TestResolve_IndependentKeys(t *testing.T) {
	other := spam(false, 1)
	other.Val = "rude"
	out := Resolve([]Assertion{spam(false, 1), other, spam(true, 2)})
	require.Len(t, out, 2)
	byVal := map[string]Assertion{out[0].Val: out[0], out[1].Val: out[1]}
	assert.False(t, byVal["rude"].Neg)
	assert.True(t, byVal["spam"].Neg)
}

func TestResolve_NegationOfAbsentKeySurvives(t *testing.T) {
	// The negation row is the winner even with nothing to negate, so a
	// late assert still finds it in the store.
	out := Resolve([]Assertion{spam(true, 1)})
	require.Len(t, out, 1)
	assert.True(t, out[0].Neg)
}

func TestResolve_DuplicateAssertionKeepsLatest(t *testing.T) {
	out := Resolve([]Assertion{spam(false, 1), spam(false, 5)})
	require.Len(t, out, 1)
	assert.Equal(t, at(5), out[0].CreatedAt)
}
