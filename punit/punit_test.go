package punit_test

import (
	"errors"
	"testing"
	"time"

	"github.com/nrhodes/ramssd/punit"
	"github.com/nrhodes/ramssd/ramsserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryClaimThenDoubleIssue(t *testing.T) {
	table := punit.New(4)
	now := time.Now()

	require.NoError(t, table.TryClaim(2, "req-a", now, 100))

	err := table.TryClaim(2, "req-b", now, 100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ramsserr.DoubleIssue))
}

func TestTryClaimOutOfRange(t *testing.T) {
	table := punit.New(4)
	err := table.TryClaim(99, "req", time.Now(), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ramsserr.BadAddress))
}

func TestReapIfDueRespectsLatencyFloor(t *testing.T) {
	table := punit.New(2)
	start := time.Now()
	require.NoError(t, table.TryClaim(0, "req", start, 100))

	// Not due yet.
	reaped := table.ReapIfDue(start.Add(50 * time.Microsecond))
	assert.Empty(t, reaped)
	assert.True(t, table.Busy(0))

	// Due now.
	reaped = table.ReapIfDue(start.Add(100 * time.Microsecond))
	require.Len(t, reaped, 1)
	assert.Equal(t, 0, reaped[0].PunitID)
	assert.Equal(t, "req", reaped[0].Handle)
	assert.False(t, table.Busy(0))
}

func TestReapIfDueReapsMultipleUnitsInOneTick(t *testing.T) {
	table := punit.New(3)
	start := time.Now()
	require.NoError(t, table.TryClaim(0, "a", start, 10))
	require.NoError(t, table.TryClaim(1, "b", start, 10))
	require.NoError(t, table.TryClaim(2, "c", start, 10000))

	reaped := table.ReapIfDue(start.Add(20 * time.Microsecond))
	assert.Len(t, reaped, 2)
	assert.True(t, table.Busy(2))
}

func TestReclaimAfterCompletion(t *testing.T) {
	table := punit.New(1)
	start := time.Now()
	require.NoError(t, table.TryClaim(0, "first", start, 0))
	table.ReapIfDue(start)
	require.NoError(t, table.TryClaim(0, "second", start, 0))
}
