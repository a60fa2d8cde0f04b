package timing_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nrhodes/ramssd/geometry"
	"github.com/nrhodes/ramssd/request"
	"github.com/nrhodes/ramssd/timing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timingParams() geometry.Params {
	return geometry.Params{
		NRChannels:        1,
		NRChipsPerChannel: 1,
		NRBlocksPerChip:   1,
		NRPagesPerBlock:   1,
		PageProgTimeUs:    100,
		PageReadTimeUs:    50,
		BlockEraseTimeUs:  2000,
		DeviceType:        geometry.RAMDRIVE_TIMING,
	}
}

// TestTargetLatencyUsAppliesTenPercentHeadroom covers invariant 7: target
// latency is its nominal figure reduced by 10%.
func TestTargetLatencyUsAppliesTenPercentHeadroom(t *testing.T) {
	p := timingParams()
	assert.Equal(t, int64(90), timing.TargetLatencyUs(request.WRITE, p))
	assert.Equal(t, int64(45), timing.TargetLatencyUs(request.READ, p))
	assert.Equal(t, int64(1800), timing.TargetLatencyUs(request.GC_ERASE, p))
}

func TestTargetLatencyUsZeroForNonTimingModes(t *testing.T) {
	p := timingParams()
	p.DeviceType = geometry.RAMDRIVE
	assert.Equal(t, int64(0), timing.TargetLatencyUs(request.WRITE, p))
}

func TestTargetLatencyUsZeroForDummyAndTrim(t *testing.T) {
	p := timingParams()
	assert.Equal(t, int64(0), timing.TargetLatencyUs(request.READ_DUMMY, p))
	assert.Equal(t, int64(0), timing.TargetLatencyUs(request.TRIM, p))
}

func TestSyncDriverRunsInline(t *testing.T) {
	var ran atomic.Bool
	d := timing.NewSync(func(time.Time) { ran.Store(true) })
	d.Arm()
	assert.True(t, ran.Load())
	d.Close()
}

func TestDeferredDriverRunsAsyncThenCloseWaits(t *testing.T) {
	var ran atomic.Bool
	d := timing.NewDeferred(func(time.Time) { ran.Store(true) })
	d.Arm()
	d.Close()
	require.True(t, ran.Load(), "Close must wait for the scheduled scan to finish")
}

func TestDeferredDriverRunsEveryArm(t *testing.T) {
	var count atomic.Int32
	var wg sync.WaitGroup
	d := timing.NewDeferred(func(time.Time) { count.Add(1) })
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Arm()
		}()
	}
	wg.Wait()
	d.Close()
	assert.Equal(t, int32(5), count.Load())
}

func TestTickerDriverScansPeriodically(t *testing.T) {
	hits := make(chan time.Time, 8)
	d := timing.NewTicker(func(now time.Time) { hits <- now }, time.Millisecond)

	for i := 0; i < 2; i++ {
		select {
		case <-hits:
		case <-time.After(time.Second):
			t.Fatal("ticker driver did not scan in time")
		}
	}
	d.Close()
}

func TestNewFallsBackToSyncForUnknownMode(t *testing.T) {
	var ran atomic.Bool
	d := timing.New(geometry.DeviceType(99), func(time.Time) { ran.Store(true) })
	d.Arm()
	assert.True(t, ran.Load())
	d.Close()
}
