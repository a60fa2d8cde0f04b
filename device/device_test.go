package device_test

import (
	"bytes"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/nrhodes/ramssd/device"
	"github.com/nrhodes/ramssd/geometry"
	"github.com/nrhodes/ramssd/pageio"
	"github.com/nrhodes/ramssd/ramsserr"
	"github.com/nrhodes/ramssd/request"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams(mode geometry.DeviceType) geometry.Params {
	return geometry.Params{
		NRChannels:         2,
		NRChipsPerChannel:  2,
		NRBlocksPerChip:    2,
		NRPagesPerBlock:    4,
		NRSubpagesPerBlock: 4,
		PageMainSize:       4096,
		PageOOBSize:        128,
		PageProgTimeUs:     100,
		PageReadTimeUs:     50,
		BlockEraseTimeUs:   2000,
		HostPageSize:       4096,
		DeviceType:         mode,
	}
}

func writeReq(ch, chip, blk, pg, punitID int, lpa uint64, fill byte) *request.Request {
	main := make([]byte, 4096)
	for i := range main {
		main[i] = fill
	}
	oob := make([]byte, 128)
	pageio.PutLPAAt(oob, 0, lpa)
	return &request.Request{
		Type:    request.WRITE,
		Channel: ch, Chip: chip, Block: blk, Page: pg, PunitID: punitID,
		Main:    [][]byte{main},
		KPStt:   []pageio.SubpageState{pageio.DATA},
		OOB:     oob,
		WantOOB: true,
	}
}

func readReq(ch, chip, blk, pg, punitID int, lpa uint64) *request.Request {
	oob := make([]byte, 128)
	pageio.PutLPAAt(oob, 0, lpa)
	return &request.Request{
		Type:    request.READ,
		Channel: ch, Chip: chip, Block: blk, Page: pg, PunitID: punitID,
		Main:    [][]byte{make([]byte, 4096)},
		KPStt:   []pageio.SubpageState{pageio.DATA},
		OOB:     oob,
		WantOOB: true,
	}
}

// TestDoubleIssueInDeferredMode covers S4: a second submit to the same
// parallel unit before the first completes fails with DoubleIssue.
func TestDoubleIssueInDeferredMode(t *testing.T) {
	d, err := device.New(testParams(geometry.RAMDRIVE_INTR), func(device.RequestHandle) {})
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Submit(writeReq(0, 1, 0, 0, 3, 1, 0xAA)))
	err = d.Submit(readReq(0, 1, 0, 0, 3, 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ramsserr.DoubleIssue))
}

// TestTimingModeRespectsLatencyFloor covers S5 and invariant 7: a READ in
// RAMDRIVE_TIMING with page_read_time_us=50 must not complete before 45us.
func TestTimingModeRespectsLatencyFloor(t *testing.T) {
	done := make(chan time.Time, 1)
	d, err := device.New(testParams(geometry.RAMDRIVE_TIMING), func(h device.RequestHandle) {
		done <- time.Now()
	})
	require.NoError(t, err)
	defer d.Close()

	submittedAt := time.Now()
	require.NoError(t, d.Submit(readReq(0, 0, 0, 0, 0, 0)))

	select {
	case completedAt := <-done:
		assert.GreaterOrEqual(t, completedAt.Sub(submittedAt), 45*time.Microsecond)
	case <-time.After(time.Second):
		t.Fatal("completion never fired")
	}
}

// TestSnapshotRoundTrip covers S6 and invariant 8: saving and reloading the
// backing store preserves 100 pseudo-random page writes exactly. The random
// addresses repeat on this 32-page geometry, so each address is checked
// against the last write it received.
func TestSnapshotRoundTrip(t *testing.T) {
	params := testParams(geometry.RAMDRIVE)
	d, err := device.New(params, func(device.RequestHandle) {})
	require.NoError(t, err)
	defer d.Close()

	rng := rand.New(rand.NewSource(1))
	type written struct {
		ch, chip, blk, pg int
		lpa               uint64
		data              []byte
	}
	all := map[[4]int]written{}

	for i := 0; i < 100; i++ {
		ch := rng.Intn(params.NRChannels)
		chip := rng.Intn(params.NRChipsPerChannel)
		blk := rng.Intn(params.NRBlocksPerChip)
		pg := rng.Intn(params.NRPagesPerBlock)
		punitID := ch*params.NRChipsPerChannel + chip
		lpa := uint64(i)

		data := make([]byte, 4096)
		rng.Read(data)

		main := make([][]byte, 1)
		main[0] = append([]byte(nil), data...)
		oob := make([]byte, 128)
		pageio.PutLPAAt(oob, 0, lpa)

		req := &request.Request{
			Type: request.WRITE, Channel: ch, Chip: chip, Block: blk, Page: pg, PunitID: punitID,
			Main: main, KPStt: []pageio.SubpageState{pageio.DATA}, OOB: oob, WantOOB: true,
		}
		require.NoError(t, d.Submit(req))
		require.NoError(t, req.Ret)
		all[[4]int{ch, chip, blk, pg}] = written{ch, chip, blk, pg, lpa, data}
	}

	path := filepath.Join(t.TempDir(), "snap.bin")
	require.NoError(t, d.Save(path))

	d2, err := device.New(params, func(device.RequestHandle) {})
	require.NoError(t, err)
	defer d2.Close()
	require.NoError(t, d2.Load(path))

	for _, w := range all {
		punitID := w.ch*params.NRChipsPerChannel + w.chip
		req := readReq(w.ch, w.chip, w.blk, w.pg, punitID, w.lpa)
		require.NoError(t, d2.Submit(req))
		assert.True(t, bytes.Equal(req.Main[0], w.data))
	}
}

// TestShadowConsistencyAfterMatchingWrite covers invariant 9: a read that
// matches what was just programmed never reports corruption.
func TestShadowConsistencyAfterMatchingWrite(t *testing.T) {
	d, err := device.New(testParams(geometry.RAMDRIVE), func(device.RequestHandle) {})
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Submit(writeReq(0, 0, 1, 2, 0, 42, 0x7E)))
	require.NoError(t, d.Submit(readReq(0, 0, 1, 2, 0, 42)))

	select {
	case c := <-d.Diagnostics():
		t.Fatalf("unexpected corruption report: %+v", c)
	default:
	}
}

// TestShadowReportsMismatch covers the other side of invariant 9: a read
// whose OOB carries an lpa that no longer matches what's physically at that
// address (an upper-layer bug: a stale lpa tag) gets reported. The read
// leaves WantOOB off so the stale tag in the caller's OOB is not replaced by
// the OOB read back from the page, and the lpas stay within the mirror's
// one-slot-per-physical-page capacity.
func TestShadowReportsMismatch(t *testing.T) {
	d, err := device.New(testParams(geometry.RAMDRIVE), func(device.RequestHandle) {})
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Submit(writeReq(0, 0, 1, 2, 0, 10, 0x7E)))
	require.NoError(t, d.Submit(writeReq(0, 0, 1, 2, 0, 11, 0x99)))

	req := readReq(0, 0, 1, 2, 0, 10) // stale lpa tag: physical slot now holds lpa 11's data
	req.WantOOB = false
	require.NoError(t, d.Submit(req))

	select {
	case c := <-d.Diagnostics():
		assert.Equal(t, uint64(10), c.LPA)
	default:
		t.Fatal("expected a corruption report")
	}
}

func TestSubmitRejectsUnknownRequestType(t *testing.T) {
	d, err := device.New(testParams(geometry.RAMDRIVE), func(device.RequestHandle) {})
	require.NoError(t, err)
	defer d.Close()

	err = d.Submit(&request.Request{Type: request.Type(99), PunitID: 0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ramsserr.BadRequest))
}

// TestSubmitSurfacesBadAddressDirectly covers spec.md §7: a page-engine
// BadAddress fault (here, a block index out of range) fails Submit itself
// rather than being recorded in req.Ret and completed — it must never claim
// the parallel unit or invoke the completion callback.
func TestSubmitSurfacesBadAddressDirectly(t *testing.T) {
	completed := false
	d, err := device.New(testParams(geometry.RAMDRIVE), func(device.RequestHandle) {
		completed = true
	})
	require.NoError(t, err)
	defer d.Close()

	req := writeReq(0, 0, 99, 0, 1, 1, 0xAA) // block 99 is out of range
	err = d.Submit(req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ramsserr.BadAddress))
	assert.NoError(t, req.Ret)
	assert.False(t, completed)
	assert.False(t, d.PunitBusy(1))
}

func TestSaveWritesBackingStoreToFile(t *testing.T) {
	d, err := device.New(testParams(geometry.RAMDRIVE), func(device.RequestHandle) {})
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.Save(filepath.Join(t.TempDir(), "x.bin")))
}

func TestLoadFailsOnMissingFile(t *testing.T) {
	d, err := device.New(testParams(geometry.RAMDRIVE), func(device.RequestHandle) {})
	require.NoError(t, err)
	defer d.Close()

	err = d.Load(filepath.Join(t.TempDir(), "does-not-exist.bin"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ramsserr.IoError))
}

func TestPunitBusyReflectsInFlightState(t *testing.T) {
	d, err := device.New(testParams(geometry.RAMDRIVE_TIMING), func(device.RequestHandle) {})
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, 4, d.NumPunits())
	assert.False(t, d.PunitBusy(3))

	require.NoError(t, d.Submit(writeReq(0, 1, 0, 0, 3, 1, 0xAA)))
	assert.True(t, d.PunitBusy(3))
	assert.False(t, d.PunitBusy(0))

	assert.Eventually(t, func() bool { return !d.PunitBusy(3) }, time.Second, time.Millisecond)
}

func TestOOBForcedOffWhenGeometryHasNoOOB(t *testing.T) {
	params := testParams(geometry.RAMDRIVE)
	params.PageOOBSize = 0
	d, err := device.New(params, func(device.RequestHandle) {})
	require.NoError(t, err)
	defer d.Close()

	req := writeReq(0, 0, 0, 0, 0, 5, 0x11)
	req.OOB = nil
	require.NoError(t, d.Submit(req))
}
