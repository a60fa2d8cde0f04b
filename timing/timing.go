// Package timing schedules when a dispatched request is reaped from the
// parallel-unit table, modeling the four device types spec.md §4.E
// describes: a same-goroutine synchronous completion, a deferred completion
// run on another goroutine (RAMDRIVE_INTR's tasklet analogue), and a
// periodic-ticker mode (RAMDRIVE_TIMING) that reaps whatever has crossed its
// target latency on a fixed tick. Any device type this package doesn't
// recognize falls back to synchronous, matching the original driver's
// default case.
package timing

import (
	"sync"
	"time"

	"github.com/nrhodes/ramssd/geometry"
	"github.com/nrhodes/ramssd/request"
)

// tickInterval is how often the ticker-mode driver re-scans the punit table.
const tickInterval = 5 * time.Microsecond

// ScanFunc reaps whatever in the punit table is due as of now and runs the
// completion callback for each. It must be safe to call from any goroutine.
type ScanFunc func(now time.Time)

// Driver arms a scan after a request is dispatched, and stops cleanly on
// Close. Arm must never block on the scan completing.
type Driver interface {
	Arm()
	Close()
}

// New picks the Driver matching mode, falling back to synchronous for a
// device type this package doesn't recognize.
func New(mode geometry.DeviceType, scan ScanFunc) Driver {
	switch mode {
	case geometry.RAMDRIVE, geometry.USER_RAMDRIVE:
		return NewSync(scan)
	case geometry.RAMDRIVE_INTR:
		return NewDeferred(scan)
	case geometry.RAMDRIVE_TIMING:
		return NewTicker(scan, tickInterval)
	default:
		return NewSync(scan)
	}
}

// TargetLatencyUs returns how long, in microseconds, a request of reqType
// should appear to take under params, with the 10% headroom reduction the
// original driver applies so a request's reported completion lands just
// ahead of its nominal timing figure rather than exactly on it. Modes other
// than RAMDRIVE_TIMING complete as soon as they're scanned, so their target
// latency is always zero.
func TargetLatencyUs(reqType request.Type, params geometry.Params) int64 {
	if params.DeviceType != geometry.RAMDRIVE_TIMING {
		return 0
	}

	var t int64
	switch reqType {
	case request.WRITE, request.META_WRITE, request.GC_WRITE, request.RMW_WRITE:
		t = params.PageProgTimeUs
	case request.READ, request.META_READ, request.GC_READ, request.RMW_READ:
		t = params.PageReadTimeUs
	case request.GC_ERASE:
		t = params.BlockEraseTimeUs
	default: // READ_DUMMY, TRIM, anything else completes immediately
		return 0
	}

	return t - t/10
}

// syncDriver reaps inline, on the submitting goroutine.
type syncDriver struct {
	scan ScanFunc
}

// NewSync returns a Driver whose Arm calls scan before returning, matching
// RAMDRIVE and USER_RAMDRIVE's synchronous completion.
func NewSync(scan ScanFunc) Driver {
	return &syncDriver{scan: scan}
}

func (d *syncDriver) Arm() {
	d.scan(time.Now())
}

func (d *syncDriver) Close() {}

// deferredDriver reaps on a freshly spawned goroutine per Arm, modeling
// RAMDRIVE_INTR's tasklet: the submitter returns before completion runs.
type deferredDriver struct {
	scan ScanFunc
	wg   sync.WaitGroup
}

// NewDeferred returns a Driver whose Arm schedules scan asynchronously.
func NewDeferred(scan ScanFunc) Driver {
	return &deferredDriver{scan: scan}
}

func (d *deferredDriver) Arm() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.scan(time.Now())
	}()
}

// Close blocks until every scheduled scan has run.
func (d *deferredDriver) Close() {
	d.wg.Wait()
}

// tickerDriver reaps on a fixed period regardless of Arm, modeling
// RAMDRIVE_TIMING's periodic sweep of the punit table.
type tickerDriver struct {
	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewTicker returns a Driver that scans every interval until Close. Arm is a
// no-op: the ticker runs independently of individual submissions.
func NewTicker(scan ScanFunc, interval time.Duration) Driver {
	d := &tickerDriver{
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case now := <-d.ticker.C:
				scan(now)
			case <-d.done:
				return
			}
		}
	}()
	return d
}

func (d *tickerDriver) Arm() {}

// Close stops the ticker and waits for the scan goroutine to exit.
func (d *tickerDriver) Close() {
	d.ticker.Stop()
	close(d.done)
	d.wg.Wait()
}
