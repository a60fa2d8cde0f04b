// Package device wires the geometry, page engine, shadow verifier, parallel-
// unit table and timing driver into the single façade upper layers submit
// requests through, the same "own every sub-component, expose one surface"
// shape as a top-level machine struct owning its memory, CPU, and chips.
package device

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nrhodes/ramssd/geometry"
	"github.com/nrhodes/ramssd/pageio"
	"github.com/nrhodes/ramssd/punit"
	"github.com/nrhodes/ramssd/ramsserr"
	"github.com/nrhodes/ramssd/request"
	"github.com/nrhodes/ramssd/shadow"
	"github.com/nrhodes/ramssd/timing"
)

// RequestHandle is delivered to the completion callback exactly once per
// successful Submit. Req.Ret carries the page-engine outcome.
type RequestHandle struct {
	Req *request.Request
}

// config holds the options a caller assembles through New's functional
// options, unexported so the zero value never has to be guessed at.
type config struct {
	verify          bool
	diagnosticBufSz int
}

// Option configures a Device at construction time.
type Option func(*config)

// WithVerification enables or disables the shadow verifier and pageio's
// sub-page DATA-state gating. It defaults to true; pass false to relax both
// to the original driver's non-DATA_CHECK behavior.
func WithVerification(enabled bool) Option {
	return func(c *config) { c.verify = enabled }
}

// WithDiagnosticBuffer sets the capacity of the corruption-report channel.
// Once full, the oldest unread report is dropped to make room for the
// newest; DroppedDiagnostics reports how many were lost this way.
func WithDiagnosticBuffer(n int) Option {
	return func(c *config) { c.diagnosticBufSz = n }
}

const defaultDiagnosticBufSz = 256

// Device is one emulated SSD: its backing store, optional shadow mirror,
// parallel-unit table, and timing driver, reachable only through Submit,
// Save, and Load.
type Device struct {
	params geometry.Params
	store  *geometry.Store
	shadow *shadow.Verifier
	verify bool

	punits *punit.Table
	driver timing.Driver

	onCompletion func(RequestHandle)

	diag    chan shadow.Corruption
	dropped uint64
}

// New allocates a Device for params and starts its timing driver. onCompletion
// is invoked exactly once per successful Submit, from a context that may be
// asynchronous to the caller; it must be reentrancy-safe and non-blocking.
func New(params geometry.Params, onCompletion func(RequestHandle), opts ...Option) (*Device, error) {
	cfg := config{verify: true, diagnosticBufSz: defaultDiagnosticBufSz}
	for _, opt := range opts {
		opt(&cfg)
	}

	store, err := geometry.NewStore(params)
	if err != nil {
		return nil, err
	}

	var sv *shadow.Verifier
	if cfg.verify {
		physicalPages := params.NRChannels * params.NRChipsPerChannel * params.NRBlocksPerChip * params.NRPagesPerBlock
		sv = shadow.New(physicalPages, params.PageMainSize, params.HostPageSize, params.PageMode())
	}

	d := &Device{
		params:       params,
		store:        store,
		shadow:       sv,
		verify:       cfg.verify,
		punits:       punit.New(params.ChipsPerSSD()),
		onCompletion: onCompletion,
		diag:         make(chan shadow.Corruption, cfg.diagnosticBufSz),
	}
	d.driver = timing.New(params.DeviceType, d.scanCompletions)
	return d, nil
}

// Close stops the timing driver, waiting for any in-flight completion scan.
func (d *Device) Close() {
	d.driver.Close()
}

// SetCompletionHandler replaces the completion callback. It exists so a
// client library (memio) can route completions back to its own handle pool
// without New needing to know about that pool at construction time. Callers
// must set it before the first Submit; it is not safe to change concurrently
// with submissions.
func (d *Device) SetCompletionHandler(fn func(RequestHandle)) {
	d.onCompletion = fn
}

// Params returns the geometry this Device was constructed with.
func (d *Device) Params() geometry.Params { return d.params }

// SSDSize is the total size in bytes of the backing store.
func (d *Device) SSDSize() int64 { return d.params.SSDSize() }

// ChannelSize is the number of bytes occupied by one channel.
func (d *Device) ChannelSize() int64 { return d.params.ChannelSize() }

// ChipSize is the number of bytes occupied by one chip.
func (d *Device) ChipSize() int64 { return d.params.ChipSize() }

// BlockSize is the number of bytes occupied by one block.
func (d *Device) BlockSize() int64 { return d.params.BlockSize() }

// PageSize is the number of bytes occupied by one page, main area plus OOB.
func (d *Device) PageSize() int64 { return d.params.PageSize() }

// ChipsPerSSD is the flat count of (channel, chip) parallel units, and the
// count memio sizes its handle pool from.
func (d *Device) ChipsPerSSD() int { return d.params.ChipsPerSSD() }

// PunitBusy reports whether punitID currently has a request in flight.
// Diagnostics/inspection only (e.g. the ramssdmon TUI), never control flow.
func (d *Device) PunitBusy(punitID int) bool { return d.punits.Busy(punitID) }

// NumPunits is the number of (channel, chip) parallel units in the table.
func (d *Device) NumPunits() int { return d.punits.Len() }

// Diagnostics exposes the shadow verifier's corruption reports. It is closed
// never; callers stop reading when they stop caring.
func (d *Device) Diagnostics() <-chan shadow.Corruption { return d.diag }

// DroppedDiagnostics reports how many corruption reports were evicted
// because Diagnostics wasn't being drained fast enough.
func (d *Device) DroppedDiagnostics() uint64 { return d.dropped }

// opKind classifies a request.Type into the action Submit must take.
type opKind int

const (
	opRead opKind = iota
	opReadPartial
	opProgram
	opErase
	opNoop
)

// classify maps a request.Type onto spec.md's req-type-to-operation table.
// The bool is false for any type the dispatcher doesn't recognize.
func classify(t request.Type) (opKind, bool) {
	switch t {
	case request.READ, request.META_READ, request.GC_READ:
		return opRead, true
	case request.RMW_READ:
		return opReadPartial, true
	case request.WRITE, request.META_WRITE, request.GC_WRITE, request.RMW_WRITE:
		return opProgram, true
	case request.GC_ERASE:
		return opErase, true
	case request.READ_DUMMY:
		// Do nothing for READ_DUMMY: a no-op read, kept distinct from TRIM
		// below because the two arrive for different reasons upstream even
		// though both just succeed immediately.
		return opNoop, true
	case request.TRIM:
		// Do nothing for TRIM: the backing store isn't reclaimed.
		return opNoop, true
	default:
		return 0, false
	}
}

// Submit implements spec.md §4.F's four-step dispatch: execute the page
// operation, compute the target latency, claim the request's parallel unit,
// and arm the timing driver. An unrecognized req.Type fails immediately with
// BadRequest; a page-engine error (always BadAddress or GeometryMismatch, a
// programming-invariant fault) is likewise returned directly rather than
// completed, per spec.md §7.
func (d *Device) Submit(req *request.Request) error {
	kind, ok := classify(req.Type)
	if !ok {
		return fmt.Errorf("%w: request type %v", ramsserr.BadRequest, req.Type)
	}

	wantOOB := req.WantOOB && d.params.PageOOBSize > 0

	var touched []bool
	var execErr error
	switch kind {
	case opRead:
		touched, execErr = pageio.ReadPage(d.store, req.Channel, req.Chip, req.Block, req.Page, req.KPStt, req.Main, req.OOB, wantOOB, false, d.verify)
		if execErr == nil {
			d.verifyAfterRead(req, touched)
		}
	case opReadPartial:
		touched, execErr = pageio.ReadPage(d.store, req.Channel, req.Chip, req.Block, req.Page, req.KPStt, req.Main, req.OOB, wantOOB, true, d.verify)
		if execErr == nil {
			d.verifyAfterRead(req, touched)
		}
	case opProgram:
		touched, execErr = pageio.ProgramPage(d.store, req.Channel, req.Chip, req.Block, req.Page, req.KPStt, req.Main, req.OOB, wantOOB, d.verify)
		if execErr == nil {
			d.mirrorAfterProgram(req, touched)
		}
	case opErase:
		execErr = pageio.EraseBlock(d.store, req.Channel, req.Chip, req.Block)
	case opNoop:
	}
	// A page-engine error here is always BadAddress or GeometryMismatch
	// (pageio never returns anything else): a programming-invariant fault,
	// per spec.md §7 surfaced directly to the caller rather than completed,
	// the same way dev_ramssd_send_cmd only registers/schedules a command
	// once __ramssd_send_cmd itself returns success.
	if execErr != nil {
		return execErr
	}
	req.Ret = nil

	targetLatencyUs := timing.TargetLatencyUs(req.Type, d.params)

	if err := d.punits.TryClaim(req.PunitID, RequestHandle{Req: req}, time.Now(), targetLatencyUs); err != nil {
		return err
	}
	d.driver.Arm()
	return nil
}

// shadowLPA returns the lpa a given sub-page's shadow slot is keyed by: in
// page-mode every sub-page of a physical page shares oob[0]; in subpage-mode
// each sub-page carries its own lpa.
func shadowLPA(pageMode bool, oob []byte, subIdx int) uint64 {
	if pageMode {
		return pageio.LPAAt(oob, 0)
	}
	return pageio.LPAAt(oob, subIdx)
}

func (d *Device) mirrorAfterProgram(req *request.Request, touched []bool) {
	if d.shadow == nil || d.params.PageOOBSize == 0 {
		return
	}
	pageMode := d.params.PageMode()
	for i, on := range touched {
		if !on {
			continue
		}
		d.shadow.Mirror(shadowLPA(pageMode, req.OOB, i), i, req.Main[i])
	}
}

func (d *Device) verifyAfterRead(req *request.Request, touched []bool) {
	if d.shadow == nil || d.params.PageOOBSize == 0 {
		return
	}
	pageMode := d.params.PageMode()
	for i, on := range touched {
		if !on {
			continue
		}
		if c := d.shadow.Compare(shadowLPA(pageMode, req.OOB, i), i, req.Main[i]); c != nil {
			d.reportCorruption(*c)
		}
	}
}

// reportCorruption pushes c onto the diagnostic channel, dropping the oldest
// unread report to make room when the channel is full rather than blocking
// the submitting goroutine.
func (d *Device) reportCorruption(c shadow.Corruption) {
	select {
	case d.diag <- c:
		return
	default:
	}
	select {
	case <-d.diag:
		d.dropped++
	default:
	}
	select {
	case d.diag <- c:
	default:
	}
}

// scanCompletions reaps every parallel unit whose target latency has
// elapsed as of now and invokes the completion callback for each, outside
// the parallel-unit table's lock.
func (d *Device) scanCompletions(now time.Time) {
	for _, r := range d.punits.ReapIfDue(now) {
		d.onCompletion(r.Handle.(RequestHandle))
	}
}

// Save writes the entire backing store to path as a single raw blob of
// length SSDSize(). The shadow store is not persisted; it is rebuilt
// implicitly by subsequent writes.
func (d *Device) Save(path string) error {
	if d.store == nil {
		return ramsserr.NotInitialized
	}
	if err := os.WriteFile(path, d.store.Bytes(), 0o644); err != nil {
		return fmt.Errorf("%w: %v", ramsserr.IoError, err)
	}
	return nil
}

// Load overwrites the backing store with the contents of path, which must
// be exactly SSDSize() bytes.
func (d *Device) Load(path string) error {
	if d.store == nil {
		return ramsserr.NotInitialized
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ramsserr.IoError, err)
	}
	defer f.Close()

	if _, err := io.ReadFull(f, d.store.Bytes()); err != nil {
		return fmt.Errorf("%w: %v", ramsserr.IoError, err)
	}
	return nil
}
