// Package memio is the submission client atop device.Device: it turns a
// linear logical-block address space into the physical (channel, chip,
// block, page) requests the dispatcher needs, multiplexing across a fixed
// pool of request handles instead of letting callers touch punit ids
// directly.
package memio

import (
	"fmt"
	"runtime"

	"github.com/nrhodes/ramssd/device"
	"github.com/nrhodes/ramssd/geometry"
	"github.com/nrhodes/ramssd/pageio"
	"github.com/nrhodes/ramssd/ramsserr"
	"github.com/nrhodes/ramssd/request"
	"golang.org/x/sync/semaphore"
)

// IOSize is the fixed granularity of a Read/Write, one physical page.
const IOSize = 8192

// TrimLBAs is the lba alignment Trim requires, and the number of io_size
// chunks one trim segment spans.
const TrimLBAs = 1 << 14

// yieldEvery is how many failed handle-acquisition attempts pass before a
// spinning goroutine yields, mirroring bdbm_thread_nanosleep's cnt%64 check.
const yieldEvery = 64

// waitStallLimit is how many failed polls of a single handle in Wait before
// its last request is re-issued, against lost completions in unreliable
// timing modes.
const waitStallLimit = 500000

// handle is one slot of the fixed-size request-handle pool, guarded by a
// binary semaphore: acquired while a request is outstanding, released by the
// device's completion callback.
type handle struct {
	sem *semaphore.Weighted
	req *request.Request
}

// Session is a submitter bound to one Device, deriving its handle-pool size
// from the device's own geometry rather than a hardcoded constant.
type Session struct {
	dev     *device.Device
	handles []handle
}

// Open binds a Session to dev, sizing the handle pool to
// dev.ChipsPerSSD() parallel units and installing itself as dev's
// completion handler. dev's backing geometry must use a page_main_size of
// IOSize, since one io_size chunk maps 1:1 onto one physical page.
func Open(dev *device.Device) (*Session, error) {
	params := dev.Params()
	if params.PageMainSize != IOSize {
		return nil, fmt.Errorf("%w: memio requires page_main_size=%d, got %d", ramsserr.GeometryMismatch, IOSize, params.PageMainSize)
	}

	nrPunits := dev.ChipsPerSSD()
	s := &Session{dev: dev, handles: make([]handle, nrPunits)}
	for i := range s.handles {
		s.handles[i].sem = semaphore.NewWeighted(1)
	}
	dev.SetCompletionHandler(s.onCompletion)
	return s, nil
}

func (s *Session) onCompletion(h device.RequestHandle) {
	s.handles[h.Req.Tag].sem.Release(1)
}

// allocHandle busy-waits for a free handle, yielding every 64th failed
// sweep across the pool so the scheduler can run whoever is about to
// release one.
func (s *Session) allocHandle() int {
	attempts := 0
	for {
		for i := range s.handles {
			if s.handles[i].sem.TryAcquire(1) {
				return i
			}
		}
		attempts++
		if attempts%yieldEvery == 0 {
			runtime.Gosched()
		}
	}
}

// physAddrForLBA maps a linear lba onto a physical page in canonical
// channel-major order, the inverse of geometry's own offset formula.
func physAddrForLBA(params geometry.Params, lba uint64) (ch, chip, blk, pg, punitID int) {
	totalPages := params.NRChannels * params.NRChipsPerChannel * params.NRBlocksPerChip * params.NRPagesPerBlock
	idx := int(lba % uint64(totalPages))

	pg = idx % params.NRPagesPerBlock
	idx /= params.NRPagesPerBlock
	blk = idx % params.NRBlocksPerChip
	idx /= params.NRBlocksPerChip
	chip = idx % params.NRChipsPerChannel
	idx /= params.NRChipsPerChannel
	ch = idx

	punitID = ch*params.NRChipsPerChannel + chip
	return
}

// do drains length/IOSize host buffers from data into reqType requests
// starting at lba, acquiring a handle per request the same way
// __memio_do_io does.
func (s *Session) do(reqType request.Type, lba uint64, length uint64, data []byte) (int64, error) {
	if length%IOSize != 0 {
		return 0, fmt.Errorf("%w: length %d is not a multiple of io_size %d", ramsserr.BadRequest, length, IOSize)
	}

	params := s.dev.Params()
	kpagesPerPage := params.KPagesPerPage()
	hostPageSize := params.HostPageSize

	var sent int64
	curLBA := lba
	cur := data
	n := length / IOSize
	for i := uint64(0); i < n; i++ {
		idx := s.allocHandle()

		ch, chip, blk, pg, punitID := physAddrForLBA(params, curLBA)

		main := make([][]byte, kpagesPerPage)
		kpStt := make([]pageio.SubpageState, kpagesPerPage)
		for k := 0; k < kpagesPerPage; k++ {
			main[k] = cur[int64(k)*hostPageSize : int64(k+1)*hostPageSize]
			kpStt[k] = pageio.DATA
		}

		oob := make([]byte, params.PageOOBSize)
		if params.PageOOBSize >= 8 {
			pageio.PutLPAAt(oob, 0, curLBA)
		}

		req := &request.Request{
			Type: reqType, Channel: ch, Chip: chip, Block: blk, Page: pg, PunitID: punitID,
			Main: main, KPStt: kpStt, OOB: oob, WantOOB: true, Tag: idx,
		}
		s.handles[idx].req = req

		if err := s.dev.Submit(req); err != nil {
			s.handles[idx].sem.Release(1)
			return sent, err
		}

		curLBA++
		cur = cur[IOSize:]
		sent += IOSize
	}
	return sent, nil
}

// Read issues length/IOSize READ requests starting at lba into data. length
// must be a multiple of IOSize.
func (s *Session) Read(lba, length uint64, data []byte) (int64, error) {
	return s.do(request.READ, lba, length, data)
}

// Write issues length/IOSize WRITE requests starting at lba from data.
// length must be a multiple of IOSize.
func (s *Session) Write(lba, length uint64, data []byte) (int64, error) {
	return s.do(request.WRITE, lba, length, data)
}

// Trim issues one GC_ERASE per parallel unit for every trim_lbas-aligned
// segment in [lba, lba+length). lba must be a multiple of TrimLBAs and
// length a multiple of TrimLBAs*IOSize.
func (s *Session) Trim(lba, length uint64) (int64, error) {
	if lba%TrimLBAs != 0 {
		return 0, fmt.Errorf("%w: lba %d is not aligned to trim_lbas %d", ramsserr.BadRequest, lba, TrimLBAs)
	}
	trimSize := uint64(TrimLBAs) * IOSize
	if length%trimSize != 0 {
		return 0, fmt.Errorf("%w: length %d is not a multiple of trim_size %d", ramsserr.BadRequest, length, trimSize)
	}

	params := s.dev.Params()
	nrPunits := len(s.handles)

	var sent int64
	curLBA := lba
	for curLBA < lba+(length/IOSize) {
		segment := int((curLBA - lba) / TrimLBAs)
		for i := 0; i < nrPunits; i++ {
			idx := s.allocHandle()

			ch := i / params.NRChipsPerChannel
			chip := i % params.NRChipsPerChannel
			blk := segment % params.NRBlocksPerChip

			req := &request.Request{
				Type: request.GC_ERASE, Channel: ch, Chip: chip, Block: blk, PunitID: i, Tag: idx,
			}
			s.handles[idx].req = req

			if err := s.dev.Submit(req); err != nil {
				s.handles[idx].sem.Release(1)
				return sent, err
			}
		}
		curLBA += TrimLBAs
		sent += int64(trimSize)
	}
	return sent, nil
}

// Wait blocks until every handle's semaphore is free. A handle that stays
// busy past 500,000 polls has its last request re-issued, the self-healing
// behavior that covers a lost completion in an unreliable timing mode.
func (s *Session) Wait() {
	stalls := make([]int, len(s.handles))
	pending := len(s.handles)
	done := make([]bool, len(s.handles))

	for pending > 0 {
		for i := range s.handles {
			if done[i] {
				continue
			}
			if s.handles[i].sem.TryAcquire(1) {
				s.handles[i].sem.Release(1)
				done[i] = true
				pending--
				continue
			}
			stalls[i]++
			if stalls[i] >= waitStallLimit {
				if req := s.handles[i].req; req != nil {
					_ = s.dev.Submit(req)
				}
				stalls[i] = 0
			}
		}
	}
}

// Close drains every outstanding request and stops the device's timing
// driver.
func (s *Session) Close() {
	s.Wait()
	s.dev.Close()
}
