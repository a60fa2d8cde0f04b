// Package pageio performs the read/program/erase operations against a
// geometry.Store, honoring the sub-page DATA/HOLE/DONE gating rules that let
// an upper layer partially fill a flash page the way real NAND only allows
// 1->0 transitions within a program.
package pageio

import (
	"encoding/binary"
	"fmt"

	"github.com/nrhodes/ramssd/geometry"
	"github.com/nrhodes/ramssd/ramsserr"
)

// SubpageState is the per-sub-page flag an upper-layer cache maintains.
// DONE is a bit, not an exclusive value, so it can be combined with DATA or
// HOLE (e.g. a sub-page already read earlier in a partial fill).
type SubpageState uint8

const (
	HOLE SubpageState = 0
	DATA SubpageState = 1 << 0
	DONE SubpageState = 1 << 1
)

// Done reports whether the DONE bit is set.
func (s SubpageState) Done() bool {
	return s&DONE == DONE
}

// HoleLPA is the sentinel logical page address meaning "no data here".
// Both an all-ones 64-bit value and a negative signed reading of it mean
// the same sentinel; since lpa is stored unsigned, only the all-ones check
// has any effect and is the only one implemented.
const HoleLPA = ^uint64(0)

// IsHoleLPA reports whether lpa is the "no data" sentinel.
func IsHoleLPA(lpa uint64) bool {
	return lpa == HoleLPA
}

// LPAAt decodes the little-endian 64-bit logical page address stored at
// sub-page index idx of an OOB buffer.
func LPAAt(oob []byte, idx int) uint64 {
	off := idx * 8
	return binary.LittleEndian.Uint64(oob[off : off+8])
}

// PutLPAAt encodes lpa as the little-endian 64-bit value at sub-page index
// idx of an OOB buffer.
func PutLPAAt(oob []byte, idx int, lpa uint64) {
	off := idx * 8
	binary.LittleEndian.PutUint64(oob[off:off+8], lpa)
}

// ReadPage copies host-page-sized sub-pages from the backing store into
// mainBufs, honoring partial RMW reads and the DONE skip. When verify is
// true and partial is false, sub-pages whose state isn't DATA are also
// skipped (the original driver's DATA_CHECK behavior, tied to shadow
// verification). The returned touched slice marks which sub-pages were
// actually copied from backing, so a caller doing shadow verification knows
// which ones to compare without re-deriving this same gating logic.
func ReadPage(store *geometry.Store, ch, chip, blk, pg int, kpStt []SubpageState, mainBufs [][]byte, oobBuf []byte, wantOOB, partial, verify bool) (touched []bool, err error) {
	params := store.Params()
	if params.PageMainSize%params.HostPageSize != 0 {
		return nil, fmt.Errorf("%w: page_main_size=%d host_page_size=%d", ramsserr.GeometryMismatch, params.PageMainSize, params.HostPageSize)
	}

	page, err := store.PageAt(ch, chip, blk, pg)
	if err != nil {
		return nil, err
	}

	hostPageSize := params.HostPageSize
	nrKPages := params.KPagesPerPage()
	touched = make([]bool, nrKPages)

	for i := 0; i < nrKPages; i++ {
		if partial && kpStt[i] == DATA {
			continue
		}
		if kpStt[i].Done() {
			continue
		}
		if verify && !partial && kpStt[i] != DATA {
			continue
		}
		src := page[int64(i)*hostPageSize : int64(i+1)*hostPageSize]
		copy(mainBufs[i], src)
		touched[i] = true
	}

	if !partial && wantOOB && oobBuf != nil {
		copy(oobBuf, page[params.PageMainSize:params.PageMainSize+params.PageOOBSize])
	}

	return touched, nil
}

// ProgramPage copies mainBufs into the backing store, skipping any sub-page
// whose lpa is the hole sentinel (subpage-mode only) or whose state isn't
// DATA when verify is true. Sub-pages that are skipped keep whatever
// content the backing store already held. The returned touched slice marks
// which sub-pages were actually persisted, for shadow mirroring.
func ProgramPage(store *geometry.Store, ch, chip, blk, pg int, kpStt []SubpageState, mainBufs [][]byte, oobBuf []byte, wantOOB, verify bool) (touched []bool, err error) {
	params := store.Params()
	if params.PageMainSize%params.HostPageSize != 0 {
		return nil, fmt.Errorf("%w: page_main_size=%d host_page_size=%d", ramsserr.GeometryMismatch, params.PageMainSize, params.HostPageSize)
	}

	page, err := store.PageAt(ch, chip, blk, pg)
	if err != nil {
		return nil, err
	}

	hostPageSize := params.HostPageSize
	nrKPages := params.KPagesPerPage()
	pageMode := params.PageMode()
	touched = make([]bool, nrKPages)

	for i := 0; i < nrKPages; i++ {
		if !pageMode {
			if IsHoleLPA(LPAAt(oobBuf, i)) {
				continue
			}
		}
		if verify && kpStt[i] != DATA {
			continue
		}
		dst := page[int64(i)*hostPageSize : int64(i+1)*hostPageSize]
		copy(dst, mainBufs[i])
		touched[i] = true
	}

	if wantOOB && oobBuf != nil {
		copy(page[params.PageMainSize:params.PageMainSize+params.PageOOBSize], oobBuf)
	}

	return touched, nil
}

// EraseBlock validates the block address but otherwise does nothing: the
// backing store is never reset to 0xFF on erase. Program gating already
// requires the caller to track which sub-pages are free, and a real erase
// only needs to precede the next program of the same cell — so paying for a
// memset here would be pure overhead. Callers that read a page after
// erasing it without reprogramming will see stale content, not 0xFF; this
// is a documented divergence from real flash.
func EraseBlock(store *geometry.Store, ch, chip, blk int) error {
	_, err := store.AddrOfBlock(ch, chip, blk)
	return err
}
