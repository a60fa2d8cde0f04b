// Package shadow implements the optional host-addressed mirror used to
// catch upper-layer bugs: every program is mirrored here keyed by logical
// page address, and every read is compared against it. A mismatch is
// reported, never fatal — the comparison is purely observational.
package shadow

import "bytes"

// Corruption describes one detected mismatch between a caller's read buffer
// and the mirrored copy of what was last programmed at the same lpa.
type Corruption struct {
	LPA                 uint64
	SubPageIndex        int
	FirstMismatchOffset int
}

// Verifier is a per-Device mirror; it must never be shared between
// emulator instances.
type Verifier struct {
	mirror       []byte
	pageMainSize int64
	hostPageSize int64
	pageMode     bool
}

// New allocates a Verifier sized for the given geometry. physicalPages is
// the total number of (channel, chip, block, page) slots in the device;
// the mirror is large enough to hold one page_main_size slot per possible
// lpa, which bounds both page-mode (one lpa per physical page) and
// subpage-mode (one lpa per host-page-sized sub-page) addressing.
func New(physicalPages int, pageMainSize, hostPageSize int64, pageMode bool) *Verifier {
	return &Verifier{
		mirror:       make([]byte, int64(physicalPages)*pageMainSize),
		pageMainSize: pageMainSize,
		hostPageSize: hostPageSize,
		pageMode:     pageMode,
	}
}

// addr returns the byte offset of lpa's page_main_size-sized slot in
// page-mode (spec.md §4.C: shadow_addr = lpa × page_main_size) or its
// host_page_size-sized slot in subpage-mode (shadow_addr = lpa ×
// host_page_size), and whether lpa falls within the mirror's capacity.
func (v *Verifier) addr(lpa uint64) (int64, bool) {
	stride := v.hostPageSize
	if v.pageMode {
		stride = v.pageMainSize
	}
	base := int64(lpa) * stride
	if base < 0 || base+stride > int64(len(v.mirror)) {
		return 0, false
	}
	return base, true
}

// slotFor returns the mirror slice a given (lpa, sub-page index) pair maps
// to, or nil if lpa is out of the mirror's bounds. In page-mode every
// sub-page of a physical page shares one lpa and is offset within that
// lpa's page_main_size slot; in subpage-mode each sub-page carries its own
// lpa and occupies that lpa's whole host_page_size slot.
func (v *Verifier) slotFor(lpa uint64, subIdx int) []byte {
	base, ok := v.addr(lpa)
	if !ok {
		return nil
	}
	if v.pageMode {
		base += int64(subIdx) * v.hostPageSize
	}
	return v.mirror[base : base+v.hostPageSize]
}

// Mirror records main as the last-programmed content for (lpa, subIdx).
// Out-of-range lpas are silently ignored — the mirror is a diagnostic aid,
// not a source of fatal errors.
func (v *Verifier) Mirror(lpa uint64, subIdx int, main []byte) {
	slot := v.slotFor(lpa, subIdx)
	if slot == nil {
		return
	}
	copy(slot, main)
}

// Compare checks main, a freshly read sub-page, against what was last
// mirrored for (lpa, subIdx). It returns nil when they match or when lpa is
// out of the mirror's bounds (nothing to compare against yet).
func (v *Verifier) Compare(lpa uint64, subIdx int, main []byte) *Corruption {
	slot := v.slotFor(lpa, subIdx)
	if slot == nil {
		return nil
	}
	if bytes.Equal(main, slot) {
		return nil
	}
	pos := firstMismatch(main, slot)
	return &Corruption{LPA: lpa, SubPageIndex: subIdx, FirstMismatchOffset: pos}
}

func firstMismatch(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
