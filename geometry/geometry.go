// Package geometry owns the flat byte buffer that stands in for an entire
// NAND SSD and the address arithmetic that maps (channel, chip, block, page)
// coordinates onto it.
package geometry

import (
	"fmt"

	"github.com/nrhodes/ramssd/ramsserr"
)

// DeviceType selects the timing emulation mode a Device runs under.
type DeviceType int

const (
	// RAMDRIVE completes requests synchronously, inline with submit.
	RAMDRIVE DeviceType = iota
	// USER_RAMDRIVE behaves like RAMDRIVE; it exists as a distinct value
	// because the original driver distinguished kernel- and user-mode
	// builds of the same synchronous behavior.
	USER_RAMDRIVE
	// RAMDRIVE_INTR defers the completion scan onto another goroutine on
	// every submit, still with zero target latency.
	RAMDRIVE_INTR
	// RAMDRIVE_TIMING arms a periodic ticker and targets a latency close
	// to nominal NAND timing.
	RAMDRIVE_TIMING
)

// Params holds the immutable geometry of one emulated SSD.
type Params struct {
	NRChannels         int
	NRChipsPerChannel  int
	NRBlocksPerChip    int
	NRPagesPerBlock    int
	NRSubpagesPerBlock int
	PageMainSize       int64
	PageOOBSize        int64
	PageProgTimeUs     int64
	PageReadTimeUs     int64
	BlockEraseTimeUs   int64
	DeviceType         DeviceType

	// HostPageSize is the fixed unit upper layers deliver data in,
	// typically 4096 bytes.
	HostPageSize int64
}

// KPagesPerPage returns page_main_size / host_page_size.
func (p Params) KPagesPerPage() int {
	return int(p.PageMainSize / p.HostPageSize)
}

// PageMode reports whether one logical page address covers every sub-page
// of a physical page (nr_subpages_per_block == nr_pages_per_block), as
// opposed to subpage-mode where each sub-page carries its own lpa.
func (p Params) PageMode() bool {
	return p.NRSubpagesPerBlock == p.NRPagesPerBlock
}

// Validate checks the invariants construction depends on.
func (p Params) Validate() error {
	if p.HostPageSize <= 0 {
		return fmt.Errorf("%w: host page size must be positive", ramsserr.GeometryMismatch)
	}
	if p.PageMainSize%p.HostPageSize != 0 {
		return fmt.Errorf("%w: page_main_size=%d host_page_size=%d", ramsserr.GeometryMismatch, p.PageMainSize, p.HostPageSize)
	}
	if p.NRChannels <= 0 || p.NRChipsPerChannel <= 0 || p.NRBlocksPerChip <= 0 || p.NRPagesPerBlock <= 0 {
		return fmt.Errorf("%w: channel/chip/block/page counts must be positive", ramsserr.GeometryMismatch)
	}
	if p.NRSubpagesPerBlock <= 0 {
		return fmt.Errorf("%w: nr_subpages_per_block must be positive", ramsserr.GeometryMismatch)
	}
	return nil
}

// pageStride is the number of bytes one physical page occupies on the
// backing store, including OOB.
func (p Params) pageStride() int64 {
	return p.PageMainSize + p.PageOOBSize
}

// ChannelSize is the number of bytes occupied by one channel.
func (p Params) ChannelSize() int64 {
	return p.ChipSize() * int64(p.NRChipsPerChannel)
}

// ChipSize is the number of bytes occupied by one chip.
func (p Params) ChipSize() int64 {
	return p.BlockSize() * int64(p.NRBlocksPerChip)
}

// BlockSize is the number of bytes occupied by one block.
func (p Params) BlockSize() int64 {
	return p.pageStride() * int64(p.NRPagesPerBlock)
}

// PageSize is the number of bytes occupied by one page, main area plus OOB.
func (p Params) PageSize() int64 {
	return p.pageStride()
}

// ChipsPerSSD is the flat count of (channel, chip) parallel units.
func (p Params) ChipsPerSSD() int {
	return p.NRChannels * p.NRChipsPerChannel
}

// SSDSize is the total size in bytes of the backing store.
func (p Params) SSDSize() int64 {
	return p.ChannelSize() * int64(p.NRChannels)
}

// Store is the contiguous byte buffer standing in for the whole flash
// medium, plus the geometry needed to address it. It is allocated once and
// never resized or relocated for the life of the Device that owns it.
type Store struct {
	buf    []byte
	params Params
}

// NewStore allocates a Store sized for params and fills it with 0xFF, the
// erased-cell value.
func NewStore(params Params) (*Store, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	size := params.SSDSize()
	buf := make([]byte, size)
	fillErased(buf)

	return &Store{buf: buf, params: params}, nil
}

// fillErased sets every byte of buf to 0xFF using the doubling-copy idiom:
// seed one byte, then repeatedly copy what's already filled to cover the
// rest in O(log n) copies instead of a byte-at-a-time loop.
func fillErased(buf []byte) {
	if len(buf) == 0 {
		return
	}
	buf[0] = 0xFF
	for filled := 1; filled < len(buf); filled *= 2 {
		copy(buf[filled:], buf[:filled])
	}
}

// Params returns the geometry this store was built from.
func (s *Store) Params() Params {
	return s.params
}

// Bytes returns the whole backing store. Callers using it for snapshot I/O
// must not retain slices past the Store's lifetime.
func (s *Store) Bytes() []byte {
	return s.buf
}

func (p Params) checkIndices(ch, chip, blk, pg int) error {
	if ch < 0 || ch >= p.NRChannels {
		return fmt.Errorf("%w: channel %d out of range [0,%d)", ramsserr.BadAddress, ch, p.NRChannels)
	}
	if chip < 0 || chip >= p.NRChipsPerChannel {
		return fmt.Errorf("%w: chip %d out of range [0,%d)", ramsserr.BadAddress, chip, p.NRChipsPerChannel)
	}
	if blk < 0 || blk >= p.NRBlocksPerChip {
		return fmt.Errorf("%w: block %d out of range [0,%d)", ramsserr.BadAddress, blk, p.NRBlocksPerChip)
	}
	if pg < 0 || pg >= p.NRPagesPerBlock {
		return fmt.Errorf("%w: page %d out of range [0,%d)", ramsserr.BadAddress, pg, p.NRPagesPerBlock)
	}
	return nil
}

// AddrOfBlock computes the byte offset of the first page of (ch, chip, blk).
func (s *Store) AddrOfBlock(ch, chip, blk int) (int64, error) {
	p := s.params
	if err := p.checkIndices(ch, chip, blk, 0); err != nil {
		return 0, err
	}
	offset := ((int64(ch)*int64(p.NRChipsPerChannel)+int64(chip))*int64(p.NRBlocksPerChip) + int64(blk)) * int64(p.NRPagesPerBlock)
	offset *= p.pageStride()
	return offset, nil
}

// AddrOfPage computes the byte offset of (ch, chip, blk, pg).
func (s *Store) AddrOfPage(ch, chip, blk, pg int) (int64, error) {
	p := s.params
	if err := p.checkIndices(ch, chip, blk, pg); err != nil {
		return 0, err
	}
	offset := (((int64(ch)*int64(p.NRChipsPerChannel)+int64(chip))*int64(p.NRBlocksPerChip)+int64(blk))*int64(p.NRPagesPerBlock) + int64(pg))
	offset *= p.pageStride()
	return offset, nil
}

// PageAt returns the main+OOB slice for one physical page, starting at its
// computed offset.
func (s *Store) PageAt(ch, chip, blk, pg int) ([]byte, error) {
	off, err := s.AddrOfPage(ch, chip, blk, pg)
	if err != nil {
		return nil, err
	}
	return s.buf[off : off+s.params.pageStride()], nil
}
