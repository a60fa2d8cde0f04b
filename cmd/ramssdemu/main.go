// Command ramssdemu is a headless load generator that drives a device.Device
// through memio the way c64emu drives a C64 through its main Step loop: wire
// up the emulator, then run a fixed number of iterations against it and
// report what happened.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"

	"github.com/nrhodes/ramssd/device"
	"github.com/nrhodes/ramssd/geometry"
	"github.com/nrhodes/ramssd/memio"
)

func main() {
	channels := flag.Int("channels", 4, "nr_channels")
	chips := flag.Int("chips", 4, "nr_chips_per_channel")
	blocks := flag.Int("blocks", 64, "nr_blocks_per_chip")
	pages := flag.Int("pages", 128, "nr_pages_per_block")
	iterations := flag.Int("iterations", 1000, "number of write/read rounds to run")
	seed := flag.Int64("seed", 1, "PRNG seed for the generated LBA stream")
	timingMode := flag.Bool("timing", false, "run under RAMDRIVE_TIMING instead of RAMDRIVE")
	flag.Parse()

	dt := geometry.RAMDRIVE
	if *timingMode {
		dt = geometry.RAMDRIVE_TIMING
	}

	params := geometry.Params{
		NRChannels:         *channels,
		NRChipsPerChannel:  *chips,
		NRBlocksPerChip:    *blocks,
		NRPagesPerBlock:    *pages,
		NRSubpagesPerBlock: *pages,
		PageMainSize:       memio.IOSize,
		PageOOBSize:        64,
		PageProgTimeUs:     200,
		PageReadTimeUs:     50,
		BlockEraseTimeUs:   1500,
		HostPageSize:       memio.IOSize,
		DeviceType:         dt,
	}

	dev, err := device.New(params, nil)
	if err != nil {
		log.Fatal(err)
	}

	log.Printf("ssd size: %d bytes (%.2f MB) across %d parallel units",
		dev.SSDSize(), float64(dev.SSDSize())/(1<<20), dev.ChipsPerSSD())

	session, err := memio.Open(dev)
	if err != nil {
		log.Fatal(err)
	}
	defer session.Close()

	go drainDiagnostics(dev)

	rng := rand.New(rand.NewSource(*seed))
	totalPages := int64(*channels * *chips * *blocks * *pages)

	var written, read int64
	for i := 0; i < *iterations; i++ {
		lba := uint64(rng.Int63n(totalPages))
		buf := make([]byte, memio.IOSize)
		rng.Read(buf)

		n, err := session.Write(lba, memio.IOSize, buf)
		if err != nil {
			log.Fatalf("write at lba %d: %v", lba, err)
		}
		written += n

		out := make([]byte, memio.IOSize)
		n, err = session.Read(lba, memio.IOSize, out)
		if err != nil {
			log.Fatalf("read at lba %d: %v", lba, err)
		}
		read += n
	}
	session.Wait()

	fmt.Printf("completed %d iterations: %d bytes written, %d bytes read\n", *iterations, written, read)
}

// drainDiagnostics logs every shadow corruption report so a run that hits
// one doesn't silently drop it, the same role c64emu's commented-out timing
// delay loop plays for pacing: a no-op unless something is actually wrong.
func drainDiagnostics(dev *device.Device) {
	for c := range dev.Diagnostics() {
		log.Printf("data corruption: lpa=%d sub-page=%d first mismatch at byte %d",
			c.LPA, c.SubPageIndex, c.FirstMismatchOffset)
	}
}
