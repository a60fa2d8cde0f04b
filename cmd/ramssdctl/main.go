// Command ramssdctl inspects an emulated SSD's geometry and drives its
// snapshot I/O from the command line, the same small flag-driven-tool shape
// as the teacher's as and mon binaries.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/nrhodes/ramssd/device"
	"github.com/nrhodes/ramssd/geometry"
)

func deviceTypeFromFlag(s string) (geometry.DeviceType, error) {
	switch strings.ToUpper(s) {
	case "RAMDRIVE":
		return geometry.RAMDRIVE, nil
	case "USER_RAMDRIVE":
		return geometry.USER_RAMDRIVE, nil
	case "RAMDRIVE_INTR":
		return geometry.RAMDRIVE_INTR, nil
	case "RAMDRIVE_TIMING":
		return geometry.RAMDRIVE_TIMING, nil
	default:
		return 0, fmt.Errorf("unrecognized device type %q", s)
	}
}

func main() {
	channels := flag.Int("channels", 4, "nr_channels")
	chips := flag.Int("chips", 4, "nr_chips_per_channel")
	blocks := flag.Int("blocks", 64, "nr_blocks_per_chip")
	pages := flag.Int("pages", 128, "nr_pages_per_block")
	subpages := flag.Int("subpages", 128, "nr_subpages_per_block")
	mainSize := flag.Int64("main-size", 8192, "page_main_size in bytes")
	oobSize := flag.Int64("oob-size", 64, "page_oob_size in bytes")
	hostPageSize := flag.Int64("host-page-size", 4096, "host_page_size in bytes")
	devType := flag.String("type", "RAMDRIVE", "RAMDRIVE|USER_RAMDRIVE|RAMDRIVE_INTR|RAMDRIVE_TIMING")
	loadPath := flag.String("load", "", "load a snapshot from this path before reporting geometry")
	savePath := flag.String("save", "", "save the device's backing store (freshly erased, or as loaded by -load) to this path")
	flag.Parse()

	dt, err := deviceTypeFromFlag(*devType)
	if err != nil {
		log.Fatal(err)
	}

	params := geometry.Params{
		NRChannels:         *channels,
		NRChipsPerChannel:  *chips,
		NRBlocksPerChip:    *blocks,
		NRPagesPerBlock:    *pages,
		NRSubpagesPerBlock: *subpages,
		PageMainSize:       *mainSize,
		PageOOBSize:        *oobSize,
		HostPageSize:       *hostPageSize,
		DeviceType:         dt,
	}

	dev, err := device.New(params, func(device.RequestHandle) {})
	if err != nil {
		log.Fatal(err)
	}
	defer dev.Close()

	if *loadPath != "" {
		if err := dev.Load(*loadPath); err != nil {
			log.Fatal(err)
		}
	}

	fmt.Printf("device type:     %s\n", *devType)
	fmt.Printf("ssd size:        %d bytes (%.2f MB)\n", dev.SSDSize(), float64(dev.SSDSize())/(1<<20))
	fmt.Printf("channel size:    %d bytes\n", dev.ChannelSize())
	fmt.Printf("chip size:       %d bytes\n", dev.ChipSize())
	fmt.Printf("block size:      %d bytes\n", dev.BlockSize())
	fmt.Printf("page size:       %d bytes\n", dev.PageSize())
	fmt.Printf("parallel units:  %d\n", dev.ChipsPerSSD())

	if *savePath != "" {
		if err := dev.Save(*savePath); err != nil {
			log.Fatal(err)
		}
		fmt.Fprintf(os.Stderr, "wrote snapshot to %s\n", *savePath)
	}
}
