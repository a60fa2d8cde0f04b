// Command ramssdmon is an interactive bubbletea inspector over a running
// device.Device: a live grid of parallel-unit busy/idle state plus a
// scrolling log of shadow-verifier corruption reports, in the same
// panel-plus-styled-border shape as the teacher's monitor.Monitor.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nrhodes/ramssd/device"
	"github.com/nrhodes/ramssd/geometry"
	"github.com/nrhodes/ramssd/memio"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	busy      = lipgloss.AdaptiveColor{Light: "#FF6B6B", Dark: "#FF6B6B"}
	idle      = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	titleStyle = lipgloss.NewStyle().Foreground(subtle).Padding(0, 1)

	gridStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(highlight).
			Padding(1).
			Width(40)

	logStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(highlight).
			Padding(1).
			Width(50)

	busyCellStyle = lipgloss.NewStyle().Foreground(busy).Bold(true)
	idleCellStyle = lipgloss.NewStyle().Foreground(idle)
)

// tickMsg drives the periodic re-poll of punit busy state.
type tickMsg struct{}

func doTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(time.Time) tea.Msg { return tickMsg{} })
}

// corruptionMsg carries one shadow-verifier report from the device's
// diagnostic channel into the bubbletea update loop.
type corruptionMsg shadowCorruption

type shadowCorruption struct {
	LPA          uint64
	SubPageIndex int
	Offset       int
}

// model is the bubbletea Model for the punit grid + corruption log.
type model struct {
	dev *device.Device

	width, height int
	corruptions   []shadowCorruption

	filterInput textinput.Model
	showFilter  bool
	punitFilter int
	hasFilter   bool
}

func newModel(dev *device.Device) *model {
	ti := textinput.New()
	ti.Placeholder = "punit id"
	ti.CharLimit = 4
	ti.Width = 6
	return &model{dev: dev, filterInput: ti, punitFilter: -1}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(doTick(), waitForCorruption(m.dev))
}

// waitForCorruption blocks on the diagnostic channel and surfaces the next
// report as a bubbletea message; Update re-arms it after each delivery.
func waitForCorruption(dev *device.Device) tea.Cmd {
	return func() tea.Msg {
		c, ok := <-dev.Diagnostics()
		if !ok {
			return nil
		}
		return corruptionMsg{LPA: c.LPA, SubPageIndex: c.SubPageIndex, Offset: c.FirstMismatchOffset}
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		return m, doTick()

	case corruptionMsg:
		m.corruptions = append(m.corruptions, shadowCorruption(msg))
		if len(m.corruptions) > 200 {
			m.corruptions = m.corruptions[len(m.corruptions)-200:]
		}
		return m, waitForCorruption(m.dev)

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height

	case tea.KeyMsg:
		if m.showFilter {
			switch msg.Type {
			case tea.KeyEnter:
				if id, err := strconv.Atoi(m.filterInput.Value()); err == nil {
					m.punitFilter = id
					m.hasFilter = true
				}
				m.showFilter = false
				return m, nil
			case tea.KeyEsc:
				m.showFilter = false
				return m, nil
			}
			var cmd tea.Cmd
			m.filterInput, cmd = m.filterInput.Update(msg)
			return m, cmd
		}

		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "f":
			m.showFilter = true
			m.filterInput.Focus()
			return m, textinput.Blink
		case "c":
			m.hasFilter = false
		}
	}
	return m, nil
}

func (m *model) formatGrid() string {
	var b strings.Builder
	n := m.dev.NumPunits()
	for i := 0; i < n; i++ {
		if m.hasFilter && i != m.punitFilter {
			continue
		}
		cell := fmt.Sprintf("%3d", i)
		if m.dev.PunitBusy(i) {
			b.WriteString(busyCellStyle.Render(cell))
		} else {
			b.WriteString(idleCellStyle.Render(cell))
		}
		if (i+1)%8 == 0 {
			b.WriteString("\n")
		} else {
			b.WriteString(" ")
		}
	}
	return b.String()
}

func (m *model) formatLog() string {
	var b strings.Builder
	start := 0
	if len(m.corruptions) > 20 {
		start = len(m.corruptions) - 20
	}
	for _, c := range m.corruptions[start:] {
		fmt.Fprintf(&b, "lpa=%d sub=%d off=%d\n", c.LPA, c.SubPageIndex, c.Offset)
	}
	if b.Len() == 0 {
		b.WriteString("(no corruption reported)")
	}
	return b.String()
}

func (m *model) View() string {
	grid := gridStyle.Render(fmt.Sprintf("Parallel Units (%d)\n\n%s", m.dev.NumPunits(), m.formatGrid()))
	clog := logStyle.Render(fmt.Sprintf("Shadow Diagnostics (%d dropped)\n\n%s", m.dev.DroppedDiagnostics(), m.formatLog()))

	content := lipgloss.JoinHorizontal(lipgloss.Top, grid, clog)
	help := titleStyle.Render("f: filter punit • c: clear filter • q: quit")

	if m.showFilter {
		dialog := lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(1).
			Width(30).
			Render("Filter punit id:\n\n" + m.filterInput.View())
		return lipgloss.JoinVertical(lipgloss.Left, content, help, dialog)
	}
	return lipgloss.JoinVertical(lipgloss.Left, content, help)
}

func main() {
	channels := flag.Int("channels", 4, "nr_channels")
	chips := flag.Int("chips", 4, "nr_chips_per_channel")
	blocks := flag.Int("blocks", 64, "nr_blocks_per_chip")
	pages := flag.Int("pages", 128, "nr_pages_per_block")
	flag.Parse()

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
		DeviceType:         geometry.RAMDRIVE_TIMING,
	}

	dev, err := device.New(params, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer dev.Close()

	session, err := memio.Open(dev)
	if err != nil {
		log.Fatal(err)
	}
	defer session.Close()

	// Keep a handful of punits busy so the grid has something to show.
	go func() {
		rng := rand.New(rand.NewSource(1))
		totalPages := int64(*channels * *chips * *blocks * *pages)
		buf := make([]byte, memio.IOSize)
		for {
			lba := uint64(rng.Int63n(totalPages))
			if _, err := session.Write(lba, memio.IOSize, buf); err != nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	p := tea.NewProgram(newModel(dev))
	if _, err := p.Run(); err != nil {
		log.Fatal(err)
	}
}
