// Command ovmonitor is a terminal dashboard for a running capture
// session (§4.10): records/sec, per-flag error counters, decoder
// subframe-continuity violations, and host CPU/memory, with a
// keybinding to copy the current session summary to the clipboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	psutil "github.com/shirou/gopsutil/v3/cpu"
	psmem "github.com/shirou/gopsutil/v3/mem"

	"ovanalyzer/internal/device"
	"ovanalyzer/internal/firmware"
	"ovanalyzer/internal/monitor"
	"ovanalyzer/internal/transport"
)

var (
	firmwarePath = flag.String("firmware", "", "path to the ov3 firmware archive (default: $OV_FIRMWARE_PACKAGE, then a package shipped alongside the binary)")
	speedFlag    = flag.Uint("speed", 0, "capture speed: 0=high, 1=full, 2=low")
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#FFFF00")).
			Padding(0, 2).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#34D399")).
			Bold(true)

	errorValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#4B5563")).
			Padding(0, 2)

	copyNoticeStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#10B981")).
			Foreground(lipgloss.Color("#FFFFFF")).
			Padding(0, 2).
			Bold(true)
)

type resourceMsg struct {
	cpuPercent float64
	memPercent float64
}

type tickMsg struct{}

type model struct {
	session    *monitor.Session
	resources  resourceMsg
	copyNotice string
	quitting   bool
	cancel     context.CancelFunc
	spinner    spinner.Model
}

func newModel(session *monitor.Session, cancel context.CancelFunc) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = valueStyle
	return model{session: session, cancel: cancel, spinner: sp}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), resourceCmd(), m.spinner.Tick)
}

func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(time.Time) tea.Msg { return tickMsg{} })
}

func resourceCmd() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		cpuPercent, _ := psutil.Percent(0, false)
		memInfo, _ := psmem.VirtualMemory()
		var cpu float64
		if len(cpuPercent) > 0 {
			cpu = cpuPercent[0]
		}
		var mem float64
		if memInfo != nil {
			mem = memInfo.UsedPercent
		}
		return resourceMsg{cpuPercent: cpu, memPercent: mem}
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		case "c":
			summary := m.session.Snapshot().Summary()
			if err := clipboard.WriteAll(summary); err == nil {
				m.copyNotice = "copied session summary to clipboard"
			} else {
				m.copyNotice = "clipboard unavailable: " + err.Error()
			}
			return m, nil
		}
	case tickMsg:
		return m, tickCmd()
	case resourceMsg:
		m.resources = msg
		return m, resourceCmd()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m model) View() string {
	if m.quitting {
		return "capture monitor stopped.\n"
	}

	snap := m.session.Snapshot()

	header := headerStyle.Render(fmt.Sprintf("%s ov3 capture monitor", m.spinner.View()))

	row := func(label string, value string, style lipgloss.Style) string {
		return fmt.Sprintf("%s %s", labelStyle.Render(label+":"), style.Render(value))
	}

	errStyle := func(n uint64) lipgloss.Style {
		if n > 0 {
			return errorValueStyle
		}
		return valueStyle
	}

	lines := []string{
		header,
		"",
		row("packets", fmt.Sprintf("%d", snap.Packets), valueStyle),
		row("rate", fmt.Sprintf("%.1f/s", snap.RecordsPerS), valueStyle),
		row("elapsed", snap.Elapsed.Round(time.Millisecond).String(), valueStyle),
		"",
		row("err", fmt.Sprintf("%d", snap.ErrCount), errStyle(snap.ErrCount)),
		row("ovf", fmt.Sprintf("%d", snap.OvfCount), errStyle(snap.OvfCount)),
		row("clip", fmt.Sprintf("%d", snap.ClipCount), errStyle(snap.ClipCount)),
		row("trunc", fmt.Sprintf("%d", snap.TruncCount), errStyle(snap.TruncCount)),
		row("wtf_subframe", fmt.Sprintf("%d", snap.WTFSubframes), errStyle(snap.WTFSubframes)),
		"",
		row("cpu", fmt.Sprintf("%.1f%%", m.resources.cpuPercent), valueStyle),
		row("mem", fmt.Sprintf("%.1f%%", m.resources.memPercent), valueStyle),
		row("go", runtime.Version(), labelStyle),
	}

	if m.copyNotice != "" {
		lines = append(lines, "", copyNoticeStyle.Render(m.copyNotice))
	}

	lines = append(lines, "", footerStyle.Render("c: copy summary   q: quit"))

	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out
}

func main() {
	flag.Parse()

	path, err := firmware.ResolvePackagePath(*firmwarePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ovmonitor: %v\n", err)
		os.Exit(1)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("ovmonitor: reading firmware: %v", err)
	}
	fw, err := firmware.Open(raw)
	if err != nil {
		log.Fatalf("ovmonitor: opening firmware package: %v", err)
	}

	dev, err := device.New(transport.NewUSBTransport(), fw, unsupportedFPGA{})
	if err != nil {
		log.Fatalf("ovmonitor: building device: %v", err)
	}

	if err := dev.Open(context.Background(), false); err != nil {
		log.Fatalf("ovmonitor: opening device: %v", err)
	}
	defer dev.Close()

	session := monitor.NewSession()
	dev.RegisterSink(session)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		err := dev.RunCapture(ctx, device.Speed(uint8(*speedFlag)), func(_ *device.Device, elapsed time.Duration) {
			session.OnTick(elapsed)
		}, 250*time.Millisecond, func(time.Duration) bool {
			return ctx.Err() != nil
		})
		if err != nil {
			log.Printf("ovmonitor: capture ended: %v", err)
		}
	}()

	p := tea.NewProgram(newModel(session, cancel), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "ovmonitor: %v\n", err)
		os.Exit(1)
	}
}

// unsupportedFPGA reports the device as already configured and
// refuses to reprogram it: ovmonitor is a read-only dashboard and
// never performs FPGA bitstream uploads itself.
type unsupportedFPGA struct{}

func (unsupportedFPGA) ConfigStatus() (bool, error) { return true, nil }
func (unsupportedFPGA) LoadBitstream([]byte) error {
	return fmt.Errorf("ovmonitor: does not program the FPGA; run ovapid first")
}
func (unsupportedFPGA) UseExistingConfiguration() error { return nil }
