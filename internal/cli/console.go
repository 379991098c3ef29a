// Package cli implements the interactive RCON console: typed lines are sent
// as commands and every session event is printed as it arrives.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/reforgermon/reforgermon/internal/events"
	"github.com/reforgermon/reforgermon/internal/rcon"
	"github.com/reforgermon/reforgermon/internal/roster"
	"github.com/reforgermon/reforgermon/internal/sysinfo"
)

// Session is the RCON client as seen by the console.
type Session interface {
	Connect(ctx context.Context) (rcon.ConnectionResult, error)
	Disconnect() error
	Submit(text string) (int, error)
	Status() rcon.Status
}

// MetricsSource fetches host and game metrics from a running backend.
type MetricsSource interface {
	OSMetrics(ctx context.Context) (sysinfo.OSData, error)
}

// Console is an interactive RCON console.
type Console struct {
	session  Session
	eventBus *events.EventBus
	metrics  MetricsSource
	in       io.Reader
	out      io.Writer

	outMu sync.Mutex

	mu sync.Mutex
	// tables holds ids of players commands whose reply is rendered as a table.
	tables map[int]bool
}

// NewConsole creates a console reading from in and writing to out. metrics
// may be nil when no backend is configured.
func NewConsole(session Session, eventBus *events.EventBus, metrics MetricsSource, in io.Reader, out io.Writer) *Console {
	return &Console{
		session:  session,
		eventBus: eventBus,
		metrics:  metrics,
		in:       in,
		out:      out,
		tables:   make(map[int]bool),
	}
}

// Run connects, then reads commands until quit, end of input or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	c.eventBus.SubscribeOrdered(
		[]events.EventType{events.EventRconConnected, events.EventRconDisconnected, events.EventRconMessage},
		"console", 256, c.handleEvent,
	)

	result, err := c.session.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %s: %w", result, err)
	}

	c.printf("\nReforgerMon console ready. Type 'help' for local commands; anything else is sent to the server.\n")
	c.printf("─────────────────────────────────────────────────────\n")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	defer func() {
		if err := c.session.Disconnect(); err != nil {
			log.Debug().Err(err).Msg("console disconnect")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			quit, err := c.execute(ctx, line)
			if err != nil {
				c.printf("Error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// execute runs a local verb or sends the line to the server. It reports
// whether the console should exit.
func (c *Console) execute(ctx context.Context, line string) (bool, error) {
	parts := strings.Fields(line)
	switch strings.ToLower(parts[0]) {
	case "help", "?":
		c.printHelp()
	case "status":
		c.printStatus()
	case "players":
		return false, c.cmdPlayers()
	case "metrics":
		return false, c.cmdMetrics(ctx)
	case "quit", "exit":
		c.printf("Disconnecting...\n")
		return true, nil
	default:
		id, err := c.session.Submit(line)
		if err != nil {
			return false, err
		}
		c.printf("→ #%d sent\n", id)
	}
	return false, nil
}

func (c *Console) printHelp() {
	c.printf("\n╔══════════════════════════════════════════════════════════════╗\n")
	c.printf("║                    ReforgerMon Console                       ║\n")
	c.printf("╠══════════════════════════════════════════════════════════════╣\n")
	c.printf("║  players            List connected players as a table        ║\n")
	c.printf("║  metrics            Show host and game metrics from backend  ║\n")
	c.printf("║  status             Show the RCON session state              ║\n")
	c.printf("║  quit               Disconnect and exit                      ║\n")
	c.printf("║  help               Show this help message                   ║\n")
	c.printf("║  <anything else>    Sent to the server as an RCON command    ║\n")
	c.printf("╚══════════════════════════════════════════════════════════════╝\n\n")
}

func (c *Console) printStatus() {
	st := c.session.Status()
	c.printf("\n  Server:       %s\n", st.Addr)
	c.printf("  State:        %s\n", st.State)
	c.printf("  Outstanding:  %d\n", st.Outstanding)
	if !st.LastReceived.IsZero() {
		c.printf("  Last reply:   %s\n", st.LastReceived.Format("15:04:05"))
	}
	if st.LastReason != "" {
		c.printf("  Last reason:  %s\n", st.LastReason)
	}
	c.printf("\n")
}

func (c *Console) cmdPlayers() error {
	id, err := c.session.Submit(roster.PlayersCommand)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.tables[id] = true
	c.mu.Unlock()
	return nil
}

func (c *Console) cmdMetrics(ctx context.Context) error {
	if c.metrics == nil {
		return fmt.Errorf("no backend configured, use --backend")
	}
	data, err := c.metrics.OSMetrics(ctx)
	if err != nil {
		return err
	}
	c.renderMetrics(data)
	return nil
}

// handleEvent prints session events in emit order.
func (c *Console) handleEvent(ctx context.Context, e events.Event) error {
	switch p := e.Payload.(type) {
	case events.RconConnectedPayload:
		c.printf("[connected] %s:%d\n", p.Host, p.Port)
	case events.RconDisconnectedPayload:
		if p.Dropped > 0 {
			c.printf("[disconnected] %s (%d commands dropped)\n", p.Reason, p.Dropped)
		} else {
			c.printf("[disconnected] %s\n", p.Reason)
		}
	case events.RconMessagePayload:
		if p.Notification {
			c.printf("[server] %s\n", p.Text)
			return nil
		}
		c.mu.Lock()
		asTable := c.tables[p.ID]
		delete(c.tables, p.ID)
		c.mu.Unlock()

		if asTable {
			players, total := roster.ParsePlayers(p.Text)
			c.renderPlayers(players, total)
			return nil
		}
		c.printf("[#%d] %s\n", p.ID, p.Text)
	}
	return nil
}

func (c *Console) renderPlayers(players []roster.PlayerInfo, total int) {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"#", "Name", "IP", "Ping", "GUID", "Status"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, p := range players {
		status := "verified"
		if !p.Verified {
			status = "unverified"
		}
		if p.Lobby {
			status = "lobby"
		}
		guid := p.GUID
		if guid == "" {
			guid = "-"
		}
		tw.Append([]string{
			fmt.Sprintf("%d", p.Number),
			p.Name,
			fmt.Sprintf("%s:%d", p.IP, p.Port),
			fmt.Sprintf("%d", p.Ping),
			guid,
			status,
		})
	}
	tw.SetFooter([]string{"", "", "", "", "Total", fmt.Sprintf("%d", total)})
	tw.Render()
}

func (c *Console) renderMetrics(d sysinfo.OSData) {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Metric", "Value"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	tw.Append([]string{"FPS", fmt.Sprintf("%.1f", d.FPS)})
	tw.Append([]string{"Frame time", fmt.Sprintf("%.1f ms", d.FrameTime)})
	tw.Append([]string{"Active players", fmt.Sprintf("%d", d.ActivePlayers)})
	tw.Append([]string{"CPU", fmt.Sprintf("%.1f%%", d.OverallCPUUsage)})

	cores := make([]string, 0, len(d.PerCoreCPUUsage))
	for name := range d.PerCoreCPUUsage {
		cores = append(cores, name)
	}
	sort.Strings(cores)
	for _, name := range cores {
		tw.Append([]string{"  " + name, fmt.Sprintf("%.1f%%", d.PerCoreCPUUsage[name])})
	}

	tw.Append([]string{"Memory", fmt.Sprintf("%.1f / %.1f GB (%.1f%%)", d.MemoryUsedGB, d.TotalMemoryGB, d.MemoryUsagePercentage)})
	tw.Append([]string{"Disk", fmt.Sprintf("R %.2f MB/s, W %.2f MB/s (%.0f%% busy)", d.DiskReadMBps, d.DiskWriteMBps, d.DiskUsagePercentage)})
	tw.Append([]string{"Network", fmt.Sprintf("in %.2f MB/s, out %.2f MB/s", d.NetworkInMBps, d.NetworkOutMBps)})
	tw.Render()
}

func (c *Console) printf(format string, args ...interface{}) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
