package dashboard

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/term"

	"github.com/web3guy0/copyflow/storage"
)

// ═══════════════════════════════════════════════════════════════════════════
// TERMINAL DASHBOARD - Live replication status
// ═══════════════════════════════════════════════════════════════════════════
//
// Renders pipeline counters, per-subscriber portfolio value and the most
// recent replica outcomes. Width adapts to the terminal; content redraws
// in place without flicker.

const (
	// ANSI escape codes
	clearScreen = "\033[2J"
	moveHome    = "\033[H"
	hideCursor  = "\033[?25l"
	showCursor  = "\033[?25h"

	// Colors
	reset    = "\033[0m"
	bold     = "\033[1m"
	dim      = "\033[2m"
	fgGreen  = "\033[32m"
	fgRed    = "\033[31m"
	fgYellow = "\033[33m"
	fgCyan   = "\033[36m"

	// Box drawing
	topLeft     = "╔"
	topRight    = "╗"
	bottomLeft  = "╚"
	bottomRight = "╝"
	horizontal  = "═"
	vertical    = "║"
	teeRight    = "╠"
	teeLeft     = "╣"
)

const (
	minWidth     = 60
	defaultWidth = 100
	maxReplicas  = 8
)

// StatsSource supplies the pipeline counters panel.
type StatsSource interface {
	Stats() map[string]int64
}

// PortfolioRow is one subscriber line.
type PortfolioRow struct {
	SubscriberID string
	Cash         decimal.Decimal
	TotalValue   decimal.Decimal
	PnL          decimal.Decimal
}

// PortfolioSource supplies the portfolio panel.
type PortfolioSource interface {
	PortfolioRows() []PortfolioRow
}

// Dashboard is a live terminal status view.
type Dashboard struct {
	mu sync.Mutex

	stats      StatsSource
	portfolios PortfolioSource
	db         *storage.Database

	startTime time.Time
	stopCh    chan struct{}
	running   bool
}

// New creates a dashboard.
func New(stats StatsSource, portfolios PortfolioSource, db *storage.Database) *Dashboard {
	return &Dashboard{
		stats:      stats,
		portfolios: portfolios,
		db:         db,
		startTime:  time.Now(),
		stopCh:     make(chan struct{}),
	}
}

// Start begins rendering once per second.
func (d *Dashboard) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	fmt.Print(clearScreen, hideCursor)
	go d.renderLoop()
}

// Stop restores the terminal.
func (d *Dashboard) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.running = false
	close(d.stopCh)
	fmt.Print(showCursor)
}

func (d *Dashboard) renderLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.render()
		}
	}
}

func (d *Dashboard) width() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w < minWidth {
		return defaultWidth
	}
	return w
}

func (d *Dashboard) render() {
	w := d.width()
	var b strings.Builder
	b.WriteString(moveHome)

	d.header(&b, w)
	d.statsPanel(&b, w)
	d.portfolioPanel(&b, w)
	d.replicasPanel(&b, w)
	b.WriteString(bottomLeft + strings.Repeat(horizontal, w-2) + bottomRight + "\n")

	fmt.Print(b.String())
}

func (d *Dashboard) header(b *strings.Builder, w int) {
	uptime := time.Since(d.startTime).Round(time.Second)
	title := fmt.Sprintf(" COPYFLOW %s up %s ", fgCyan+bold, uptime)
	b.WriteString(topLeft + strings.Repeat(horizontal, w-2) + topRight + "\n")
	d.row(b, w, title+reset)
}

func (d *Dashboard) statsPanel(b *strings.Builder, w int) {
	d.divider(b, w)
	if d.stats == nil {
		d.row(b, w, dim+" stats unavailable "+reset)
		return
	}
	s := d.stats.Stats()
	line := fmt.Sprintf(" events %d   replicas %d   %sexecuted %d%s   %sskipped %d%s   %sfailed %d%s   dup %d",
		s["events_seen"], s["replicas"],
		fgGreen, s["executed"], reset,
		fgYellow, s["skipped"], reset,
		fgRed, s["failed"], reset,
		s["duplicates"],
	)
	d.row(b, w, line)
}

func (d *Dashboard) portfolioPanel(b *strings.Builder, w int) {
	d.divider(b, w)
	if d.portfolios == nil {
		return
	}
	rows := d.portfolios.PortfolioRows()
	if len(rows) == 0 {
		d.row(b, w, dim+" no subscriber accounts "+reset)
		return
	}
	d.row(b, w, bold+" SUBSCRIBER          CASH        TOTAL         P&L"+reset)
	for _, r := range rows {
		color := fgGreen
		if r.PnL.IsNegative() {
			color = fgRed
		}
		line := fmt.Sprintf(" %-16s %9s $  %9s $  %s%9s $%s",
			clip(r.SubscriberID, 16),
			r.Cash.StringFixed(2),
			r.TotalValue.StringFixed(2),
			color, r.PnL.StringFixed(2), reset,
		)
		d.row(b, w, line)
	}
}

func (d *Dashboard) replicasPanel(b *strings.Builder, w int) {
	d.divider(b, w)
	if d.db == nil {
		return
	}
	replicas, err := d.db.GetLatestReplicas(maxReplicas)
	if err != nil || len(replicas) == 0 {
		d.row(b, w, dim+" no replicas yet "+reset)
		return
	}
	d.row(b, w, bold+" RECENT REPLICAS"+reset)
	for _, r := range replicas {
		color := fgGreen
		detail := fmt.Sprintf("$%s", r.FillSize.StringFixed(2))
		switch r.Status {
		case "skipped":
			color, detail = fgYellow, r.ErrorReason
		case "failed":
			color, detail = fgRed, r.ErrorReason
		case "pending":
			color, detail = dim, "..."
		}
		line := fmt.Sprintf(" %s %s%-8s%s %-4s %s %s",
			r.CreatedAt.Format("15:04:05"),
			color, r.Status, reset,
			r.Side, clip(r.Title, w-40), detail,
		)
		d.row(b, w, line)
	}
}

func (d *Dashboard) divider(b *strings.Builder, w int) {
	b.WriteString(teeRight + strings.Repeat(horizontal, w-2) + teeLeft + "\n")
}

// row writes one bordered line, padding to width. ANSI codes do not count
// toward the visible length.
func (d *Dashboard) row(b *strings.Builder, w int, content string) {
	visible := visibleLen(content)
	pad := w - 2 - visible
	if pad < 0 {
		pad = 0
	}
	b.WriteString(vertical + content + strings.Repeat(" ", pad) + vertical + "\n")
}

func visibleLen(s string) int {
	n := 0
	inEscape := false
	for _, r := range s {
		switch {
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		case r == '\033':
			inEscape = true
		default:
			n++
		}
	}
	return n
}

func clip(s string, max int) string {
	if max < 4 {
		max = 4
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
