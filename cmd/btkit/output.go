package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
)

const clearScreenSequence = "\033[2J\033[H"

// printer writes command output, colored only when w is a terminal.
type printer struct {
	w   io.Writer
	tty bool

	ok   *color.Color
	warn *color.Color
	bad  *color.Color
	dim  *color.Color
	head *color.Color
}

func newPrinter(w io.Writer, noColor bool) *printer {
	p := &printer{
		w:    w,
		ok:   color.New(color.FgGreen),
		warn: color.New(color.FgYellow),
		bad:  color.New(color.FgRed),
		dim:  color.New(color.Faint),
		head: color.New(color.Bold),
	}
	if f, isFile := w.(*os.File); isFile {
		p.tty = term.IsTerminal(int(f.Fd()))
	}
	for _, c := range []*color.Color{p.ok, p.warn, p.bad, p.dim, p.head} {
		if p.tty && !noColor {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p *printer) Printf(format string, args ...any) { fmt.Fprintf(p.w, format, args...) }
func (p *printer) Println(args ...any)               { fmt.Fprintln(p.w, args...) }

func (p *printer) clear() {
	if p.tty {
		fmt.Fprint(p.w, clearScreenSequence)
	}
}

func (p *printer) JSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// seen is the latest frame of one device key and when it arrived.
type seen struct {
	Device   device.Device
	LastSeen time.Time
}

func sortSeen(entries []seen) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Device.Key(), entries[j].Device.Key()
		if a.UUID != b.UUID {
			return a.UUID < b.UUID
		}
		return a.Version < b.Version
	})
}

// Table renders entries sorted by peripheral id.
func (p *printer) Table(entries []seen, now time.Time) error {
	if len(entries) == 0 {
		p.Println("No devices discovered")
		return nil
	}
	sortSeen(entries)

	w := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tRSSI\tTEMP\tHUMIDITY\tPRESSURE\tBATTERY\tLAST SEEN")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s ago\n",
			e.Device.ID(), kindOf(e.Device), rssiOf(e.Device),
			column(e.Device, "temp"), column(e.Device, "hum"), column(e.Device, "press"), column(e.Device, "batt"),
			now.Sub(e.LastSeen).Truncate(time.Second))
	}
	return w.Flush()
}

// Line renders one device on a single line.
func (p *printer) Line(d device.Device) string {
	parts := []string{p.head.Sprint(d.ID()), kindOf(d), rssiOf(d)}
	for _, c := range []string{"temp", "hum", "press", "batt"} {
		if v := column(d, c); v != "-" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

func kindOf(d device.Device) string {
	switch v := d.(type) {
	case *device.SensorTag:
		return "ruuvi/" + v.Version.String()
	case *device.WalletDevice:
		if v.Name != "" {
			return "ledger/" + v.Name
		}
		return "ledger"
	default:
		return "unknown"
	}
}

func rssiOf(d device.Device) string {
	switch v := d.(type) {
	case *device.SensorTag:
		return fmt.Sprintf("%d dBm", v.RSSI)
	case *device.WalletDevice:
		if v.RSSI != nil {
			return fmt.Sprintf("%d dBm", *v.RSSI)
		}
	}
	return "-"
}

func column(d device.Device, name string) string {
	tag, ok := d.(*device.SensorTag)
	if !ok {
		return "-"
	}
	var (
		v    *float64
		unit string
		prec int
	)
	switch name {
	case "temp":
		v, unit, prec = tag.Temperature, "°C", 2
	case "hum":
		v, unit, prec = tag.Humidity, "%", 1
	case "press":
		v, unit, prec = tag.Pressure, "hPa", 1
	case "batt":
		v, unit, prec = tag.Voltage, "V", 2
	}
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.*f%s", prec, *v, unit)
}
