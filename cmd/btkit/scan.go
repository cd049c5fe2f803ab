package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
	"github.com/rinat-enikeev/BTKit-sub000/internal/options"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for sensors and wallets",
	Long: `Scan for Ruuvi sensor tags and Ledger wallets and show their latest
decoded advertisements.

With --watch the table is refreshed every second and devices that stop
advertising for --lost-delay are reported as lost. --demo synthesizes
sensor tags without touching the radio.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanLostDelay time.Duration
	scanDemo      int
	scanWatch     bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json); defaults to the config value")
	scanCmd.Flags().DurationVar(&scanLostDelay, "lost-delay", 0, "Silence after which a device counts as lost (default from config)")
	scanCmd.Flags().IntVar(&scanDemo, "demo", 0, "Synthesize this many demo sensor tags instead of scanning")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Continuously refresh results and report lost devices")
}

// scanState is the latest frame per device key.
type scanState struct {
	mu      sync.Mutex
	devices map[device.Key]seen
}

func (s *scanState) add(d device.Device) {
	s.mu.Lock()
	s.devices[d.Key()] = seen{Device: d, LastSeen: time.Now()}
	s.mu.Unlock()
}

func (s *scanState) remove(id string) {
	s.mu.Lock()
	for k := range s.devices {
		if k.UUID == id {
			delete(s.devices, k)
		}
	}
	s.mu.Unlock()
}

func (s *scanState) snapshot() []seen {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]seen, 0, len(s.devices))
	for _, e := range s.devices {
		out = append(out, e)
	}
	return out
}

func scanOptions(cmd *cobra.Command) []options.Option {
	var opts []options.Option
	if cmd.Flags().Changed("lost-delay") {
		opts = append(opts, options.WithLostDeviceDelay(scanLostDelay))
	}
	if cmd.Flags().Changed("demo") {
		opts = append(opts, options.WithDemoDeviceCount(scanDemo))
	}
	return opts
}

func runScan(cmd *cobra.Command, _ []string) error {
	switch scanFormat {
	case "", "table", "json":
	default:
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	if scanDemo < 0 {
		return fmt.Errorf("--demo must be >= 0")
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	format := scanFormat
	if format == "" {
		format = s.cfg.OutputFormat
	}
	duration := scanDuration
	if scanWatch && !cmd.Flags().Changed("duration") {
		duration = 0
	}

	ctx, cancel := runContext(cmd, duration)
	defer cancel()

	state := &scanState{devices: make(map[device.Key]seen)}
	opts := append(scanOptions(cmd), options.WithContext(ctx))
	token := s.kit.Scan(state.add, opts...)
	defer token.Invalidate()

	if scanWatch {
		return watchScan(ctx, s, state, format, opts)
	}

	pr := startProgress(s.out, "Scanning", "scanning", duration)
	<-ctx.Done()
	pr.Stop()
	return renderScan(s.out, state.snapshot(), format)
}

func renderScan(out *printer, entries []seen, format string) error {
	if format == "json" {
		sortSeen(entries)
		devices := make([]device.Device, len(entries))
		for i, e := range entries {
			devices[i] = e.Device
		}
		return out.JSON(devices)
	}
	return out.Table(entries, time.Now())
}

func watchScan(ctx context.Context, s *session, state *scanState, format string, opts []options.Option) error {
	events := newFeed()
	demo := s.cfg.Scanner.DemoCount > 0 || scanDemo > 0
	if !demo {
		lost := s.kit.Lost(func(d device.Device) {
			state.remove(d.ID())
			events.push(fmt.Sprintf("%s  %s %s", time.Now().Format(time.TimeOnly), s.out.warn.Sprint("lost"), d.ID()))
		}, opts...)
		defer lost.Invalidate()
	}

	var recent []string
	render := func() error {
		recent = append(recent, events.drain()...)
		if len(recent) > feedSize {
			recent = recent[len(recent)-feedSize:]
		}
		s.out.clear()
		if err := renderScan(s.out, state.snapshot(), format); err != nil {
			return err
		}
		if format == "table" && len(recent) > 0 {
			s.out.Println()
			tail := recent[max(0, len(recent)-5):]
			for _, line := range tail {
				s.out.Println(line)
			}
		}
		return nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return render()
		case <-ticker.C:
			if err := render(); err != nil {
				return err
			}
		}
	}
}
