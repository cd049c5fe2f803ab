package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rinat-enikeev/BTKit-sub000/internal/codec/ledger"
	"github.com/rinat-enikeev/BTKit-sub000/internal/codec/ruuvi"
	"github.com/rinat-enikeev/BTKit-sub000/internal/connection"
	"github.com/rinat-enikeev/BTKit-sub000/internal/options"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio"
	"github.com/rinat-enikeev/BTKit-sub000/internal/service"
)

var logCmd = &cobra.Command{
	Use:   "log <peripheral-id>",
	Short: "Download the sensor history of a tag",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

var firmwareCmd = &cobra.Command{
	Use:   "firmware <peripheral-id>",
	Short: "Read the firmware revision string",
	Args:  cobra.ExactArgs(1),
	RunE:  runFirmware,
}

var rssiCmd = &cobra.Command{
	Use:   "rssi <peripheral-id>",
	Short: "Connect and read the signal strength of the link",
	Args:  cobra.ExactArgs(1),
	RunE:  runRSSI,
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Talk to the Ethereum app of a Ledger wallet",
}

var ledgerAddressCmd = &cobra.Command{
	Use:   "address <peripheral-id>",
	Short: "Request the address at a derivation path",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerAddress,
}

var ledgerConfigCmd = &cobra.Command{
	Use:   "config <peripheral-id>",
	Short: "Request the app version and settings",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerConfig,
}

var (
	exchangeTimeout time.Duration
	logKind         string
	logSince        time.Duration
	logFormat       string
	ledgerPath      string
	ledgerVerify    bool
)

func init() {
	for _, c := range []*cobra.Command{logCmd, firmwareCmd, rssiCmd, ledgerAddressCmd, ledgerConfigCmd} {
		c.Flags().DurationVarP(&exchangeTimeout, "timeout", "t", 0, "Service timeout (default from config, 0 disables)")
	}
	logCmd.Flags().StringVarP(&logKind, "kind", "k", ruuvi.LogAll.String(), "History to download (temperature, humidity, pressure, all)")
	logCmd.Flags().DurationVar(&logSince, "since", 0, "Only records newer than this (0 for everything)")
	logCmd.Flags().StringVarP(&logFormat, "format", "f", "", "Output format (table, json); defaults to the config value")

	ledgerAddressCmd.Flags().StringVarP(&ledgerPath, "path", "p", "44'/60'/0'/0/0", "BIP32 derivation path")
	ledgerAddressCmd.Flags().BoolVar(&ledgerVerify, "verify", false, "Show the address on the wallet for confirmation")

	ledgerCmd.AddCommand(ledgerAddressCmd)
	ledgerCmd.AddCommand(ledgerConfigCmd)
}

func exchangeOptions(cmd *cobra.Command) []options.Option {
	if cmd.Flags().Changed("timeout") {
		return []options.Option{options.WithServiceTimeout(exchangeTimeout)}
	}
	return nil
}

type outcome[T any] struct {
	value T
	err   error
}

// await blocks until an exchange reports or ctx ends. On ctx end the
// exchange is cancelled.
func await[T any](ctx context.Context, start func(onResult func(T, error)) *service.Exchange) (T, error) {
	done := make(chan outcome[T], 1)
	ex := start(func(v T, err error) { done <- outcome[T]{v, err} })
	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		ex.Cancel()
		var zero T
		return zero, ctx.Err()
	}
}

// exchangeSession opens a session for a one-shot command against id.
func exchangeSession(cmd *cobra.Command, id string) (*session, context.Context, func(), error) {
	if err := radio.ValidatePeripheral(id); err != nil {
		return nil, nil, nil, err
	}
	cmd.SilenceUsage = true

	s, err := openSession(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := runContext(cmd, 0)
	return s, ctx, func() {
		cancel()
		s.close()
	}, nil
}

func runLog(cmd *cobra.Command, args []string) error {
	kind, err := ruuvi.ParseLogKind(logKind)
	if err != nil {
		return err
	}
	switch logFormat {
	case "", "table", "json":
	default:
		return fmt.Errorf("invalid format '%s': must be one of [table json]", logFormat)
	}

	s, ctx, done, err := exchangeSession(cmd, args[0])
	if err != nil {
		return err
	}
	defer done()

	lo := service.LogOptions{Kind: kind}
	if logSince > 0 {
		lo.From = time.Now().Add(-logSince)
	}
	pr := startProgress(s.out, "Downloading history", service.AwaitingConnect.String(), 0)
	defer pr.Stop()
	lo.OnPhase = pr.OnPhase
	lo.OnProgress = func(rows int) { pr.Phase(fmt.Sprintf("%d rows", rows)) }

	records, err := await(ctx, func(onResult func([]ruuvi.LogRecord, error)) *service.Exchange {
		return s.kit.ReadLog(args[0], lo, onResult, exchangeOptions(cmd)...)
	})
	pr.Stop()
	if err != nil {
		return err
	}

	format := logFormat
	if format == "" {
		format = s.cfg.OutputFormat
	}
	if format == "json" {
		return s.out.JSON(records)
	}
	if len(records) == 0 {
		s.out.Println("No records")
		return nil
	}
	w := tabwriter.NewWriter(s.out.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tTEMP\tHUMIDITY\tPRESSURE")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Date.Local().Format(time.RFC3339),
			optional(r.Temperature, "%.2f°C"), optional(r.Humidity, "%.2f%%"), optional(r.Pressure, "%.2fhPa"))
	}
	return w.Flush()
}

func optional(v *float64, format string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(format, *v)
}

func runFirmware(cmd *cobra.Command, args []string) error {
	s, ctx, done, err := exchangeSession(cmd, args[0])
	if err != nil {
		return err
	}
	defer done()

	rev, err := await(ctx, func(onResult func(string, error)) *service.Exchange {
		return s.kit.ReadFirmwareRevision(args[0], onResult, exchangeOptions(cmd)...)
	})
	if err != nil {
		return err
	}
	s.out.Println(rev)
	return nil
}

func runRSSI(cmd *cobra.Command, args []string) error {
	id := args[0]
	s, ctx, done, err := exchangeSession(cmd, id)
	if err != nil {
		return err
	}
	defer done()

	connected := make(chan error, 1)
	token := s.kit.Connect(id, func(r connection.ConnectResult) {
		select {
		case connected <- r.Err:
		default:
		}
	}, nil, nil, options.WithContext(ctx))
	defer token.Invalidate()

	select {
	case err := <-connected:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	rssi := make(chan outcome[int], 1)
	rt := s.kit.ReadRSSI(id, func(v int, err error) { rssi <- outcome[int]{v, err} })
	defer rt.Invalidate()

	timeout := s.cfg.Connection.ServiceTimeout
	if cmd.Flags().Changed("timeout") {
		timeout = exchangeTimeout
	}
	var expired <-chan time.Time
	if timeout > 0 {
		expired = time.After(timeout)
	}
	select {
	case r := <-rssi:
		if r.err != nil {
			return r.err
		}
		s.out.Printf("%d dBm\n", r.value)
		return nil
	case <-expired:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runLedgerAddress(cmd *cobra.Command, args []string) error {
	if _, err := ledger.ParsePath(ledgerPath); err != nil {
		return err
	}
	s, ctx, done, err := exchangeSession(cmd, args[0])
	if err != nil {
		return err
	}
	defer done()

	pr := startProgress(s.out, "Requesting address", service.AwaitingConnect.String(), 0)
	defer pr.Stop()
	if ledgerVerify {
		s.out.Println("Confirm the address on the wallet screen")
	}

	addr, err := await(ctx, func(onResult func(ledger.Address, error)) *service.Exchange {
		return s.kit.RequestAddress(args[0], ledgerPath, ledgerVerify, pr.OnPhase, onResult, exchangeOptions(cmd)...)
	})
	pr.Stop()
	if err != nil {
		return err
	}

	if s.cfg.OutputFormat == "json" {
		return s.out.JSON(map[string]string{
			"path":       ledgerPath,
			"address":    addr.String(),
			"public_key": hex.EncodeToString(addr.PublicKey),
			"chain_code": hex.EncodeToString(addr.ChainCode),
		})
	}
	s.out.Printf("%s  %s\n", ledgerPath, s.out.ok.Sprint(addr.String()))
	return nil
}

func runLedgerConfig(cmd *cobra.Command, args []string) error {
	s, ctx, done, err := exchangeSession(cmd, args[0])
	if err != nil {
		return err
	}
	defer done()

	cfg, err := await(ctx, func(onResult func(ledger.Configuration, error)) *service.Exchange {
		return s.kit.RequestAppConfiguration(args[0], onResult, exchangeOptions(cmd)...)
	})
	if err != nil {
		var status *ledger.StatusError
		if errors.As(err, &status) {
			s.logger.WithField("sw", fmt.Sprintf("0x%04X", status.SW)).Debug("Wallet returned a status error")
		}
		return err
	}
	s.out.Printf("version %s, arbitrary data signing %s\n", cfg.Version, enabled(cfg.ArbitraryDataEnabled))
	return nil
}

func enabled(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
