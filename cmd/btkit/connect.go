package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rinat-enikeev/BTKit-sub000/internal/connection"
	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
	"github.com/rinat-enikeev/BTKit-sub000/internal/options"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio"
	"github.com/rinat-enikeev/BTKit-sub000/internal/store"
	"github.com/rinat-enikeev/BTKit-sub000/pkg/btkit"
)

var connectCmd = &cobra.Command{
	Use:   "connect <peripheral-id>",
	Short: "Hold a background link and stream live measurements",
	Long: `Connect to a peripheral and keep the link up until interrupted. The link is
re-established whenever it drops. Sensor tags that stream measurements over
UART are printed as heartbeats.

With --remember the peripheral is stored and "reconnect" restores it later.`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

var reconnectCmd = &cobra.Command{
	Use:   "reconnect",
	Short: "Hold links to every remembered peripheral",
	Args:  cobra.NoArgs,
	RunE:  runReconnect,
}

var forgetCmd = &cobra.Command{
	Use:   "forget [peripheral-id]",
	Short: "Remove a remembered peripheral, or list them without an argument",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runForget,
}

var (
	connectTimeout  time.Duration
	connectDuration time.Duration
	connectRemember bool
	connectName     string
)

func init() {
	for _, c := range []*cobra.Command{connectCmd, reconnectCmd} {
		c.Flags().DurationVarP(&connectTimeout, "timeout", "t", 0, "Connect timeout per attempt (default from config, 0 disables)")
		c.Flags().DurationVarP(&connectDuration, "duration", "d", 0, "Hold the link for this long (0 for indefinite)")
	}
	connectCmd.Flags().BoolVar(&connectRemember, "remember", false, "Store the peripheral for reconnect")
	connectCmd.Flags().StringVar(&connectName, "name", "", "Display name stored with --remember")
}

func connectOptions(cmd *cobra.Command) []options.Option {
	if cmd.Flags().Changed("timeout") {
		return []options.Option{options.WithConnectionTimeout(connectTimeout)}
	}
	return nil
}

// linkPrinter renders connection events of one or more peripherals.
type linkPrinter struct {
	out *printer
}

func (lp linkPrinter) stamp() string { return lp.out.dim.Sprint(time.Now().Format(time.TimeOnly)) }

func (lp linkPrinter) connected(id string, r connection.ConnectResult) {
	if r.Err != nil {
		lp.out.Printf("%s %s %s: %s\n", lp.stamp(), lp.out.bad.Sprint("failed"), id, FormatUserError(r.Err))
		return
	}
	lp.out.Printf("%s %s %s (%s)\n", lp.stamp(), lp.out.ok.Sprint("connected"), id, r.Status)
}

func (lp linkPrinter) heartbeat(d device.Device) {
	lp.out.Printf("%s %s\n", lp.stamp(), lp.out.Line(d))
}

func (lp linkPrinter) disconnected(id string, r connection.DisconnectResult) {
	if r.Err != nil {
		lp.out.Printf("%s %s %s: %s\n", lp.stamp(), lp.out.warn.Sprint("disconnected"), id, FormatUserError(r.Err))
		return
	}
	lp.out.Printf("%s %s %s\n", lp.stamp(), lp.out.warn.Sprint("disconnected"), id)
}

func runConnect(cmd *cobra.Command, args []string) error {
	id := args[0]
	if err := radio.ValidatePeripheral(id); err != nil {
		return err
	}
	cmd.SilenceUsage = true

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	if connectRemember {
		if err := s.kit.Remember(id, connectName); err != nil {
			return err
		}
		s.logger.WithField("peripheral", id).Info("Remembered peripheral")
	}

	ctx, cancel := runContext(cmd, connectDuration)
	defer cancel()

	lp := linkPrinter{out: s.out}
	token := s.kit.Connect(id,
		func(r connection.ConnectResult) { lp.connected(id, r) },
		lp.heartbeat,
		func(r connection.DisconnectResult) { lp.disconnected(id, r) },
		connectOptions(cmd)...)
	defer token.Invalidate()

	<-ctx.Done()
	return nil
}

func runReconnect(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	if len(s.kit.Store().UUIDs()) == 0 {
		s.out.Println("No remembered peripherals")
		return nil
	}

	ctx, cancel := runContext(cmd, connectDuration)
	defer cancel()

	lp := linkPrinter{out: s.out}
	tokens, err := s.kit.ReconnectRemembered(btkit.ReconnectHandlers{
		OnConnected:    lp.connected,
		OnHeartbeat:    lp.heartbeat,
		OnDisconnected: lp.disconnected,
	}, connectOptions(cmd)...)
	if err != nil {
		return err
	}
	defer tokens.Invalidate()

	<-ctx.Done()
	return nil
}

// runForget works on the store alone and never opens the radio.
func runForget(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	out := newPrinter(cmd.OutOrStdout(), true)

	if len(args) == 0 {
		entries := st.Entries()
		if len(entries) == 0 {
			out.Println("No remembered peripherals")
			return nil
		}
		for _, e := range entries {
			out.Printf("%s\t%s\t%s\n", e.UUID, e.Added.Format(time.RFC3339), e.Name)
		}
		return nil
	}

	removed, err := st.Remove(args[0])
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("peripheral %s is not remembered", args[0])
	}
	out.Printf("Forgot %s\n", args[0])
	return nil
}
