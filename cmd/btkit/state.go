package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/rinat-enikeev/BTKit-sub000/internal/device"
	"github.com/rinat-enikeev/BTKit-sub000/internal/options"
	"github.com/rinat-enikeev/BTKit-sub000/internal/radio"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the radio power state and its changes",
	Args:  cobra.NoArgs,
	RunE:  runState,
}

var observeCmd = &cobra.Command{
	Use:   "observe <peripheral-id>",
	Short: "Stream decoded advertisements of one peripheral",
	Args:  cobra.ExactArgs(1),
	RunE:  runObserve,
}

var (
	stateWatch      bool
	observeDuration time.Duration
)

func init() {
	stateCmd.Flags().BoolVarP(&stateWatch, "watch", "w", false, "Keep printing state changes until interrupted")
	observeCmd.Flags().DurationVarP(&observeDuration, "duration", "d", 0, "Observe for this long (0 for indefinite)")
}

func runState(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	if !stateWatch {
		s.out.Println(s.paintState(s.adapter.State()))
		return nil
	}

	ctx, cancel := runContext(cmd, 0)
	defer cancel()
	token := s.kit.State(func(st radio.State) {
		s.out.Printf("%s %s\n", time.Now().Format(time.TimeOnly), s.paintState(st))
	}, options.WithContext(ctx))
	defer token.Invalidate()

	<-ctx.Done()
	return nil
}

func (s *session) paintState(st radio.State) string {
	if st == radio.StatePoweredOn {
		return s.out.ok.Sprint(st)
	}
	return s.out.warn.Sprint(st)
}

func runObserve(cmd *cobra.Command, args []string) error {
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

	ctx, cancel := runContext(cmd, observeDuration)
	defer cancel()

	token := s.kit.Observe(id, func(d device.Device) {
		s.out.Printf("%s %s\n", time.Now().Format(time.TimeOnly), s.out.Line(d))
	}, options.WithContext(ctx))
	defer token.Invalidate()

	<-ctx.Done()
	return nil
}
