package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/hexbytes"
	"github.com/srg/blelink/internal/ringchan"
)

type subscribeOptions struct {
	duration   time.Duration
	timestamps bool
}

func newSubscribeCmd() *cobra.Command {
	opts := &subscribeOptions{}
	cmd := &cobra.Command{
		Use:   "subscribe <device-address> <service> <characteristic>",
		Short: "Print characteristic notifications",
		Long: `Connects, enables notifications and prints every value as hex until
the duration elapses or Ctrl+C is pressed.

Examples:
  blelink subscribe AA:BB:CC:DD:EE:FF 180d 2a37
  blelink subscribe AA:BB:CC:DD:EE:FF 180f 2a19 --duration 30s --timestamps`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubscribe(cmd, args, opts)
		},
	}
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Stop after this long (0 for until Ctrl+C)")
	cmd.Flags().BoolVar(&opts.timestamps, "timestamps", false, "Prefix each value with its arrival time")
	return cmd
}

func runSubscribe(cmd *cobra.Command, args []string, opts *subscribeOptions) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer a.close()

	id, service, characteristic := args[0], args[1], args[2]
	out := cmd.OutOrStdout()

	return a.withDevice(cmd.Context(), id, func(ctx context.Context) error {
		values := ringchan.New[notification](int(max(a.cfg.NotificationBuffer, 1)))
		defer values.Close()

		err := a.client.StartNotifications(ctx, id, service, characteristic, func(value []byte) {
			if values.Send(notification{at: time.Now(), value: value}) {
				a.logger.WithField("device", id).Warn("Output too slow, dropped oldest notification")
			}
		})
		if err != nil {
			return err
		}

		wait := ctx
		if opts.duration > 0 {
			var cancel context.CancelFunc
			wait, cancel = context.WithTimeout(ctx, opts.duration)
			defer cancel()
		}

		for done := false; !done; {
			select {
			case n := <-values.C():
				printNotification(out, n, opts.timestamps)
			case <-wait.Done():
				done = true
			}
		}
		if err := context.Cause(ctx); err != nil {
			return err
		}

		return a.client.StopNotifications(context.WithoutCancel(ctx), id, service, characteristic)
	})
}

type notification struct {
	at    time.Time
	value []byte
}

func printNotification(out io.Writer, n notification, timestamps bool) {
	if timestamps {
		fmt.Fprintf(out, "%s %s\n", n.at.Format(time.RFC3339Nano), hexbytes.Encode(n.value))
		return
	}
	fmt.Fprintln(out, hexbytes.Encode(n.value))
}
