package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/hexbytes"
	"github.com/srg/blelink/internal/native"
	"github.com/srg/blelink/pkg/client"
	"github.com/srg/blelink/pkg/config"
)

// newCentral creates the native driver. Tests replace it.
var newCentral = func(backend string, logger *logrus.Logger) (native.Central, error) {
	return client.NewCentral(backend, logger)
}

// app is the per-invocation state shared by the commands.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	client *client.Client
}

// openApp loads settings, creates the client and initializes the adapter.
func openApp(cmd *cobra.Command, picker client.Picker) (*app, error) {
	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	central, err := newCentral(cfg.Backend, logger)
	if err != nil {
		return nil, err
	}
	c := client.NewWithCentral(central, cfg, picker, logger)
	if err := c.Initialize(); err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, client: c}, nil
}

func (a *app) close() {
	if err := a.client.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close BLE adapter")
	}
}

// withDevice connects to id, runs fn and disconnects. A link lost while fn
// runs cancels fn's context.
func (a *app) withDevice(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	err := a.client.Connect(ctx, id, func(reason error) {
		if reason != nil {
			cancel(fmt.Errorf("%w: %v", ErrConnectionLost, reason))
		}
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.client.Disconnect(context.WithoutCancel(ctx), id); err != nil {
			a.logger.WithFields(logrus.Fields{"device": id, "error": err}).Warn("Disconnect failed")
		}
	}()

	if err := fn(ctx); err != nil {
		if cause := context.Cause(ctx); cause != nil && cause != ctx.Err() {
			return cause
		}
		return err
	}
	return nil
}

// parseHexArg decodes a payload argument.
func parseHexArg(s string) ([]byte, error) {
	data, err := hexbytes.Decode(s)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload %q", s)
	}
	return data, nil
}

func validateFormat(format string) error {
	switch format {
	case "table", "json":
		return nil
	default:
		return fmt.Errorf("invalid format '%s': must be one of %s", format, strings.Join([]string{"table", "json"}, ", "))
	}
}
