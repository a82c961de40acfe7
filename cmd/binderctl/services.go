package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/AgentOS/binder/internal/infrastructure/server"
	"github.com/GriffinCanCode/AgentOS/binder/pkg/binder"
)

func newListCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered service names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, c *conn) error {
				names, err := c.sm.List(ctx)
				if err != nil {
					return fmt.Errorf("failed to list services: %w", err)
				}
				if o.output == "json" {
					return writeJSON(cmd.OutOrStdout(), names)
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
}

type presence struct {
	Name    string `json:"name"`
	Present bool   `json:"present"`
}

func newCheckCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check <name>",
		Short: "Report whether a service is registered, without waiting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, c *conn) error {
				h, err := c.sm.CheckPresence(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to check %s: %w", args[0], err)
				}
				p := presence{Name: args[0], Present: h != nil}
				if h != nil {
					h.Release()
				}
				if o.output == "json" {
					return writeJSON(cmd.OutOrStdout(), p)
				}
				if p.Present {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: found\n", p.Name)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: not found\n", p.Name)
				}
				return nil
			})
		},
	}
}

type pingResult struct {
	Name      string  `json:"name"`
	LatencyMs float64 `json:"latency_ms"`
}

func newPingCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ping <name>",
		Short: "Ping a registered service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, c *conn) error {
				h, err := c.sm.Lookup(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to look up %s: %w", args[0], err)
				}
				defer h.Release()

				start := time.Now()
				if err := h.Ping(ctx); err != nil {
					return fmt.Errorf("ping %s: %w", args[0], err)
				}
				r := pingResult{Name: args[0], LatencyMs: float64(time.Since(start).Microseconds()) / 1000}
				if o.output == "json" {
					return writeJSON(cmd.OutOrStdout(), r)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: alive (%.3fms)\n", r.Name, r.LatencyMs)
				return nil
			})
		},
	}
}

func newDumpCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "dump <name> [args...]",
		Short: "Print a service's diagnostics",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, c *conn) error {
				h, err := c.sm.Lookup(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to look up %s: %w", args[0], err)
				}
				defer h.Release()
				return dumpTo(ctx, cmd.OutOrStdout(), h, args[1:])
			})
		},
	}
}

// dumpTo runs a dump into a pipe and copies it to out.
func dumpTo(ctx context.Context, out io.Writer, h *binder.Handle, args []string) error {
	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	defer r.Close()

	copied := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, r)
		copied <- err
	}()
	err = h.Dump(ctx, int(w.Fd()), args)
	_ = w.Close()
	if cerr := <-copied; err == nil {
		err = cerr
	}
	return err
}

func newStatsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show binderd statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, func(ctx context.Context, c *conn) error {
				h, err := c.sm.Lookup(ctx, server.StatsServiceName)
				if err != nil {
					return fmt.Errorf("failed to look up %s: %w", server.StatsServiceName, err)
				}
				defer h.Release()
				if err := h.Associate(ctx, server.StatsInterface); err != nil {
					return err
				}
				snapshot, err := binder.Call(ctx, h, server.CodeSnapshot, nil, func(p *binder.Parcel) (string, error) {
					return p.ReadString()
				})
				if err != nil {
					return fmt.Errorf("failed to read stats: %w", err)
				}
				var v map[string]any
				if err := sonic.UnmarshalString(snapshot, &v); err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), v)
			})
		},
	}
}

func writeJSON(out io.Writer, v any) error {
	b, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
