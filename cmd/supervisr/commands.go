package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/supervisr/pkg/client"
)

// command runs the client-side subcommands against a daemon.
type command struct {
	flags *GlobalFlags
	out   io.Writer
}

func (c command) client() (*client.Client, error) {
	return client.New(client.Config{BaseURL: c.flags.APIUrl, Timeout: c.flags.APITimeout})
}

func (c command) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(b))
	return err
}

// parseParams turns k=v pairs into worker params. A value that parses as
// JSON keeps its type; anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid param %q: want key=value", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
		} else {
			out[k] = v
		}
	}
	return out, nil
}

func (c command) StartSession(ctx context.Context, kind, sid string, params []string) error {
	p, err := parseParams(params)
	if err != nil {
		return err
	}
	cl, err := c.client()
	if err != nil {
		return err
	}
	resp, err := cl.StartSession(ctx, kind, sid, p)
	if err != nil {
		return err
	}
	return c.printJSON(resp)
}

func (c command) StopSession(ctx context.Context, kind, sid string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	if err := cl.StopSession(ctx, kind, sid); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "stopped %s %s\n", kind, sid)
	return nil
}

func (c command) StartPpa(ctx context.Context, mid string, params []string) error {
	p, err := parseParams(params)
	if err != nil {
		return err
	}
	cl, err := c.client()
	if err != nil {
		return err
	}
	resp, err := cl.StartPpa(ctx, mid, p)
	if err != nil {
		return err
	}
	return c.printJSON(resp)
}

func (c command) StopPpa(ctx context.Context, mid string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	if err := cl.StopPpa(ctx, mid); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "stopped ppa %s\n", mid)
	return nil
}

func (c command) Healthcheck(ctx context.Context) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	res, err := cl.Healthcheck(ctx)
	if err != nil {
		return err
	}
	return c.printJSON(res)
}

func (c command) Workers(ctx context.Context) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	ws, err := cl.Workers(ctx)
	if err != nil {
		return err
	}
	return c.printJSON(ws)
}

var sessionKinds = []string{"basecaller", "darkcal", "loadingcal"}

func createStartCommand(c command) *cobra.Command {
	var params []string
	cmd := &cobra.Command{
		Use:       "start <basecaller|darkcal|loadingcal> <sid>",
		Short:     "Start the worker of a session",
		Args:      cobra.ExactArgs(2),
		ValidArgs: sessionKinds,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.StartSession(cmd.Context(), args[0], args[1], params)
		},
	}
	cmd.Flags().StringArrayVar(&params, "param", nil, "worker parameter key=value (repeatable)")
	return cmd
}

func createStopCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:       "stop <basecaller|darkcal|loadingcal> <sid>",
		Short:     "Stop the worker of a session",
		Args:      cobra.ExactArgs(2),
		ValidArgs: sessionKinds,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.StopSession(cmd.Context(), args[0], args[1])
		},
	}
}

func createStartPpaCommand(c command) *cobra.Command {
	var (
		mid    string
		params []string
	)
	cmd := &cobra.Command{
		Use:   "start-ppa",
		Short: "Start a post-primary analysis job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.StartPpa(cmd.Context(), mid, params)
		},
	}
	cmd.Flags().StringVar(&mid, "mid", "", "job id (generated when empty)")
	cmd.Flags().StringArrayVar(&params, "param", nil, "worker parameter key=value (repeatable)")
	return cmd
}

func createStopPpaCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-ppa <mid>",
		Short: "Stop a post-primary analysis job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.StopPpa(cmd.Context(), args[0])
		},
	}
}

func createHealthcheckCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Sweep the daemon's workers and print the survivors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Healthcheck(cmd.Context())
		},
	}
}

func createWorkersCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List registered workers without sweeping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Workers(cmd.Context())
		},
	}
}
