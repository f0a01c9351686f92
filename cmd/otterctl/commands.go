package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/otter/internal/socketrpc"
	"github.com/tinytelemetry/otter/internal/tui"
)

// controlClient is the part of *socketrpc.Client the commands use.
type controlClient interface {
	tui.Source
	Attach() (socketrpc.Attachment, error)
	Close() error
}

type cli struct {
	configPath string
	socketPath string
	output     string
	interval   time.Duration

	dial func(socketPath string) (controlClient, error)
}

func newRootCmd() *cobra.Command {
	c := &cli{
		dial: func(path string) (controlClient, error) { return socketrpc.Dial(path) },
	}
	return c.rootCmd()
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "otterctl",
		Short: "Inspect and control a running otter agent",
		Long: `otterctl talks to a running otter agent over its control socket.

Examples:
  otterctl status            # Consumer state and counters
  otterctl status -o yaml    # Same, as YAML
  otterctl pause             # Stop draining the queue
  otterctl resume            # Start draining again
  otterctl reconnect         # Force the transport to reconnect
  otterctl watch             # Live view`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default is $HOME/.config/otter/config.yml)")
	root.PersistentFlags().StringVar(&c.socketPath, "socket", "", "override socket path to connect to the otter agent")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the bound consumer's state and counters",
		Args:  cobra.NoArgs,
		RunE:  c.runStatus,
	}
	status.Flags().StringVarP(&c.output, "output", "o", "text", "output format: text, json or yaml")

	depth := &cobra.Command{
		Use:   "depth",
		Short: "Show queue occupancy",
		Args:  cobra.NoArgs,
		RunE:  c.runDepth,
	}
	depth.Flags().StringVarP(&c.output, "output", "o", "text", "output format: text, json or yaml")

	attach := &cobra.Command{
		Use:   "attach",
		Short: "Show which consumer is bound and its binding generation",
		Args:  cobra.NoArgs,
		RunE:  c.runAttach,
	}
	attach.Flags().StringVarP(&c.output, "output", "o", "text", "output format: text, json or yaml")

	watch := &cobra.Command{
		Use:   "watch",
		Short: "Live view of queue depth and consumer state",
		Args:  cobra.NoArgs,
		RunE:  c.runWatch,
	}
	watch.Flags().DurationVarP(&c.interval, "interval", "i", 0, "poll interval (default from watch-interval)")

	root.AddCommand(
		status,
		depth,
		attach,
		c.controlCmd("pause", "Pause delivery; records keep queuing", "paused", controlClient.Pause),
		c.controlCmd("resume", "Resume delivery", "resumed", controlClient.Resume),
		c.controlCmd("reconnect", "Drop and re-establish the transport connection", "reconnect requested", controlClient.Reconnect),
		watch,
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Otter CLI - Agent Control\n")
			fmt.Fprintf(out, "  Version:    %s\n", version)
			fmt.Fprintf(out, "  Commit:     %s\n", commit)
			fmt.Fprintf(out, "  Built:      %s\n", buildTime)
			fmt.Fprintf(out, "  Go version: %s\n", goVersion)
		},
	}
}

func (c *cli) controlCmd(use, short, done string, op func(controlClient) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withClient(func(client controlClient) error {
				if err := op(client); err != nil {
					return explain(err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), done)
				return nil
			})
		},
	}
}

func (c *cli) runStatus(cmd *cobra.Command, _ []string) error {
	return c.withClient(func(client controlClient) error {
		st, err := client.Status()
		if err != nil {
			return explain(err)
		}
		return render(cmd.OutOrStdout(), c.output, st, func(w io.Writer) {
			fields(w,
				"Consumer", st.ID,
				"Transport", st.Transport,
				"State", st.State,
				"Paused", fmt.Sprint(st.Paused),
				"Started", st.Started.Format(time.RFC3339),
				"Sent", fmt.Sprint(st.Sent),
				"Dropped", fmt.Sprint(st.Dropped),
				"Reconnects", fmt.Sprint(st.Reconnects),
				"Queue", fmt.Sprintf("%d/%d", st.QueueDepth, st.QueueCap),
			)
			if st.LastError != "" {
				fields(w, "Last error", st.LastError)
			}
		})
	})
}

func (c *cli) runDepth(cmd *cobra.Command, _ []string) error {
	return c.withClient(func(client controlClient) error {
		d, err := client.Depth()
		if err != nil {
			return explain(err)
		}
		return render(cmd.OutOrStdout(), c.output, d, func(w io.Writer) {
			fmt.Fprintf(w, "%d/%d\n", d.Len, d.Cap)
		})
	})
}

func (c *cli) runAttach(cmd *cobra.Command, _ []string) error {
	return c.withClient(func(client controlClient) error {
		a, err := client.Attach()
		if err != nil {
			return explain(err)
		}
		return render(cmd.OutOrStdout(), c.output, a, func(w io.Writer) {
			fields(w,
				"Generation", fmt.Sprint(a.Generation),
				"Bound at", a.BoundAt.Format(time.RFC3339),
				"Consumer", a.Consumer.ID,
				"Transport", a.Consumer.Transport,
			)
		})
	})
}

func (c *cli) runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	interval := c.interval
	if interval <= 0 {
		interval = cfg.WatchInterval
	}
	return c.withClient(func(client controlClient) error {
		m := tui.NewModel(client, interval, socketrpc.IsUnbound)
		p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithInput(cmd.InOrStdin()), tea.WithOutput(cmd.OutOrStdout()))
		if _, err := p.Run(); err != nil {
			if strings.Contains(err.Error(), "TTY") || strings.Contains(err.Error(), "/dev/tty") {
				return fmt.Errorf("watch requires a real terminal")
			}
			return fmt.Errorf("error running watch: %w", err)
		}
		return nil
	})
}

func (c *cli) config() (cliConfig, error) {
	cfg, err := loadCLIConfig(c.configPath)
	if err != nil {
		return cfg, fmt.Errorf("loading config: %w", err)
	}
	if c.socketPath != "" {
		cfg.SocketPath = c.socketPath
	}
	return cfg, nil
}

func (c *cli) withClient(fn func(controlClient) error) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	client, err := c.dial(cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("cannot connect to otter agent at %s: %w\nIs the agent running? Start it with: otter", cfg.SocketPath, err)
	}
	defer client.Close()
	return fn(client)
}

var errNoConsumer = errors.New("no consumer is bound; the worker may be restarting, try again shortly")

func explain(err error) error {
	if socketrpc.IsUnbound(err) {
		return errNoConsumer
	}
	return err
}

func render(w io.Writer, format string, v any, text func(io.Writer)) error {
	switch format {
	case "", "text":
		text(w)
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
}

// fields writes label/value pairs as aligned rows.
func fields(w io.Writer, kv ...string) {
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(w, "%-12s %s\n", kv[i]+":", kv[i+1])
	}
}
