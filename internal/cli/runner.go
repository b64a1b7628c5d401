// Package cli implements the tmuxgate operator command line on top of
// appclient.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/tmuxgate/internal/api"
	"github.com/g960059/tmuxgate/internal/appclient"
)

const (
	envServer     = "TMUXGATE_SERVER"
	envToken      = "TMUXGATE_TOKEN"
	defaultServer = "http://127.0.0.1:8080"
)

type Runner struct {
	baseURL string
	client  *http.Client
	out     io.Writer
	errOut  io.Writer

	server  string
	token   string
	timeout time.Duration
	jsonOut bool
}

// usageError marks failures that exit with status 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func NewRunner(out, errOut io.Writer) *Runner {
	server := strings.TrimSpace(os.Getenv(envServer))
	if server == "" {
		server = defaultServer
	}
	return NewRunnerWithClient(server, &http.Client{}, out, errOut)
}

func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Runner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		out:     out,
		errOut:  errOut,
	}
}

// Run executes args and returns the process exit code.
func (r *Runner) Run(ctx context.Context, args []string) int {
	root := r.rootCmd()
	root.SetArgs(args)
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	if err := root.ExecuteContext(ctx); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tmuxgate",
		Short:         "Operate a tmuxgated gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return usageError{errors.New("a subcommand is required")}
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })
	pf := root.PersistentFlags()
	pf.StringVar(&r.server, "server", r.baseURL, "gateway base URL (or set "+envServer+")")
	pf.StringVar(&r.token, "token", os.Getenv(envToken), "bearer token (or set "+envToken+")")
	pf.DurationVar(&r.timeout, "timeout", 10*time.Second, "per-request timeout")
	pf.BoolVar(&r.jsonOut, "json", false, "output JSON")

	root.AddCommand(
		r.healthCmd(),
		r.sendCmd(),
		r.scheduleCmd(),
		r.tasksCmd(),
		r.uploadCmd(),
		r.downloadCmd(),
		r.lsCmd(),
		r.sessionCmd(),
		r.outputCmd(),
		r.dispatchesCmd(),
		r.notifyTestCmd(),
	)
	return root
}

func (r *Runner) api() *appclient.Client {
	return appclient.NewWithClient(r.server, r.token, r.client).WithUnaryTimeout(r.timeout)
}

func (r *Runner) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show gateway health",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.api().Health(cmd.Context())
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(resp)
			}
			session := "none"
			if resp.Session != nil {
				session = fmt.Sprintf("%s alive=%t", resp.Session.Name, resp.Session.Alive)
			}
			_, _ = fmt.Fprintf(r.out, "status=%s session=%s broker=%s\n", resp.Status, session, resp.Broker)
			return nil
		},
	}
}

func (r *Runner) sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <command...>",
		Short: "Send a command line to the session",
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := r.api().SubmitCommand(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(resp)
			}
			_, _ = fmt.Fprintf(r.out, "dispatch %s: accepted=%t session=%s\n", resp.DispatchID, resp.Accepted, resp.SessionID)
			return nil
		},
	}
	// Everything after the first word belongs to the remote command.
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func (r *Runner) scheduleCmd() *cobra.Command {
	var at, delay string
	var wait bool
	cmd := &cobra.Command{
		Use:   "schedule <command...>",
		Short: "Schedule a command for later delivery",
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (at == "") == (delay == "") {
				return usageError{errors.New("exactly one of --at or --in is required")}
			}
			client := r.api()
			task, err := client.Schedule(cmd.Context(), strings.Join(args, " "), at, delay)
			if err != nil {
				return err
			}
			if wait {
				task, err = client.WaitTask(cmd.Context(), task.TaskID, time.Second)
				if err != nil {
					return err
				}
			}
			if r.jsonOut {
				return r.printJSON(task)
			}
			r.printTask(task)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "absolute due time (RFC 3339 with offset)")
	cmd.Flags().StringVar(&delay, "in", "", `relative delay such as "+30s" or "5 minutes"`)
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the task fires or is cancelled")
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func (r *Runner) tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and cancel scheduled tasks",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent tasks",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tasks, err := r.api().ListTasks(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(tasks)
			}
			tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "TASK\tSTATUS\tDUE\tCOMMAND")
			for _, t := range tasks {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.TaskID, t.Status, t.DueAt.Format(time.RFC3339), t.Command)
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 0, "max tasks to return")

	show := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := r.api().Task(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(task)
			}
			r.printTask(task)
			return nil
		},
	}
	cancel := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending task",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := r.api().CancelTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(resp)
			}
			_, _ = fmt.Fprintf(r.out, "task %s: cancelled=%t status=%s\n", resp.TaskID, resp.Cancelled, resp.Status)
			return nil
		},
	}
	cmd.AddCommand(list, show, cancel)
	return cmd
}

func (r *Runner) uploadCmd() *cobra.Command {
	var dir, name string
	cmd := &cobra.Command{
		Use:   "upload <local-file>",
		Short: "Upload a file into the gateway file root",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close() //nolint:errcheck
			if name == "" {
				name = filepath.Base(args[0])
			}
			resp, err := r.api().Upload(cmd.Context(), dir, name, f)
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(resp)
			}
			_, _ = fmt.Fprintf(r.out, "uploaded %s (%d bytes)\n", resp.Path, resp.Size)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "destination directory under the file root")
	cmd.Flags().StringVar(&name, "name", "", "stored filename (default: local basename)")
	return cmd
}

func (r *Runner) downloadCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "download <path>",
		Short: "Download a file from the gateway file root",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "-" {
				_, err := r.api().Download(cmd.Context(), args[0], r.out)
				return err
			}
			if output == "" {
				output = filepath.Base(filepath.FromSlash(args[0]))
			}
			tmp, err := os.CreateTemp(filepath.Dir(output), ".tmuxgate-download-*")
			if err != nil {
				return err
			}
			defer os.Remove(tmp.Name()) //nolint:errcheck
			n, err := r.api().Download(cmd.Context(), args[0], tmp)
			if cerr := tmp.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			if err := os.Rename(tmp.Name(), output); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(r.errOut, "wrote %s (%d bytes)\n", output, n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", `local destination ("-" for stdout)`)
	return cmd
}

func (r *Runner) lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [dir]",
		Short: "List a directory under the file root",
		Args:  maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			items, err := r.api().ListFiles(cmd.Context(), dir)
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(items)
			}
			tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
			for _, it := range items {
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", it.Type, it.Size, it.ModTime.Format(time.RFC3339), it.Path)
			}
			return tw.Flush()
		},
	}
}

func (r *Runner) sessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Show the managed tmux session",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := r.api().Session(cmd.Context())
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(sess)
			}
			_, _ = fmt.Fprintf(r.out, "%s name=%s alive=%t epoch=%d\n", sess.SessionID, sess.Name, sess.Alive, sess.Epoch)
			return nil
		},
	}
}

func (r *Runner) outputCmd() *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "output",
		Short: "Print recent pane output",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.api().Output(cmd.Context(), lines)
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(resp)
			}
			_, _ = io.WriteString(r.out, resp.Output)
			if !strings.HasSuffix(resp.Output, "\n") {
				_, _ = io.WriteString(r.out, "\n")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 0, "number of lines to capture")
	return cmd
}

func (r *Runner) dispatchesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dispatches [dispatch-id]",
		Short: "List recent command dispatches, or show one",
		Args:  maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				d, err := r.api().Dispatch(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if r.jsonOut {
					return r.printJSON(d)
				}
				code := ""
				if d.ErrorCode != nil {
					code = " error=" + *d.ErrorCode
				}
				_, _ = fmt.Fprintf(r.out, "%s result=%s origin=%s principal=%s policy=%s%s\n%s\n",
					d.DispatchID, d.Result, d.Origin, d.Principal, d.PolicyVersion, code, d.Command)
				return nil
			}
			items, err := r.api().Dispatches(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(items)
			}
			tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "DISPATCH\tRESULT\tORIGIN\tPRINCIPAL\tCOMMAND")
			for _, d := range items {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.DispatchID, d.Result, d.Origin, d.Principal, d.Command)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max records to return")
	return cmd
}

func (r *Runner) notifyTestCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "notify-test",
		Short: "Publish a test notification through the broker",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.api().NotifyTest(cmd.Context(), message)
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(resp)
			}
			_, _ = fmt.Fprintf(r.out, "published to %s\n", resp.Topic)
			return nil
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "message body")
	return cmd
}

func (r *Runner) printTask(t api.TaskResponse) {
	_, _ = fmt.Fprintf(r.out, "task %s: %s due=%s", t.TaskID, t.Status, t.DueAt.Format(time.RFC3339))
	if t.DispatchID != nil {
		_, _ = fmt.Fprintf(r.out, " dispatch=%s", *t.DispatchID)
	}
	if t.ErrorCode != nil {
		_, _ = fmt.Fprintf(r.out, " error=%s", *t.ErrorCode)
	}
	_, _ = fmt.Fprintln(r.out)
}

func (r *Runner) printJSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	var uErr usageError
	if errors.As(err, &uErr) {
		return 2
	}
	return 1
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usageError{fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath())}
	}
	return nil
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageError{fmt.Errorf("%s expects %d argument(s), got %d", cmd.CommandPath(), n, len(args))}
		}
		return nil
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return usageError{fmt.Errorf("%s expects at least %d argument(s)", cmd.CommandPath(), n)}
		}
		return nil
	}
}

func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) > n {
			return usageError{fmt.Errorf("%s expects at most %d argument(s)", cmd.CommandPath(), n)}
		}
		return nil
	}
}
