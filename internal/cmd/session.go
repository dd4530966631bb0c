package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bashlet/bashlet/internal/sandbox"
	"github.com/bashlet/bashlet/internal/session"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage persistent sandbox sessions",
	Long: `A session is a saved sandbox configuration (mounts, environment,
working directory, backend) that commands can be run against by id or
name. Sessions with a TTL expire that long after creation.`,
}

var (
	createFlags sandboxFlags
	createName  string
	createTTL   string
)

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session",
	Long: `Create a session and print its record.

Examples:
  bashlet session create --name dev --mount ~/code/app:/workspace
  bashlet session create --ttl 2h --backend wasm --env CI=1`,
	Args: usageArgs(cobra.NoArgs),
	RunE: runSessionCreate,
}

var (
	runFlags  sandboxFlags
	runCreate bool
	runTTL    string
)

var sessionRunCmd = &cobra.Command{
	Use:   "run <id-or-name> <command>",
	Short: "Run a command in a session",
	Long: `Run a bash command against a session. Runs against the same session
are serialized.

With --create, a missing session is created under the given name from
the remaining flags.

Examples:
  bashlet session run dev 'npm test'
  bashlet session run --create --mount .:/workspace scratch 'ls'`,
	Args: usageArgs(cobra.MinimumNArgs(2)),
	RunE: runSessionRun,
}

var listOutput string

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live sessions",
	Args:  usageArgs(cobra.NoArgs),
	RunE:  runSessionList,
}

var sessionTerminateCmd = &cobra.Command{
	Use:     "terminate <id-or-name>",
	Aliases: []string{"rm"},
	Short:   "Terminate a session",
	Long: `Delete a session and the instance storage derived for it. A
caller-supplied rootfs image is left in place.`,
	Args: usageArgs(cobra.ExactArgs(1)),
	RunE: runSessionTerminate,
}

func init() {
	createFlags.register(sessionCreateCmd.Flags())
	sessionCreateCmd.Flags().StringVarP(&createName, "name", "n", "", "session name, usable in place of the id")
	sessionCreateCmd.Flags().StringVar(&createTTL, "ttl", "", "expire the session this long after creation (30s, 5m, 1h, 2d)")

	runFlags.register(sessionRunCmd.Flags())
	sessionRunCmd.Flags().BoolVarP(&runCreate, "create", "c", false, "create the session if it does not exist")
	sessionRunCmd.Flags().StringVar(&runTTL, "ttl", "", "TTL for a session created by --create")

	sessionListCmd.Flags().StringVarP(&listOutput, "output", "o", "json", "output format: json or table")

	sessionCmd.AddCommand(sessionCreateCmd, sessionRunCmd, sessionListCmd, sessionTerminateCmd)
	rootCmd.AddCommand(sessionCmd)
}

// sessionSpec turns resolved flags into a session spec.
func sessionSpec(a *app, f *sandboxFlags, name, ttl string) (session.Spec, error) {
	cfg, err := f.config(a)
	if err != nil {
		return session.Spec{}, err
	}
	spec := session.Spec{
		Name:    name,
		Mounts:  cfg.Mounts,
		Env:     cfg.Env,
		Workdir: cfg.Workdir,
		Backend: cfg.Kind,
		VM:      cfg.VM,
		Timeout: cfg.Timeout,
	}
	if ttl != "" {
		if spec.TTL, err = session.ParseTTL(ttl); err != nil {
			return session.Spec{}, err
		}
	}
	return spec, nil
}

func runSessionCreate(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	spec, err := sessionSpec(a, &createFlags, createName, createTTL)
	if err != nil {
		return err
	}
	mgr, err := a.sessions()
	if err != nil {
		return err
	}
	rec, err := mgr.Create(cmd.Context(), spec)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), rec)
}

func runSessionRun(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	mgr, err := a.sessions()
	if err != nil {
		return err
	}

	opts := session.RunOptions{CreateIfMissing: runCreate}
	if runCreate {
		if opts.Template, err = sessionSpec(a, &runFlags, args[0], runTTL); err != nil {
			return err
		}
	}

	res, err := mgr.Run(cmd.Context(), args[0], strings.Join(args[1:], " "), opts)
	if res == nil {
		return err
	}
	if err != nil {
		a.log.Warn().Err(err).Msg("session cleanup failed after run")
	}
	return writeJSON(cmd.OutOrStdout(), res)
}

func runSessionList(cmd *cobra.Command, args []string) error {
	if listOutput != "json" && listOutput != "table" {
		return fmt.Errorf("%w: unknown output format %q", sandbox.ErrConfig, listOutput)
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	mgr, err := a.sessions()
	if err != nil {
		return err
	}
	records, err := mgr.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if listOutput == "table" {
		return writeSessionTable(cmd.OutOrStdout(), records)
	}
	return writeJSON(cmd.OutOrStdout(), records)
}

func writeSessionTable(out io.Writer, records []*session.Record) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tBACKEND\tWORKDIR\tCREATED\tEXPIRES")
	_, _ = fmt.Fprintln(w, "--\t----\t-------\t-------\t-------\t-------")

	for _, rec := range records {
		expires := "never"
		if rec.TTLSeconds != nil {
			expires = rec.Created().Add(time.Duration(*rec.TTLSeconds) * time.Second).Format(time.DateTime)
		}
		backend := string(rec.Backend)
		if backend == "" {
			backend = string(sandbox.KindAuto)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID,
			rec.Name,
			backend,
			rec.Workdir,
			rec.Created().Format(time.DateTime),
			expires,
		)
	}

	return w.Flush()
}

func runSessionTerminate(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	mgr, err := a.sessions()
	if err != nil {
		return err
	}
	if err := mgr.Terminate(cmd.Context(), args[0]); err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), map[string]any{"session": args[0], "terminated": true})
}
