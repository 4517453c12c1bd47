package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"fixline/internal/app"
	"fixline/internal/config"
	"fixline/internal/db"
	"fixline/internal/domain"
	"fixline/internal/engine"
	"fixline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fixline CLI",
	Long: `Fixline routes maintenance work requests to workers.
- Work request: a problem reported against a property, tagged with a work category.
- Assignment: the routable unit created for every accepted request; it starts UNASSIGNED.
- Assign: link a worker of the same organization; the assignment becomes ASSIGNED.
- Status: UNASSIGNED, ASSIGNED, COMPLETED or CANCELLED. COMPLETED and CANCELLED are final.
- Ledger: every change appends an update (status, note, actor) that is never rewritten; view it with 'fl assignment history'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FIXLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded in the ledger")
	rootCmd.PersistentFlags().String("org", "", "organization id")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	for _, name := range []string{"workspace", "json", "actor-id", "org", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(assignmentCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage fixline.yml",
		Long:  "Config holds the service address, the transition policy (permissive or strict), the retry budget for concurrent status updates, the work category catalog and logging.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default fixline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate fixline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Submit work requests"}
	req.AddCommand(requestSubmitCmd())
	return req
}

func requestSubmitCmd() *cobra.Command {
	var opts engine.RequestCreateOptions
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Accept a work request and create its assignment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				org, err := requireOrg()
				if err != nil {
					return err
				}
				opts.OrganizationID = org
				opts.RequesterID = viper.GetString("actor-id")
				a, err := e.SubmitRequest(ctx, opts)
				if err != nil {
					return err
				}
				return printAssignment(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "request id (generated when empty)")
	cmd.Flags().StringVar(&opts.PropertyID, "property", "", "property id")
	cmd.Flags().StringVar(&opts.Description, "description", "", "problem description")
	cmd.Flags().StringVar(&opts.Category, "category", "", "work category")
	return cmd
}

func assignmentCmd() *cobra.Command {
	a := &cobra.Command{Use: "assignment", Aliases: []string{"a"}, Short: "Route and track assignments"}
	a.AddCommand(assignmentListCmd())
	a.AddCommand(assignmentGetCmd())
	a.AddCommand(assignmentByRequestCmd())
	a.AddCommand(assignmentAssignCmd())
	a.AddCommand(assignmentStatusCmd())
	a.AddCommand(assignmentHistoryCmd())
	a.AddCommand(assignmentCandidatesCmd())
	a.AddCommand(assignmentSummaryCmd())
	return a
}

func assignmentListCmd() *cobra.Command {
	var unassigned bool
	var workerID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assignments, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					items []domain.Assignment
					err   error
				)
				switch {
				case workerID != "":
					items, err = e.ListForWorker(ctx, workerID)
				case unassigned:
					org, oerr := requireOrg()
					if oerr != nil {
						return oerr
					}
					items, err = e.ListUnassigned(ctx, org)
				default:
					org, oerr := requireOrg()
					if oerr != nil {
						return oerr
					}
					items, err = e.ListForOrganization(ctx, org)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Category", "Status", "Worker", "Request", "Created"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Category, a.Status, stringOrEmpty(a.WorkerID), a.RequestID, a.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unassigned, "unassigned", false, "only assignments never linked to a worker")
	cmd.Flags().StringVar(&workerID, "worker", "", "assignments linked to this worker")
	return cmd
}

func assignmentGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <assignment-id>",
		Short: "Show an assignment with its ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					a   domain.Assignment
					err error
				)
				if org := viper.GetString("org"); org != "" {
					a, err = e.GetForOrganization(ctx, org, args[0])
				} else {
					a, err = e.GetAssignment(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printAssignment(a)
			})
		},
	}
}

func assignmentByRequestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "by-request <request-id>",
		Short: "Show the assignment created for a work request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetByRequestID(ctx, args[0])
				if err != nil {
					return err
				}
				return printAssignment(a)
			})
		},
	}
}

func assignmentAssignCmd() *cobra.Command {
	var opts engine.AssignOptions
	cmd := &cobra.Command{
		Use:   "assign <assignment-id>",
		Short: "Assign or reassign a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.AssignmentID = args[0]
				opts.ActorID = viper.GetString("actor-id")
				a, err := e.Assign(ctx, opts)
				if err != nil {
					return err
				}
				return printAssignment(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.WorkerID, "worker", "", "worker id")
	cmd.Flags().Int64Var(&opts.ExpectedVersion, "version", 0, "expected assignment version; set it so a concurrent assign fails with a conflict (0 reassigns whatever is current)")
	cmd.Flags().StringVar(&opts.Note, "note", "", "ledger note")
	return cmd
}

func assignmentStatusCmd() *cobra.Command {
	var (
		opts     engine.StatusUpdateOptions
		workerID string
	)
	cmd := &cobra.Command{
		Use:   "status <assignment-id>",
		Short: "Set the status of an open assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.AssignmentID = args[0]
				opts.ActorID = viper.GetString("actor-id")
				var (
					u   domain.Update
					err error
				)
				if workerID != "" {
					u, err = e.UpdateStatusForWorker(ctx, workerID, opts)
				} else {
					u, err = e.UpdateStatus(ctx, opts)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(u)
				}
				fmt.Printf("%s #%d %s\n", u.AssignmentID, u.Seq, u.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "UNASSIGNED, ASSIGNED, COMPLETED or CANCELLED")
	cmd.Flags().StringVar(&opts.Note, "note", "", "ledger note")
	cmd.Flags().StringVar(&workerID, "as-worker", "", "act as this worker; the assignment must be linked to it")
	return cmd
}

func assignmentHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <assignment-id>",
		Short: "Show the assignment ledger, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				updates, err := e.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(updates)
				}
				printUpdates(updates)
				return nil
			})
		},
	}
}

func assignmentCandidatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "candidates <assignment-id>",
		Short: "Workers matching the assignment category, least loaded first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				candidates, err := e.MatchWorkers(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(candidates)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Worker", "Name", "Specialty", "Open"})
				for _, c := range candidates {
					tw.AppendRow(table.Row{c.Worker.ID, c.Worker.Name, c.Worker.Specialty, c.OpenCount})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func assignmentSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Assignment counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				org, err := requireOrg()
				if err != nil {
					return err
				}
				counts, err := e.Summary(ctx, org)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Count"})
				for _, s := range domain.Statuses {
					tw.AppendRow(table.Row{s, counts[s]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func workerCmd() *cobra.Command {
	w := &cobra.Command{Use: "worker", Short: "Manage the worker directory"}
	w.AddCommand(workerAddCmd())
	w.AddCommand(workerListCmd())
	return w
}

func workerAddCmd() *cobra.Command {
	var opts engine.WorkerCreateOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				org, err := requireOrg()
				if err != nil {
					return err
				}
				opts.OrganizationID = org
				w, err := e.RegisterWorker(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Println(w.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "worker id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Specialty, "specialty", "", "work category the worker handles")
	return cmd
}

func workerListCmd() *cobra.Command {
	var specialty string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				workers, err := e.ListWorkers(ctx, viper.GetString("org"), specialty)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(workers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Specialty", "Organization"})
				for _, w := range workers {
					tw.AppendRow(table.Row{w.ID, w.Name, w.Specialty, w.OrganizationID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&specialty, "specialty", "", "specialty filter")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		role, subject, workerID string
		ttl                     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "DEV ONLY: mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			org, err := requireOrg()
			if err != nil {
				return err
			}
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			token, err := server.SignToken(jwtSecret(), server.Principal{
				ActorID:        subject,
				OrganizationID: org,
				Role:           role,
				WorkerID:       workerID,
			}, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", server.RoleAdmin, "admin, owner or worker")
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to --actor-id)")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "worker id for worker tokens (defaults to the subject)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 = no expiry)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			if addr == "" {
				addr = rt.Config.Service.Addr
			}
			if basePath == "" {
				basePath = rt.Config.Service.BasePath
			}
			authCfg := server.AuthConfig{JWTSecret: jwtSecret()}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FIXLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg, Logger: rt.Logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			rt.Logger.Info("serving fixline API",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.String("transition_policy", rt.Config.Lifecycle.TransitionPolicy))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to service.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to service.base_path)")
	return cmd
}

// --- helpers ---

func openRuntime(ctx context.Context) (*app.Runtime, error) {
	return app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func requireOrg() (string, error) {
	org := strings.TrimSpace(viper.GetString("org"))
	if org == "" {
		return "", fmt.Errorf("organization not specified; use --org or FIXLINE_ORG")
	}
	return org, nil
}

func jwtSecret() string {
	return viper.GetString("jwt-secret")
}

func printAssignment(a domain.Assignment) error {
	if viper.GetBool("json") {
		return printJSON(a)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", a.ID},
		{"Organization", a.OrganizationID},
		{"Category", a.Category},
		{"Status", a.Status},
		{"Worker", stringOrEmpty(a.WorkerID)},
		{"Request", a.RequestID},
		{"Version", a.Version},
	})
	tw.Render()
	printUpdates(a.Updates)
	return nil
}

func printUpdates(updates []domain.Update) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Status", "Note", "Actor", "At"})
	for _, u := range updates {
		tw.AppendRow(table.Row{u.Seq, u.Status, u.Note, u.ActorID, u.CreatedAt.Format(time.RFC3339Nano)})
	}
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
