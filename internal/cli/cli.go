package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	internal_http "github.com/naok1207/workflow-visualizer/internal/http"
	"github.com/naok1207/workflow-visualizer/internal/log"
	"github.com/naok1207/workflow-visualizer/internal/tracing"
	"github.com/naok1207/workflow-visualizer/pkg/service"
	"github.com/spf13/cobra"
)

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("driver", "", "Store driver: sqlite, postgres or memory (default $STORE_DRIVER or sqlite)")
	rootCmd.PersistentFlags().String("db", "", "Postgres connection string or sqlite file (default from env)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the read API, command endpoint and live event stream",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := serve(ctx, cmd); err != nil {
				fail("Server stopped with error", err)
			}
		},
	}
	serveCmd.Flags().String("port", "", "Listen port (default $SERVER_PORT or 3001)")

	callCmd := &cobra.Command{
		Use:   "call <command> [json-arguments]",
		Short: "Execute a command against the store and print the response",
		Args:  cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			var raw json.RawMessage
			if len(args) == 2 {
				raw = json.RawMessage(args[1])
			}
			withApp(cmd, func(ctx context.Context, a *app) {
				if !a.dispatcher.Has(args[0]) {
					fmt.Fprintf(os.Stderr, "Error: unknown command %q, see 'commands'\n", args[0])
					os.Exit(1)
				}
				res := a.dispatcher.Execute(ctx, args[0], raw)
				printJSON(cmd.OutOrStdout(), res)
				if !res.OK {
					os.Exit(2)
				}
			})
		},
	}

	commandsCmd := &cobra.Command{
		Use:   "commands",
		Short: "List the available commands",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			withApp(cmd, func(_ context.Context, a *app) {
				out := cmd.OutOrStdout()
				for _, def := range a.dispatcher.Definitions() {
					fmt.Fprintf(out, "%-22s %s\n", def.Name, def.Description)
					for _, p := range def.Params {
						req := ""
						if p.Required {
							req = " (required)"
						}
						fmt.Fprintf(out, "    %-18s %-8s %s%s\n", p.Name, p.Type, p.Description, req)
					}
				}
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pending and active tasks",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			limit, _ := cmd.Flags().GetInt("limit")
			withApp(cmd, func(ctx context.Context, a *app) {
				page, err := a.tasks.ListActive(ctx, service.ActiveFilter{Limit: limit})
				if err != nil {
					fail("Failed to list tasks", err)
				}
				listTasks(cmd.OutOrStdout(), page)
			})
		},
	}
	listCmd.Flags().Int("limit", service.DefaultListLimit, "Maximum number of tasks")

	statusCmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task with its workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withApp(cmd, func(ctx context.Context, a *app) {
				task, err := a.tasks.GetTask(ctx, args[0])
				if err != nil {
					fail("Failed to get task", err)
				}
				wf, err := a.workflows.GetWorkflowByTaskID(ctx, args[0])
				if err != nil && !service.IsKind(err, service.KindNotFound) {
					fail("Failed to get workflow", err)
				}
				printStatus(cmd.OutOrStdout(), task, wf)
			})
		},
	}

	templatesCmd := &cobra.Command{
		Use:   "templates",
		Short: "List task types and their default steps",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig(cmd)
			if err != nil {
				fail("Invalid configuration", err)
			}
			reg, err := loadTemplates(cfg.TemplatesFile)
			if err != nil {
				fail("Failed to load templates", err)
			}
			out := cmd.OutOrStdout()
			for _, info := range reg.Types() {
				fmt.Fprintf(out, "%s (%s)\n", info.Type, info.Label)
				for _, step := range info.Steps {
					fmt.Fprintf(out, "  %d. %s\n", step.Order, step.Name)
				}
			}
			for _, name := range reg.Names() {
				fmt.Fprintf(out, "template: %s\n", name)
			}
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch [task-id...]",
		Short: "Stream live events from a running server",
		Run: func(cmd *cobra.Command, args []string) {
			server, _ := cmd.Flags().GetString("server")
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := watch(ctx, server, args, cmd.OutOrStdout()); err != nil {
				fail("Watch stopped", err)
			}
		},
	}
	watchCmd.Flags().String("server", "ws://localhost:3001/ws", "Websocket URL of the server")

	rootCmd.AddCommand(serveCmd, callCmd, commandsCmd, listCmd, statusCmd, templatesCmd, watchCmd)
}

func serve(ctx context.Context, cmd *cobra.Command) error {
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	_, shutdownTracing, err := tracing.Setup(ctx, a.cfg.Tracing.Exporter, a.cfg.Tracing.ServiceName, Version)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.GetLogger().Errorf("Failed to flush traces: %v", err)
		}
	}()

	port, _ := cmd.Flags().GetString("port")
	if port == "" {
		port = a.cfg.Server.Port
	}
	srv := internal_http.NewServer(internal_http.Deps{
		Dispatcher:   a.dispatcher,
		Workflows:    a.workflows,
		Tasks:        a.tasks,
		Relay:        a.relay,
		Logger:       log.GetLogger(),
		PingInterval: a.cfg.Server.PingInterval,
	})
	log.GetLogger().Infof("Using %s store", a.cfg.Store.Driver)
	return internal_http.StartServer(ctx, port, srv.Handler(), a.cfg.Server.ShutdownTimeout, log.GetLogger())
}

// withApp runs fn with a wired engine and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app)) {
	ctx := context.Background()
	a, err := newApp(ctx, cmd)
	if err != nil {
		fail("Failed to initialize", err)
	}
	defer a.Close()
	fn(ctx, a)
}

func fail(msg string, err error) {
	log.GetLogger().Errorf("%s: %v", msg, err)
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	os.Exit(1)
}

func printJSON(w io.Writer, v interface{}) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
