// Command openactl is the CLI shim over the core operations: connection
// and task CRUD, task execution, the OAuth2 begin/resume dance, stats,
// and cleanup — all against the local database, no running server needed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aionixone/openact/internal/api/handlers"
	"github.com/aionixone/openact/internal/cleanup"
	"github.com/aionixone/openact/internal/clientpool"
	"github.com/aionixone/openact/internal/config"
	"github.com/aionixone/openact/internal/domain"
	"github.com/aionixone/openact/internal/engine"
	"github.com/aionixone/openact/internal/merge"
	oauth2rt "github.com/aionixone/openact/internal/oauth2"
	"github.com/aionixone/openact/internal/store"
	"github.com/aionixone/openact/internal/trn"
	"github.com/aionixone/openact/internal/vault"
)

const usage = `usage: openactl <command> [flags]

commands:
  upsert-connection  -file <json>
  get-connection     -trn <trn>
  list-connections   -tenant <tenant> [-offset N] [-limit N]
  delete-connection  -trn <trn>
  upsert-task        -file <json>
  get-task           -trn <trn>
  list-tasks         -tenant <tenant> [-offset N] [-limit N]
  delete-task        -trn <trn>
  execute            -trn <task-trn> [-overrides <json>]
  oauth2-begin       -trn <connection-trn> -redirect-uri <uri>
  oauth2-resume      -run-id <id> -code <code> -state <state>
  stats
  cleanup
`

// app bundles the core components the subcommands delegate to.
type app struct {
	store   *store.Store
	pool    *clientpool.Pool
	oauth2  *oauth2rt.Runtime
	engine  *engine.Engine
	cleanup *cleanup.Service
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal("failed to load configuration: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fatal("%v", err)
	}
	defer a.store.Close()

	if err := a.run(ctx, os.Args[1], os.Args[2:]); err != nil {
		fatal("%v", err)
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	v, err := vault.NewFromHex(cfg.Credential.MasterKey)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	st = st.WithVault(v)

	pool := clientpool.New(cfg.ClientPool.Capacity)
	rt := oauth2rt.New(st,
		time.Duration(cfg.OAuth2.CheckpointTTLSeconds)*time.Second,
		time.Duration(cfg.OAuth2.TokenSkewSeconds)*time.Second)
	eng := engine.New(st, rt, pool).WithLogger(logger)

	return &app{
		store:   st,
		pool:    pool,
		oauth2:  rt,
		engine:  eng,
		cleanup: cleanup.NewService(st, logger, cfg.Cleanup.CleanupRevoked),
	}, nil
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "upsert-connection":
		return a.upsertConnection(ctx, args)
	case "get-connection":
		return a.getConnection(ctx, args)
	case "list-connections":
		return a.listConnections(ctx, args)
	case "delete-connection":
		return a.deleteConnection(ctx, args)
	case "upsert-task":
		return a.upsertTask(ctx, args)
	case "get-task":
		return a.getTask(ctx, args)
	case "list-tasks":
		return a.listTasks(ctx, args)
	case "delete-task":
		return a.deleteTask(ctx, args)
	case "execute":
		return a.execute(ctx, args)
	case "oauth2-begin":
		return a.oauth2Begin(ctx, args)
	case "oauth2-resume":
		return a.oauth2Resume(ctx, args)
	case "stats":
		return a.stats()
	case "cleanup":
		return a.runCleanup(ctx)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func (a *app) upsertConnection(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upsert-connection", flag.ExitOnError)
	file := fs.String("file", "", "path to the connection JSON")
	fs.Parse(args)

	var req handlers.ConnectionRequest
	if err := decodeFile(*file, &req); err != nil {
		return err
	}
	conn, err := req.ToDomain()
	if err != nil {
		return err
	}
	parsed, err := trn.Parse(conn.TRN)
	if err != nil {
		return err
	}
	saved, err := a.store.UpsertConnection(ctx, parsed.Tenant, conn)
	if err != nil {
		return err
	}
	return printJSON(handlers.ConnectionToResponse(saved))
}

func (a *app) getConnection(ctx context.Context, args []string) error {
	raw, err := trnFlag(args, "get-connection")
	if err != nil {
		return err
	}
	conn, err := a.store.GetConnection(ctx, raw)
	if err != nil {
		return err
	}
	return printJSON(handlers.ConnectionToResponse(conn))
}

func (a *app) listConnections(ctx context.Context, args []string) error {
	tenant, offset, limit, err := listFlags(args, "list-connections")
	if err != nil {
		return err
	}
	conns, err := a.store.ListConnections(ctx, tenant, offset, limit)
	if err != nil {
		return err
	}
	out := make([]*handlers.ConnectionResponse, 0, len(conns))
	for _, c := range conns {
		out = append(out, handlers.ConnectionToResponse(c))
	}
	return printJSON(out)
}

func (a *app) deleteConnection(ctx context.Context, args []string) error {
	raw, err := trnFlag(args, "delete-connection")
	if err != nil {
		return err
	}
	return a.store.DeleteConnection(ctx, raw)
}

func (a *app) upsertTask(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upsert-task", flag.ExitOnError)
	file := fs.String("file", "", "path to the task JSON")
	fs.Parse(args)

	var req handlers.TaskRequest
	if err := decodeFile(*file, &req); err != nil {
		return err
	}
	task, err := req.ToDomain()
	if err != nil {
		return err
	}
	parsed, err := trn.Parse(task.TRN)
	if err != nil {
		return err
	}
	saved, err := a.store.UpsertTask(ctx, parsed.Tenant, task)
	if err != nil {
		return err
	}
	return printJSON(handlers.TaskToResponse(saved))
}

func (a *app) getTask(ctx context.Context, args []string) error {
	raw, err := trnFlag(args, "get-task")
	if err != nil {
		return err
	}
	task, err := a.store.GetTask(ctx, raw)
	if err != nil {
		return err
	}
	return printJSON(handlers.TaskToResponse(task))
}

func (a *app) listTasks(ctx context.Context, args []string) error {
	tenant, offset, limit, err := listFlags(args, "list-tasks")
	if err != nil {
		return err
	}
	tasks, err := a.store.ListTasks(ctx, tenant, offset, limit)
	if err != nil {
		return err
	}
	out := make([]*handlers.TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, handlers.TaskToResponse(t))
	}
	return printJSON(out)
}

func (a *app) deleteTask(ctx context.Context, args []string) error {
	raw, err := trnFlag(args, "delete-task")
	if err != nil {
		return err
	}
	return a.store.DeleteTask(ctx, raw)
}

func (a *app) execute(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("execute", flag.ExitOnError)
	rawTRN := fs.String("trn", "", "task TRN to execute")
	overridesJSON := fs.String("overrides", "", "override JSON: {headers, query_params, body}")
	fs.Parse(args)

	parsed, err := trn.Parse(*rawTRN)
	if err != nil {
		return err
	}

	overrides := merge.Overrides{}
	if *overridesJSON != "" {
		var wire struct {
			Headers     map[string]any  `json:"headers"`
			QueryParams map[string]any  `json:"query_params"`
			Body        json.RawMessage `json:"body"`
		}
		if err := json.Unmarshal([]byte(*overridesJSON), &wire); err != nil {
			return fmt.Errorf("invalid -overrides JSON: %w", err)
		}
		var body domain.JSONBody
		hasBody := false
		if len(wire.Body) > 0 && string(wire.Body) != "null" {
			if err := json.Unmarshal(wire.Body, &body); err != nil {
				return fmt.Errorf("invalid override body: %w", err)
			}
			hasBody = true
		}
		overrides, err = merge.OverridesFromWire(wire.Headers, wire.QueryParams, body, hasBody)
		if err != nil {
			return err
		}
	}

	result, err := a.engine.Execute(ctx, parsed.Tenant, parsed.String(), overrides)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (a *app) oauth2Begin(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("oauth2-begin", flag.ExitOnError)
	rawTRN := fs.String("trn", "", "connection TRN")
	redirectURI := fs.String("redirect-uri", "", "redirect URI registered with the provider")
	fs.Parse(args)

	parsed, err := trn.Parse(*rawTRN)
	if err != nil {
		return err
	}
	conn, err := a.store.GetConnection(ctx, parsed.String())
	if err != nil {
		return err
	}
	begin, err := a.oauth2.Begin(ctx, parsed.Tenant, conn, *redirectURI)
	if err != nil {
		return err
	}
	return printJSON(map[string]string{
		"authorize_url": begin.AuthorizeURL,
		"run_id":        begin.RunID,
		"state":         begin.State,
	})
}

func (a *app) oauth2Resume(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("oauth2-resume", flag.ExitOnError)
	runID := fs.String("run-id", "", "run ID from oauth2-begin")
	code := fs.String("code", "", "authorization code from the callback")
	state := fs.String("state", "", "state from the callback")
	fs.Parse(args)

	cred, err := a.oauth2.Resume(ctx, *runID, *code, *state)
	if err != nil {
		return err
	}
	out := map[string]any{
		"token_type":           cred.TokenType,
		"scope":                cred.Scope,
		"access_token_present": cred.AccessToken != "",
	}
	if cred.ExpiresAt != nil {
		out["expires_at"] = cred.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return printJSON(out)
}

func (a *app) stats() error {
	ps := a.pool.Stats()
	return printJSON(map[string]any{
		"client_pool": map[string]any{
			"hits": ps.Hits, "builds": ps.Builds, "evictions": ps.Evictions,
			"size": ps.Size, "capacity": ps.Capacity, "hit_rate": ps.HitRate(),
		},
		"oauth2": a.oauth2.Stats(),
	})
}

func (a *app) runCleanup(ctx context.Context) error {
	result, err := a.cleanup.Run(ctx)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func trnFlag(args []string, name string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	raw := fs.String("trn", "", "resource TRN")
	fs.Parse(args)
	parsed, err := trn.Parse(*raw)
	if err != nil {
		return "", err
	}
	return parsed.String(), nil
}

func listFlags(args []string, name string) (tenant string, offset, limit int, err error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	t := fs.String("tenant", "", "tenant to list")
	o := fs.Int("offset", 0, "pagination offset")
	l := fs.Int("limit", 0, "pagination limit (default 100, cap 1000)")
	fs.Parse(args)
	if *t == "" {
		return "", 0, 0, fmt.Errorf("%s: -tenant is required", name)
	}
	return *t, *o, *l, nil
}

func decodeFile(path string, dst any) error {
	if path == "" {
		return fmt.Errorf("-file is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(dst)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
