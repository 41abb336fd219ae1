package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourorg/stockroom/internal/authstate"
	"github.com/yourorg/stockroom/internal/backend"
	"github.com/yourorg/stockroom/internal/domain"
	"github.com/yourorg/stockroom/internal/featureflags"
	"github.com/yourorg/stockroom/internal/infrastructure/logger"
	"github.com/yourorg/stockroom/internal/infrastructure/redis"
	"github.com/yourorg/stockroom/internal/observability/tracing"
	"github.com/yourorg/stockroom/internal/service"
	"github.com/yourorg/stockroom/internal/snapshot"
	"github.com/yourorg/stockroom/internal/worker"
	"github.com/yourorg/stockroom/pkg/config"
)

// app bundles the wired components every subcommand works against.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	client    *backend.Client
	manager   *authstate.Manager
	inventory *service.InventoryService
	shutdown  func()
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "auth":
		handleAuth(args)
	case "org":
		handleOrg(args)
	case "inventory":
		handleInventory(args)
	case "watch":
		runWatch()
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`stockroom - restaurant inventory tracker

Usage:
  stockroom auth <signup|login|logout|who|reset-password|update-password>
  stockroom org create -name <name> [-slug <slug>]
  stockroom inventory <list|add|update|delete|inc|dec>
  stockroom watch

Environment:
  STOCKROOM_BACKEND_URL       hosted backend URL (required)
  STOCKROOM_BACKEND_ANON_KEY  publishable API key (required)`)
}

// setup loads configuration and wires the client, services, and auth state
// manager. Missing backend credentials are reported, not fatal: the typed
// ConfigurationError from the first operation carries the message.
func setup(realtime bool) *app {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(cfg.LogLevel)

	shutdownTracing, err := tracing.Init(context.Background(), log, cfg.Environment)
	if err != nil {
		log.Warn("tracing setup failed", slog.String("error", err.Error()))
		shutdownTracing = func(context.Context) error { return nil }
	}

	var store backend.SessionStore
	if cfg.SessionFile != "" {
		store = backend.NewFileSessionStore(cfg.SessionFile)
	}

	client := backend.NewClient(cfg, backend.Options{
		Store:    store,
		Logger:   log,
		Realtime: realtime,
	})

	var orgCache snapshot.Store
	if cfg.RedisURL != "" {
		redisClient, err := redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Warn("redis unavailable, falling back to in-memory snapshot cache",
				slog.String("error", err.Error()),
			)
			orgCache = snapshot.NewMemoryStore(cfg.OrgCacheTTL)
		} else {
			orgCache = snapshot.NewRedisStore(redisClient, cfg.OrgCacheTTL, log)
		}
	} else {
		orgCache = snapshot.NewMemoryStore(cfg.OrgCacheTTL)
	}

	orgService := service.NewOrganizationService(client, log)
	manager := authstate.NewManager(authstate.Config{
		Sessions:  client,
		Events:    client,
		Directory: client,
		Auth:      client,
		Orgs:      orgService,
		Cache:     orgCache,
		Logger:    log,
	})

	return &app{
		cfg:       cfg,
		log:       log,
		client:    client,
		manager:   manager,
		inventory: service.NewInventoryService(client, log),
		shutdown: func() {
			manager.Close()
			client.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		},
	}
}

// start runs the session bootstrap and blocks until the projection settles,
// so subcommands see the resolved user and organization.
func (a *app) start(ctx context.Context) authstate.Snapshot {
	if err := a.manager.Start(ctx); err != nil {
		fail(err)
	}

	settled := make(chan authstate.Snapshot, 1)
	unsub := a.manager.Subscribe(func(s authstate.Snapshot) {
		if !s.Loading {
			select {
			case settled <- s:
			default:
			}
		}
	})
	defer unsub()

	select {
	case snap := <-settled:
		return snap
	case <-time.After(30 * time.Second):
		fail(errors.New("timed out waiting for session bootstrap"))
		return authstate.Snapshot{}
	}
}

func fail(err error) {
	if backend.IsConfiguration(err) {
		fmt.Fprintln(os.Stderr, "stockroom is not configured:")
		fmt.Fprintf(os.Stderr, "  %v\n", err)
		fmt.Fprintln(os.Stderr, "set STOCKROOM_BACKEND_URL and STOCKROOM_BACKEND_ANON_KEY, then retry")
		os.Exit(2)
	}
	if ae, ok := backend.AsAuthError(err); ok {
		fmt.Fprintf(os.Stderr, "error: %s\n", ae.Message)
		os.Exit(1)
	}
	if backend.IsNetwork(err) {
		fmt.Fprintf(os.Stderr, "backend unreachable: %v\nretry once the connection is back\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func handleAuth(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: stockroom auth <signup|login|logout|who|reset-password|update-password>")
		return
	}

	a := setup(featureflags.Enabled("realtime"))
	defer a.shutdown()
	ctx := context.Background()

	switch args[0] {
	case "signup":
		fs := flag.NewFlagSet("signup", flag.ExitOnError)
		email := fs.String("email", "", "email address")
		password := fs.String("password", "", "password (min 8 characters)")
		_ = fs.Parse(args[1:])
		if err := a.manager.SignUp(ctx, *email, *password); err != nil {
			fail(err)
		}
		fmt.Printf("signed up as %s\n", *email)

	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		email := fs.String("email", "", "email address")
		password := fs.String("password", "", "password")
		_ = fs.Parse(args[1:])
		if err := a.manager.SignIn(ctx, *email, *password); err != nil {
			fail(err)
		}
		fmt.Printf("signed in as %s\n", *email)

	case "logout":
		a.start(ctx)
		if err := a.manager.SignOut(ctx); err != nil {
			fail(err)
		}
		fmt.Println("signed out")

	case "who":
		snap := a.start(ctx)
		if snap.User == nil {
			fmt.Println("not signed in")
			return
		}
		fmt.Printf("user: %s (%s)\n", snap.User.Email, snap.User.ID)
		if snap.Organization != nil {
			fmt.Printf("organization: %s (%s)\n", snap.Organization.Name, snap.Organization.Slug)
		} else {
			fmt.Println("organization: none - run 'stockroom org create'")
		}

	case "reset-password":
		fs := flag.NewFlagSet("reset-password", flag.ExitOnError)
		email := fs.String("email", "", "email address")
		_ = fs.Parse(args[1:])
		if err := a.manager.ResetPassword(ctx, *email); err != nil {
			fail(err)
		}
		fmt.Println("password reset email sent")

	case "update-password":
		fs := flag.NewFlagSet("update-password", flag.ExitOnError)
		password := fs.String("password", "", "new password (min 8 characters)")
		_ = fs.Parse(args[1:])
		a.start(ctx)
		if err := a.manager.UpdatePassword(ctx, *password); err != nil {
			fail(err)
		}
		fmt.Println("password updated")

	default:
		fmt.Printf("unknown auth command: %s\n", args[0])
	}
}

func handleOrg(args []string) {
	if len(args) < 1 || args[0] != "create" {
		fmt.Println("Usage: stockroom org create -name <name> [-slug <slug>]")
		return
	}

	fs := flag.NewFlagSet("create", flag.ExitOnError)
	name := fs.String("name", "", "restaurant name")
	slug := fs.String("slug", "", "url-safe slug (derived from name when omitted)")
	_ = fs.Parse(args[1:])

	a := setup(featureflags.Enabled("realtime"))
	defer a.shutdown()
	ctx := context.Background()

	snap := a.start(ctx)
	if snap.User == nil {
		fail(errors.New("sign in first: stockroom auth login"))
	}
	if snap.Organization != nil {
		fail(fmt.Errorf("already a member of %q", snap.Organization.Name))
	}

	s := *slug
	if s == "" {
		s = service.Slugify(*name)
	}

	org, err := a.manager.CreateOrganization(ctx, *name, s)
	if err != nil {
		fail(err)
	}
	fmt.Printf("created organization %s (%s)\n", org.Name, org.Slug)
}

func handleInventory(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: stockroom inventory <list|add|update|delete|inc|dec>")
		return
	}

	a := setup(featureflags.Enabled("realtime"))
	defer a.shutdown()
	ctx := context.Background()

	snap := a.start(ctx)
	if snap.User == nil {
		fail(errors.New("sign in first: stockroom auth login"))
	}
	if snap.Organization == nil {
		fail(errors.New("no organization yet: stockroom org create"))
	}
	orgID := snap.Organization.ID

	switch args[0] {
	case "list":
		items, stats, err := a.inventory.Overview(ctx, orgID)
		if err != nil {
			fail(err)
		}
		printItems(items)
		fmt.Printf("\n%d items, %d categories, %d low, %d critical\n",
			stats.TotalItems, stats.Categories, stats.LowStock, stats.Critical)

	case "add":
		fs := flag.NewFlagSet("add", flag.ExitOnError)
		name := fs.String("name", "", "item name")
		category := fs.String("category", "", "category")
		quantity := fs.Float64("quantity", 0, "current quantity")
		unit := fs.String("unit", "", "unit of measure")
		minStock := fs.Float64("min-stock", 0, "minimum stock level")
		_ = fs.Parse(args[1:])

		item, err := a.inventory.Create(ctx, domain.InventoryItem{
			OrganizationID: orgID,
			Name:           *name,
			Category:       *category,
			Quantity:       *quantity,
			Unit:           *unit,
			MinStock:       *minStock,
		})
		if err != nil {
			fail(err)
		}
		fmt.Printf("added %s (%s)\n", item.Name, item.ID)

	case "update":
		fs := flag.NewFlagSet("update", flag.ExitOnError)
		id := fs.String("id", "", "item id")
		name := fs.String("name", "", "item name")
		category := fs.String("category", "", "category")
		quantity := fs.Float64("quantity", 0, "current quantity")
		unit := fs.String("unit", "", "unit of measure")
		minStock := fs.Float64("min-stock", 0, "minimum stock level")
		_ = fs.Parse(args[1:])

		item, err := a.inventory.Update(ctx, domain.InventoryItem{
			ID:             *id,
			OrganizationID: orgID,
			Name:           *name,
			Category:       *category,
			Quantity:       *quantity,
			Unit:           *unit,
			MinStock:       *minStock,
		})
		if err != nil {
			fail(err)
		}
		fmt.Printf("updated %s\n", item.Name)

	case "delete":
		fs := flag.NewFlagSet("delete", flag.ExitOnError)
		id := fs.String("id", "", "item id")
		_ = fs.Parse(args[1:])
		if err := a.inventory.Delete(ctx, orgID, *id); err != nil {
			fail(err)
		}
		fmt.Println("deleted")

	case "inc", "dec":
		fs := flag.NewFlagSet(args[0], flag.ExitOnError)
		id := fs.String("id", "", "item id")
		by := fs.Float64("by", 1, "amount to adjust by")
		_ = fs.Parse(args[1:])

		delta := *by
		if args[0] == "dec" {
			delta = -delta
		}
		item, err := a.inventory.AdjustQuantity(ctx, orgID, *id, delta)
		if err != nil {
			fail(err)
		}
		fmt.Printf("%s: %.2f %s (%s)\n", item.Name, item.Quantity, item.Unit, item.Status())

	default:
		fmt.Printf("unknown inventory command: %s\n", args[0])
	}
}

func printItems(items []domain.InventoryItem) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tQUANTITY\tUNIT\tMIN\tSTATUS")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\t%.2f\t%s\n",
			item.ID, item.Name, item.Category, item.Quantity, item.Unit, item.MinStock, item.Status())
	}
	w.Flush()
}

// runWatch keeps the auth state machine and the low-stock alert worker
// running until interrupted, optionally serving Prometheus metrics.
func runWatch() {
	a := setup(true)
	defer a.shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snap := a.start(ctx)
	a.log.Info("watch started",
		slog.String("state", snap.State.String()),
		slog.String("route", authstate.RouteFor(snap).String()),
	)

	unsub := a.manager.Subscribe(func(s authstate.Snapshot) {
		a.log.Info("auth state changed",
			slog.String("state", s.State.String()),
			slog.String("route", authstate.RouteFor(s).String()),
		)
	})
	defer unsub()

	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
		defer srv.Close()
		a.log.Info("metrics listening", slog.String("addr", a.cfg.MetricsAddr))
	}

	alerts := worker.NewAlertWorker(a.manager, a.inventory, a.log, a.cfg.AlertInterval)
	alerts.Start(ctx)
}
