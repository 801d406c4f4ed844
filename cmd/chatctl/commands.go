package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"radiochat/internal/auth"
	"radiochat/internal/config"
	"radiochat/internal/database/boltstore"
	"radiochat/internal/database/sqlitestore"
	"radiochat/internal/handlers"
	"radiochat/internal/moderation"

	"github.com/spf13/pflag"
)

const requestTimeout = 30 * time.Second

func rootCommand(g *globals, stdout io.Writer) *command {
	return &command{
		Name:    "chatctl",
		Summary: "Operate a radiochat server.",
		Usage:   "chatctl <command> [flags]",
		Subcommands: []*command{
			healthCommand(g, stdout),
			tokenCommand(g, stdout),
			userCommand(g, stdout),
			blocksCommand(g, stdout),
			sayCommand(g, stdout),
		},
	}
}

// serverFlags binds --server and --token to g.
func serverFlags(fs *pflag.FlagSet, g *globals) {
	fs.StringVar(&g.Server, "server", g.Server, "server base URL (env CHATCTL_SERVER)")
	fs.StringVar(&g.Token, "token", g.Token, "admin session token (env CHATCTL_TOKEN)")
}

// dbFlags binds --db and --backend to g.
func dbFlags(fs *pflag.FlagSet, g *globals) {
	fs.StringVar(&g.DBPath, "db", g.DBPath, "database path (env RADIOCHAT_DB_PATH)")
	fs.StringVar(&g.Backend, "backend", g.Backend, "store backend: bolt or sqlite (env STORE_BACKEND)")
}

func healthCommand(g *globals, stdout io.Writer) *command {
	return &command{
		Name:    "health",
		Summary: "Check liveness and, with a token, print listener stats.",
		Usage:   "chatctl health [--server URL] [--token TOKEN]",
		Flags:   func(fs *pflag.FlagSet) { serverFlags(fs, g) },
		Run: func(args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			c := newAdminClient(g.Server, g.Token)
			var body string
			if err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &body); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "server: %s\n", body)

			if g.Token == "" {
				return nil
			}
			var stats handlers.StatsResponse
			if err := c.do(ctx, http.MethodGet, "/api/stats", nil, nil, &stats); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "connected: %d\nblocked: %d\ntotal: %d\n",
				stats.ConnectedClients, stats.BlockedClients, stats.TotalClients)
			return nil
		},
	}
}

func tokenCommand(g *globals, stdout io.Writer) *command {
	var (
		username string
		ttl      time.Duration
		remote   bool
	)
	issue := &command{
		Name:    "issue",
		Summary: "Issue a session token. Writes the database directly unless --remote is set; stop the server first when using the bolt backend.",
		Usage:   "chatctl token issue --user NAME [--ttl 24h] [--remote]",
		Flags: func(fs *pflag.FlagSet) {
			fs.StringVar(&username, "user", "", "username the token is bound to")
			fs.DurationVar(&ttl, "ttl", auth.DefaultTTL, "token lifetime")
			fs.BoolVar(&remote, "remote", false, "issue through the admin API instead of the database")
			serverFlags(fs, g)
			dbFlags(fs, g)
		},
		Run: func(args []string) error {
			if username == "" {
				return fmt.Errorf("%w: --user is required", errUsage)
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			var issued auth.Issued
			if remote {
				body := map[string]string{"username": username, "ttl": ttl.String()}
				if err := newAdminClient(g.Server, g.Token).do(ctx, http.MethodPost, "/admin/tokens", nil, body, &issued); err != nil {
					return err
				}
			} else {
				store, closeStore, err := openSessionStore(ctx, g)
				if err != nil {
					return err
				}
				defer closeStore()
				res, err := auth.NewManager(store).Issue(ctx, username, ttl)
				if err != nil {
					return err
				}
				issued = *res
			}

			fmt.Fprintf(stdout, "token: %s\nexpires: %s\n", issued.Token, issued.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}

	return &command{
		Name:        "token",
		Summary:     "Manage session tokens.",
		Usage:       "chatctl token <command>",
		Subcommands: []*command{issue},
	}
}

func resolveDBPath(g *globals) (string, error) {
	if g.DBPath != "" {
		return g.DBPath, nil
	}
	return config.DefaultDBPath(os.Getenv, g.Backend)
}

func openSessionStore(ctx context.Context, g *globals) (auth.SessionStore, func() error, error) {
	path, err := resolveDBPath(g)
	if err != nil {
		return nil, nil, err
	}

	switch g.Backend {
	case config.BackendSQLite:
		store, err := sqlitestore.Open(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		return store.SessionStore(), store.Close, nil
	case config.BackendBolt:
		store, err := boltstore.Open(boltstore.Options{Path: path, Timeout: 2 * time.Second})
		if err != nil {
			return nil, nil, fmt.Errorf("%w (is the server running?)", err)
		}
		return store.SessionStore(), store.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown backend %q", errUsage, g.Backend)
	}
}

func openUserStore(ctx context.Context, g *globals) (*sqlitestore.Store, error) {
	if g.Backend != config.BackendSQLite {
		return nil, fmt.Errorf("%w: user management needs --backend sqlite; with bolt, edit the MODERATORS_CONFIG file", errUsage)
	}
	path, err := resolveDBPath(g)
	if err != nil {
		return nil, err
	}
	return sqlitestore.Open(ctx, path)
}

func userCommand(g *globals, stdout io.Writer) *command {
	var (
		username string
		role     string
		note     string
	)
	userFlags := func(fs *pflag.FlagSet) {
		fs.StringVar(&username, "username", "", "username")
		fs.StringVar(&role, "role", string(moderation.RoleUser), "role: user, moderator or admin")
		dbFlags(fs, g)
	}

	withUsers := func(fn func(ctx context.Context, users *sqlitestore.UserStore) error) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		store, err := openUserStore(ctx, g)
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(ctx, store.UserStore())
	}

	add := &command{
		Name:    "add",
		Summary: "Add a user with a role.",
		Usage:   "chatctl user add --username NAME [--role user] [--note TEXT]",
		Flags: func(fs *pflag.FlagSet) {
			userFlags(fs)
			fs.StringVar(&note, "note", "", "free-form note")
		},
		Run: func(args []string) error {
			if username == "" {
				return fmt.Errorf("%w: --username is required", errUsage)
			}
			return withUsers(func(ctx context.Context, users *sqlitestore.UserStore) error {
				if err := users.AddUser(ctx, username, moderation.RoleName(role), note); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "added %s as %s\n", username, role)
				return nil
			})
		},
	}

	promote := &command{
		Name:    "promote",
		Summary: "Change a user's role. Takes effect on the user's next command.",
		Usage:   "chatctl user promote --username NAME --role moderator",
		Flags:   userFlags,
		Run: func(args []string) error {
			if username == "" {
				return fmt.Errorf("%w: --username is required", errUsage)
			}
			return withUsers(func(ctx context.Context, users *sqlitestore.UserStore) error {
				if err := users.SetRole(ctx, username, moderation.RoleName(role)); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "%s is now %s\n", username, role)
				return nil
			})
		},
	}

	list := &command{
		Name:    "list",
		Summary: "List users and their roles.",
		Usage:   "chatctl user list",
		Flags:   func(fs *pflag.FlagSet) { dbFlags(fs, g) },
		Run: func(args []string) error {
			return withUsers(func(ctx context.Context, users *sqlitestore.UserStore) error {
				infos, err := users.ListUsers(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(stdout, 2, 0, 3, ' ', 0)
				fmt.Fprintf(tw, "USERNAME\tROLE\tNOTE\n")
				for _, u := range infos {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", u.Username, u.Role, u.Note)
				}
				return tw.Flush()
			})
		},
	}

	return &command{
		Name:        "user",
		Summary:     "Manage users and roles (sqlite backend).",
		Usage:       "chatctl user <command>",
		Subcommands: []*command{add, promote, list},
	}
}

type historyResponse struct {
	Records []moderation.BlockRecord `json:"records"`
	Limit   int                      `json:"limit"`
}

func printRecords(w io.Writer, records []moderation.BlockRecord) error {
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "CLIENT\tACTIVE\tBLOCKED AT\tBY\tREASON\n")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n",
			rec.ClientID, rec.Active, rec.BlockedAt.Format(time.RFC3339), rec.ActorID, rec.Reason)
	}
	return tw.Flush()
}

func blocksCommand(g *globals, stdout io.Writer) *command {
	var (
		limit  int
		days   int
		reason string
	)

	call := func(method, path string, opts, body, out any) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return newAdminClient(g.Server, g.Token).do(ctx, method, path, opts, body, out)
	}

	oneClientID := func(args []string) (string, error) {
		if len(args) != 1 || args[0] == "" {
			return "", fmt.Errorf("%w: expected exactly one client id", errUsage)
		}
		return args[0], nil
	}

	list := &command{
		Name:    "list",
		Summary: "List active blocks.",
		Usage:   "chatctl blocks list",
		Flags:   func(fs *pflag.FlagSet) { serverFlags(fs, g) },
		Run: func(args []string) error {
			var resp handlers.BlockedUsersResponse
			if err := call(http.MethodGet, "/admin/blocked-users", nil, nil, &resp); err != nil {
				return err
			}
			return printRecords(stdout, resp.BlockedClients)
		},
	}

	history := &command{
		Name:    "history",
		Summary: "Show recent block records, newest first.",
		Usage:   "chatctl blocks history [--limit 100]",
		Flags: func(fs *pflag.FlagSet) {
			fs.IntVar(&limit, "limit", 0, "maximum number of records (server default 100)")
			serverFlags(fs, g)
		},
		Run: func(args []string) error {
			var resp historyResponse
			if err := call(http.MethodGet, "/admin/block-history", historyOptions{Limit: limit}, nil, &resp); err != nil {
				return err
			}
			return printRecords(stdout, resp.Records)
		},
	}

	block := &command{
		Name:    "block",
		Summary: "Block a client id and disconnect it.",
		Usage:   "chatctl blocks block CLIENT_ID [--reason TEXT]",
		Flags: func(fs *pflag.FlagSet) {
			fs.StringVar(&reason, "reason", "", "reason recorded with the block")
			serverFlags(fs, g)
		},
		Run: func(args []string) error {
			id, err := oneClientID(args)
			if err != nil {
				return err
			}
			var resp struct {
				Evicted bool `json:"evicted"`
			}
			if err := call(http.MethodPost, "/admin/block", nil, map[string]string{"clientId": id, "reason": reason}, &resp); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "blocked %s (disconnected: %t)\n", id, resp.Evicted)
			return nil
		},
	}

	unblock := &command{
		Name:    "unblock",
		Summary: "Lift the block on a client id.",
		Usage:   "chatctl blocks unblock CLIENT_ID",
		Flags:   func(fs *pflag.FlagSet) { serverFlags(fs, g) },
		Run: func(args []string) error {
			id, err := oneClientID(args)
			if err != nil {
				return err
			}
			err = call(http.MethodPost, "/admin/unblock", nil, map[string]string{"clientId": id}, nil)
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
				fmt.Fprintf(stdout, "%s was not blocked\n", id)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "unblocked %s\n", id)
			return nil
		},
	}

	cleanup := &command{
		Name:    "cleanup",
		Summary: "Delete inactive block records older than --days.",
		Usage:   "chatctl blocks cleanup [--days 30]",
		Flags: func(fs *pflag.FlagSet) {
			fs.IntVar(&days, "days", 0, "age in days (server default 30)")
			serverFlags(fs, g)
		},
		Run: func(args []string) error {
			var resp struct {
				Removed int `json:"removed"`
			}
			if err := call(http.MethodPost, "/admin/blocks/cleanup", cleanupOptions{Days: days}, nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "removed %d records\n", resp.Removed)
			return nil
		},
	}

	return &command{
		Name:        "blocks",
		Summary:     "Inspect and change the block list through the admin API.",
		Usage:       "chatctl blocks <command>",
		Subcommands: []*command{list, history, block, unblock, cleanup},
	}
}
