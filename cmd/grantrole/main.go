// Command grantrole gives an identity-provider subject a portal role,
// creating the user record if it has never signed in.
//
//	grantrole -subject auth0|abc123 -role admin [-email a@b.c] [-dsn postgres://...]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"eventportal/auth"
	"eventportal/config"
	"eventportal/db"
	"eventportal/logging"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "grantrole: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	subject   string
	email     string
	role      auth.Role
	grantedBy string
	dsn       string
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("grantrole", flag.ContinueOnError)
	subject := fs.String("subject", "", "identity provider subject (sub claim)")
	email := fs.String("email", "", "email to record if the user is new")
	role := fs.String("role", string(auth.RoleAdmin), "role to grant: admin or check_in")
	grantedBy := fs.String("granted-by", "", "subject of the granting administrator")
	dsn := fs.String("dsn", "", "database url (defaults to PORTAL_DATABASE_URL)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if *subject == "" {
		return options{}, errors.New("-subject is required")
	}
	r, ok := auth.ParseRole(*role)
	if !ok {
		return options{}, fmt.Errorf("unknown role %q", *role)
	}
	return options{subject: *subject, email: *email, role: r, grantedBy: *grantedBy, dsn: *dsn}, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	dsn := opts.dsn
	logLevel, logFormat := "info", "console"
	if dsn == "" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		dsn = cfg.Database.URL
		logLevel = cfg.Logging.Level
	}
	logger, err := logging.New(logLevel, logFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, dsn, db.PoolOptions{MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	user, err := grant(ctx, pool, auth.NewRepository(), opts)
	if err != nil {
		return err
	}
	logger.Info("role granted",
		zap.String("user_id", user.ID),
		zap.String("subject", user.ExternalID),
		zap.String("role", string(opts.role)),
	)
	return nil
}

type roleStore interface {
	EnsureUser(ctx context.Context, tx pgx.Tx, identity auth.Identity) (auth.User, error)
	GetUserByExternalID(ctx context.Context, tx pgx.Tx, externalID string) (auth.User, error)
	GrantRole(ctx context.Context, tx pgx.Tx, userID string, role auth.Role, grantedBy *string) error
}

// grant ensures the user exists and holds the role. Granting an existing role
// is a no-op.
func grant(ctx context.Context, pool db.TxBeginner, store roleStore, opts options) (auth.User, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return auth.User{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	user, err := store.EnsureUser(ctx, tx, auth.Identity{Subject: opts.subject, Email: opts.email})
	if err != nil {
		return auth.User{}, err
	}

	var grantedBy *string
	if opts.grantedBy != "" {
		granter, err := store.GetUserByExternalID(ctx, tx, opts.grantedBy)
		if err != nil {
			return auth.User{}, fmt.Errorf("granted-by %q: %w", opts.grantedBy, err)
		}
		grantedBy = &granter.ID
	}
	if err := store.GrantRole(ctx, tx, user.ID, opts.role, grantedBy); err != nil {
		return auth.User{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return auth.User{}, fmt.Errorf("commit: %w", err)
	}
	return user, nil
}
