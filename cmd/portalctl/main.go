package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hosterizer/portal-gateway/config"
	"github.com/hosterizer/portal-gateway/guard"
	"github.com/hosterizer/portal-gateway/identity"
	"github.com/hosterizer/portal-gateway/models"
	"github.com/hosterizer/portal-gateway/repositories/postgres"
	"github.com/hosterizer/portal-gateway/services/session"
)

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

type tokenFlags struct {
	secret string
	issuer string
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	tf := &tokenFlags{}

	root := &cobra.Command{
		Use:           "portalctl",
		Short:         "Operator tooling for the portal gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&tf.secret, "secret", envOr("TOKEN_SECRET", config.DevTokenSecret), "HMAC signing secret (env TOKEN_SECRET)")
	root.PersistentFlags().StringVar(&tf.issuer, "issuer", envOr("TOKEN_ISSUER", identity.DefaultIssuer), "Token issuer (env TOKEN_ISSUER)")

	root.AddCommand(
		newIssueTokenCmd(tf, out),
		newEvaluateCmd(tf, out),
		newInspectCmd(out),
		newHashPasswordCmd(in, out),
		newUserCmd(out),
	)
	return root
}

func newIssueTokenCmd(tf *tokenFlags, out io.Writer) *cobra.Command {
	var (
		subject, tenant, email string
		roles                  []string
		ttl                    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Sign an access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := identity.NewIssuer(identity.IssuerConfig{
				Secret: tf.secret,
				Issuer: tf.issuer,
				TTL:    ttl,
			})
			if err != nil {
				return err
			}

			token, principal, err := issuer.Issue(identity.IssueRequest{
				Subject:  subject,
				TenantID: tenant,
				Roles:    roles,
				Email:    email,
			})
			if err != nil {
				return err
			}

			return printJSON(out, map[string]interface{}{
				"token":      token,
				"session_id": principal.SessionID,
				"expires_at": principal.TokenExpiry.UTC().Format(time.RFC3339),
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Principal id (sub)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant id (tid)")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "Role tags, comma separated")
	cmd.Flags().DurationVar(&ttl, "ttl", identity.DefaultAccessTokenTTL, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newEvaluateCmd(tf *tokenFlags, out io.Writer) *cobra.Command {
	var (
		token, portalName, portalsFile, loginURI string
		at                                       string
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a token against a portal offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			portals, err := (&config.GuardConfig{PortalsFile: portalsFile}).LoadPortalTable()
			if err != nil {
				return err
			}
			portal, ok := portals.Lookup(guard.PortalName(portalName))
			if !ok {
				return fmt.Errorf("unknown portal %q", portalName)
			}

			now := time.Now()
			if at != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}

			g := guard.NewGuard(identity.NewHMACParser(tf.secret, tf.issuer), guard.Config{LoginURI: loginURI})
			return printJSON(out, g.Evaluate(token, portal, now))
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Access token")
	cmd.Flags().StringVar(&portalName, "portal", "", "Portal name")
	cmd.Flags().StringVar(&portalsFile, "portals-file", os.Getenv("PORTALS_FILE"), "Optional YAML portal table")
	cmd.Flags().StringVar(&loginURI, "login-uri", guard.DefaultLoginURI, "Redirect target for unauthenticated outcomes")
	cmd.Flags().StringVar(&at, "at", "", "Evaluation time (RFC3339), defaults to now")
	_ = cmd.MarkFlagRequired("portal")
	return cmd
}

func newInspectCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect TOKEN",
		Short: "Print a token's claims without verifying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			claims, err := identity.ExtractClaims(args[0])
			if err != nil {
				return err
			}
			return printJSON(out, claims)
		},
	}
}

func newHashPasswordCmd(in io.Reader, out io.Writer) *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readLine(in)
			if err != nil {
				return err
			}
			hash, err := session.NewPasswordHasher(cost).Hash(password)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, hash)
			return err
		},
	}
	cmd.Flags().IntVar(&cost, "cost", session.DefaultBcryptCost, "bcrypt cost")
	return cmd
}

func newUserCmd(out io.Writer) *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage portal accounts (uses DATABASE_URL / DB_* settings)",
	}

	var tenant, email, password string
	var roles []string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(cmd.Context(), func(svc *session.Service) error {
				user, err := svc.CreateUser(cmd.Context(), session.CreateUserRequest{
					TenantID: tenant,
					Email:    email,
					Password: password,
					Roles:    roles,
				})
				if err != nil {
					return err
				}
				return printJSON(out, user)
			})
		},
	}
	createCmd.Flags().StringVar(&tenant, "tenant", "", "Tenant id")
	createCmd.Flags().StringVar(&email, "email", "", "Login email")
	createCmd.Flags().StringVar(&password, "password", "", "Initial password")
	createCmd.Flags().StringSliceVar(&roles, "roles", []string{string(guard.RoleCustomer)}, "Role tags")
	_ = createCmd.MarkFlagRequired("tenant")
	_ = createCmd.MarkFlagRequired("email")
	_ = createCmd.MarkFlagRequired("password")

	var unlockTenant, unlockID string
	unlockCmd := &cobra.Command{
		Use:   "unlock",
		Short: "Clear a login lockout",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(unlockID)
			if err != nil {
				return fmt.Errorf("invalid --id: %w", err)
			}
			actor := &guard.Principal{
				PrincipalID: "portalctl",
				TenantID:    unlockTenant,
				Roles:       guard.NewRoleSet(string(guard.RoleAdmin)),
			}
			return withSessions(cmd.Context(), func(svc *session.Service) error {
				if err := svc.UnlockUser(cmd.Context(), actor, id, models.RequestMeta{Method: "CLI", Path: "portalctl user unlock"}); err != nil {
					return err
				}
				_, err := fmt.Fprintln(out, "unlocked")
				return err
			})
		},
	}
	unlockCmd.Flags().StringVar(&unlockTenant, "tenant", "", "Tenant id")
	unlockCmd.Flags().StringVar(&unlockID, "id", "", "User id")
	_ = unlockCmd.MarkFlagRequired("tenant")
	_ = unlockCmd.MarkFlagRequired("id")

	userCmd.AddCommand(createCmd, unlockCmd)
	return userCmd
}

// withSessions opens the database from the environment and runs fn
func withSessions(ctx context.Context, fn func(*session.Service) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.New(ctx)
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	factory, err := postgres.NewRepositoryFactory(cfg, logger)
	if err != nil {
		return err
	}
	defer factory.Close()

	repos := factory.NewRepositories()
	svc := session.NewService(session.Deps{
		Users:       repos.Users,
		AccessAudit: repos.AccessAudit,
		TxManager:   factory.GetTransactionManager(),
		Logger:      logger,
	}, session.Config{})
	return fn(svc)
}

func readLine(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("no password on stdin")
	}
	return line, nil
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
