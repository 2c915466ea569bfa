package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cairnkb/cairn/internal/auth"
	"github.com/cairnkb/cairn/internal/storage"
)

// newUsersCmd creates the users subcommand group. These commands talk to the
// relational store directly, so they work before the API has any users to
// authenticate with.
func newUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage users, roles, and access tokens",
	}

	cmd.AddCommand(newUsersListCmd())
	cmd.AddCommand(newUsersCreateCmd())
	cmd.AddCommand(newUsersAssignCmd())
	cmd.AddCommand(newUsersRevokeCmd())
	cmd.AddCommand(newUsersDeactivateCmd())
	cmd.AddCommand(newUsersTokenCmd())

	return cmd
}

func newUsersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all users",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			db, err := openDatabase(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			repos := storage.NewRepositories(db)

			users, err := repos.Users.List(ctx)
			if err != nil {
				return fmt.Errorf("list users: %w", err)
			}

			if outputJSON {
				return printJSON(users)
			}

			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			if len(users) == 0 {
				ui.Info("No users yet. Create one with: cairn users create")
				return nil
			}

			rows := make([][]string, 0, len(users))
			for _, user := range users {
				roles, err := repos.Users.RolesForUser(ctx, user.ID)
				if err != nil {
					return fmt.Errorf("list roles: %w", err)
				}
				rows = append(rows, []string{
					user.Email,
					user.Name,
					strconv.FormatBool(user.Active),
					strconv.Itoa(len(roles)),
					user.ID.String(),
				})
			}
			ui.Table([]string{"EMAIL", "NAME", "ACTIVE", "ROLES", "ID"}, rows)
			return nil
		},
	}
}

func newUsersCreateCmd() *cobra.Command {
	var (
		email    string
		name     string
		password string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !strings.Contains(email, "@") {
				return fmt.Errorf("invalid email %q", email)
			}

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			db, err := openDatabase(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			repos := storage.NewRepositories(db)

			user := &storage.User{Email: email, Name: name, PasswordHash: hash}
			if err := repos.Users.Create(ctx, user); err != nil {
				if errors.Is(err, storage.ErrConflict) {
					return fmt.Errorf("user %s already exists", email)
				}
				return err
			}

			if outputJSON {
				return printJSON(user)
			}
			ui := NewUI(outputJSON, noColor)
			defer ui.Close()
			ui.Success("User created")
			ui.KeyValue("Email", user.Email)
			ui.KeyValue("ID", user.ID)
			ui.Info("Grant access with: cairn users assign %s --project <name> --role viewer", user.Email)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "email address (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&password, "password", "", "password (required)")

	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")

	return cmd
}

func newUsersAssignCmd() *cobra.Command {
	var (
		project string
		role    string
	)

	cmd := &cobra.Command{
		Use:   "assign <email>",
		Short: "Grant a user a role in a project",
		Long: `Assign grants or replaces a user's role in a project. The project is
created on first use.

Roles: viewer (search and ask), editor (plus ingestion), admin (plus user
management).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			db, err := openDatabase(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			repos := storage.NewRepositories(db)

			user, err := resolveUser(ctx, repos, args[0])
			if err != nil {
				return err
			}

			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			proj, err := repos.Projects.GetByName(ctx, project)
			if errors.Is(err, storage.ErrNotFound) {
				proj = &storage.Project{Name: project}
				if err := repos.Projects.Create(ctx, proj); err != nil {
					return fmt.Errorf("create project: %w", err)
				}
				ui.Warning("Project %q did not exist and was created", project)
			} else if err != nil {
				return fmt.Errorf("resolve project: %w", err)
			}

			assignment := &storage.RoleAssignment{
				UserID:    user.ID,
				ProjectID: proj.ID,
				Role:      storage.Role(role),
			}
			if err := repos.Users.AssignRole(ctx, assignment); err != nil {
				return err
			}

			if outputJSON {
				return printJSON(assignment)
			}
			ui.Success("%s is now %s in %s", user.Email, role, proj.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project name (required)")
	cmd.Flags().StringVar(&role, "role", "viewer", "role: viewer, editor, or admin")

	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func newUsersRevokeCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "revoke <email>",
		Short: "Remove a user's role in a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			db, err := openDatabase(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			repos := storage.NewRepositories(db)

			user, err := resolveUser(ctx, repos, args[0])
			if err != nil {
				return err
			}
			proj, err := repos.Projects.GetByName(ctx, project)
			if err != nil {
				return fmt.Errorf("resolve project: %w", err)
			}

			if err := repos.Users.RevokeRole(ctx, user.ID, proj.ID); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("%s has no role in %s", user.Email, proj.Name)
				}
				return err
			}

			ui := NewUI(outputJSON, noColor)
			defer ui.Close()
			ui.Success("Revoked %s's role in %s", user.Email, proj.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project name (required)")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func newUsersDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <email>",
		Short: "Deactivate a user without deleting their record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			db, err := openDatabase(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			repos := storage.NewRepositories(db)

			user, err := resolveUser(ctx, repos, args[0])
			if err != nil {
				return err
			}
			if err := repos.Users.Deactivate(ctx, user.ID); err != nil {
				return err
			}

			ui := NewUI(outputJSON, noColor)
			defer ui.Close()
			ui.Success("Deactivated %s; existing tokens stop working immediately", user.Email)
			return nil
		},
	}
}

func newUsersTokenCmd() *cobra.Command {
	var (
		ttl      time.Duration
		password string
	)

	cmd := &cobra.Command{
		Use:   "token <email>",
		Short: "Mint a bearer token for a user",
		Long: `Token mints a signed bearer token for API access. The signing secret
comes from the auth configuration; pass --password to verify the user's
credentials before minting.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Auth.Secret == "" {
				return fmt.Errorf("auth secret is not configured")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			db, err := openDatabase(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			repos := storage.NewRepositories(db)

			user, err := resolveUser(ctx, repos, args[0])
			if err != nil {
				return err
			}
			if !user.Active {
				return fmt.Errorf("%s is deactivated", user.Email)
			}
			if password != "" {
				if err := auth.CheckPassword(user.PasswordHash, password); err != nil {
					return fmt.Errorf("wrong password for %s", user.Email)
				}
			}

			bearer, err := auth.MintToken(cfg.Auth.Secret, user.ID, ttl)
			if err != nil {
				return err
			}

			if outputJSON {
				return printJSON(map[string]string{
					"token":      bearer,
					"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
				})
			}
			// Bare print so `export CAIRN_TOKEN=$(cairn users token ...)` works.
			fmt.Println(bearer)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&password, "password", "", "verify this password before minting")

	return cmd
}

// resolveUser accepts a user id or an email address.
func resolveUser(ctx context.Context, repos *storage.Repositories, arg string) (*storage.User, error) {
	var user *storage.User
	var err error
	if id, perr := uuid.Parse(arg); perr == nil {
		user, err = repos.Users.GetByID(ctx, id)
	} else {
		user, err = repos.Users.GetByEmail(ctx, arg)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("no user %q", arg)
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}
