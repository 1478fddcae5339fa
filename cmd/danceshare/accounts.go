package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/konorlevich/danceshare/internal/database"
)

func addUserCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "adduser <username>",
		Short: "Create an account that can log in with basic auth",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "password: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("can't read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("password must not be empty")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return err
			}

			_, db, l, err := setup()
			if err != nil {
				return err
			}
			defer closeDb(db, l)
			id, err := database.NewRepository(db).CreateAccount(cmd.Context(), args[0], string(hash))
			if err != nil {
				return fmt.Errorf("can't create account %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %s created with id %d\n", args[0], id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password; read from stdin when empty")
	return cmd
}

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage groups videos can be shared into",
	}

	var description string
	var public bool
	create := &cobra.Command{
		Use:   "create <name> <owner>",
		Short: "Create a group owned by an existing account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, l, err := setup()
			if err != nil {
				return err
			}
			defer closeDb(db, l)
			repo := database.NewRepository(db)
			owner, err := repo.GetAccountByUsername(cmd.Context(), args[1])
			if err != nil {
				return fmt.Errorf("can't find account %s: %w", args[1], err)
			}
			id, err := repo.CreateGroup(cmd.Context(), args[0], description, owner.ID, public)
			if err != nil {
				return fmt.Errorf("can't create group %s: %w", args[0], err)
			}
			if err := repo.AddMember(cmd.Context(), id, owner.ID, database.RoleOwner); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "group %s created with id %d\n", args[0], id)
			return nil
		},
	}
	create.Flags().StringVarP(&description, "description", "d", "", "group description")
	create.Flags().BoolVar(&public, "public", false, "list the group publicly")

	join := &cobra.Command{
		Use:   "join <group-id> <username>",
		Short: "Add an account to a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var group uint
			if _, err := fmt.Sscan(args[0], &group); err != nil {
				return fmt.Errorf("group id must be a number: %w", err)
			}
			_, db, l, err := setup()
			if err != nil {
				return err
			}
			defer closeDb(db, l)
			repo := database.NewRepository(db)
			account, err := repo.GetAccountByUsername(cmd.Context(), args[1])
			if err != nil {
				return fmt.Errorf("can't find account %s: %w", args[1], err)
			}
			if ok, err := repo.GroupExists(cmd.Context(), group); err != nil || !ok {
				return fmt.Errorf("group %d not found", group)
			}
			if err := repo.AddMember(cmd.Context(), group, account.ID, database.RoleMember); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s joined group %d\n", args[1], group)
			return nil
		},
	}

	cmd.AddCommand(create, join)
	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute every account's used bytes from its registered videos",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, l, err := setup()
			if err != nil {
				return err
			}
			defer closeDb(db, l)
			repo := database.NewRepository(db)
			ledger := database.NewLedger(db, cfg.QuotaBytes)

			ids, err := repo.ListAccountIDs(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				before, err := ledger.Usage(cmd.Context(), id)
				if err != nil {
					return err
				}
				after, err := ledger.Reconcile(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("can't reconcile account %d: %w", id, err)
				}
				if before != after {
					l.WithField("account", id).Warningf("ledger drifted: %d recorded, %d registered", before, after)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "account %d: %s of %s used\n",
					id, humanize.IBytes(uint64(after)), humanize.IBytes(uint64(ledger.Limit())))
			}
			return nil
		},
	}
}
