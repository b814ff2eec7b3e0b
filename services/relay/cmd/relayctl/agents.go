package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"filerelay/pkg/db"
	"filerelay/services/agentstore"
	"filerelay/services/relay/internal/config"
)

// openAgentStore is replaced in tests.
var openAgentStore = func(ctx context.Context) (agentstore.Store, func(), error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := db.Open(ctx, cfg.DBDSN, cfg.Pool())
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	store, err := agentstore.NewPostgres(pool, cfg.DBAcquireTimeout)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}

func withAgentStore(cmd *cobra.Command, fn func(ctx context.Context, store agentstore.Store) error) error {
	ctx := commandContext(cmd)
	store, closeStore, err := openAgentStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(ctx, store)
}

func newAgentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect and manage registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newAgentsAddCommand())
	cmd.AddCommand(newAgentsGetCommand())
	cmd.AddCommand(newAgentsSignInCommand())
	cmd.AddCommand(newAgentsDeleteCommand())
	return cmd
}

func newAgentsAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add UNIQUE_ID",
		Short: "Register an agent ahead of its first sign-in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uniqueID, err := uniqueIDArg(args[0])
			if err != nil {
				return err
			}
			return withAgentStore(cmd, func(ctx context.Context, store agentstore.Store) error {
				agent, err := store.Add(ctx, uniqueID)
				if errors.Is(err, agentstore.ErrDuplicateKey) {
					return fmt.Errorf("agent %q already exists", uniqueID)
				}
				if err != nil {
					return err
				}
				return printAgent(cmd.OutOrStdout(), agent)
			})
		},
	}
}

func newAgentsGetCommand() *cobra.Command {
	var byUnique bool

	cmd := &cobra.Command{
		Use:   "get ID",
		Short: "Show one agent by id, or by unique id with --unique",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgentStore(cmd, func(ctx context.Context, store agentstore.Store) error {
				var (
					agent *agentstore.Agent
					err   error
				)
				if byUnique {
					uniqueID, uerr := uniqueIDArg(args[0])
					if uerr != nil {
						return uerr
					}
					agent, err = store.FindByUniqueID(ctx, uniqueID)
				} else {
					id, ierr := agentIDArg(args[0])
					if ierr != nil {
						return ierr
					}
					agent, err = store.FindByID(ctx, id)
				}
				if err != nil {
					return err
				}
				if agent == nil {
					return fmt.Errorf("%w: %s", agentstore.ErrNotFound, args[0])
				}
				return printAgent(cmd.OutOrStdout(), *agent)
			})
		},
	}

	cmd.Flags().BoolVar(&byUnique, "unique", false, "Treat the argument as the agent's unique id")
	return cmd
}

func newAgentsSignInCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "signin UNIQUE_ID",
		Short: "Record a sign-in, creating the agent if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uniqueID, err := uniqueIDArg(args[0])
			if err != nil {
				return err
			}
			return withAgentStore(cmd, func(ctx context.Context, store agentstore.Store) error {
				agent, err := agentstore.SignIn(ctx, store, uniqueID, time.Now())
				if err != nil {
					return err
				}
				return printAgent(cmd.OutOrStdout(), agent)
			})
		},
	}
}

func newAgentsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Remove an agent record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := agentIDArg(args[0])
			if err != nil {
				return err
			}
			return withAgentStore(cmd, func(ctx context.Context, store agentstore.Store) error {
				removed, err := store.Delete(ctx, id)
				if err != nil {
					return err
				}
				if removed == 0 {
					return fmt.Errorf("%w: %d", agentstore.ErrNotFound, id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted agent %d\n", id)
				return nil
			})
		},
	}
}

func agentIDArg(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("agent id must be an integer: %q", raw)
	}
	return id, nil
}

func uniqueIDArg(raw string) (string, error) {
	uniqueID := strings.TrimSpace(raw)
	if uniqueID == "" {
		return "", errors.New("unique id must not be empty")
	}
	return uniqueID, nil
}

func printAgent(w io.Writer, agent agentstore.Agent) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(agent)
}
