package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/klyve/internal/backlog"
	kerrors "github.com/randalmurphal/klyve/internal/errors"
	"github.com/randalmurphal/klyve/internal/orchestrator"
)

func newBacklogCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "backlog",
		Aliases: []string{"bl"},
		Short:   "Manage the change-request tree",
		Long: `The backlog is a tree of epics, features, backlog items, bug reports and
change requests. Nodes frozen by an in-progress sprint, and their
descendants, cannot be moved, reordered or deleted.`,
	}
	cmd.AddCommand(
		newBacklogTreeCmd(a),
		newBacklogAddCmd(a),
		newBacklogEditCmd(a),
		newBacklogMoveCmd(a),
		newBacklogReorderCmd(a),
		newBacklogDeleteCmd(a),
		newBacklogStatusCmd(a),
	)
	return cmd
}

func newBacklogTreeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Show the backlog in display order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				tree, err := s.Backlog().Tree(ctx, s.Status().ProjectID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if a.jsonOut {
					return writeJSON(out, tree)
				}
				if len(tree) == 0 {
					fmt.Fprintln(out, "Backlog is empty.")
					return nil
				}
				p := newPainter(out)
				backlog.Walk(tree, func(n *backlog.TreeNode, depth int) bool {
					line := fmt.Sprintf("%s%s #%d %s", strings.Repeat("  ", depth), p.Muted(n.Kind), n.ID, n.Title)
					meta := []string{n.Status}
					if n.ImpactRating != "" {
						meta = append(meta, "impact "+n.ImpactRating)
					}
					if n.ExternalID != "" {
						meta = append(meta, n.ExternalID)
					}
					if n.Locked {
						meta = append(meta, p.Warn("locked"))
					}
					fmt.Fprintf(out, "%s  [%s]\n", line, strings.Join(meta, ", "))
					return true
				})
				return nil
			})
		},
	}
}

func newBacklogAddCmd(a *app) *cobra.Command {
	var (
		parent     int64
		desc       string
		priority   string
		complexity string
	)
	cmd := &cobra.Command{
		Use:   "add <kind> <title>",
		Short: "Append a node under a parent (or at the root)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := backlog.ParseKind(args[0])
			if err != nil {
				return kerrors.ErrPrecondition("add node", err.Error())
			}
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				n, err := s.Backlog().AddNode(ctx, s.Status().ProjectID, kind, optionalID(cmd, "parent", parent), backlog.Fields{
					Title:       args[1],
					Description: desc,
					Priority:    priority,
					Complexity:  backlog.Complexity(complexity),
				})
				if err != nil {
					return err
				}
				if a.jsonOut {
					return writeJSON(cmd.OutOrStdout(), n)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s #%d\n", n.Kind, n.ID)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&parent, "parent", 0, "parent node id")
	cmd.Flags().StringVarP(&desc, "description", "d", "", "node description")
	cmd.Flags().StringVar(&priority, "priority", "", "high, medium or low")
	cmd.Flags().StringVar(&complexity, "complexity", "", "small, medium, large or xlarge")
	return cmd
}

func newBacklogEditCmd(a *app) *cobra.Command {
	var title, desc, priority, complexity string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change a node's title, description, priority or complexity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				n, err := s.Backlog().Get(ctx, id)
				if err != nil {
					return err
				}
				f := backlog.Fields{
					Title:       n.Title,
					Description: n.Description,
					Priority:    n.Priority,
					Complexity:  backlog.Complexity(n.Complexity),
					ExternalID:  n.ExternalID,
					ExternalURL: n.ExternalURL,
				}
				if cmd.Flags().Changed("title") {
					f.Title = title
				}
				if cmd.Flags().Changed("description") {
					f.Description = desc
				}
				if cmd.Flags().Changed("priority") {
					f.Priority = priority
				}
				if cmd.Flags().Changed("complexity") {
					f.Complexity = backlog.Complexity(complexity)
				}
				if _, err := s.Backlog().UpdateFields(ctx, id, f); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated #%d\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVarP(&desc, "description", "d", "", "new description")
	cmd.Flags().StringVar(&priority, "priority", "", "high, medium or low")
	cmd.Flags().StringVar(&complexity, "complexity", "", "small, medium, large or xlarge")
	return cmd
}

func newBacklogMoveCmd(a *app) *cobra.Command {
	var (
		parent int64
		index  int
	)
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Reparent a node",
		Long: `Moves a node under --parent (or to the root without it) at --index among
the new siblings. An index past the end appends.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("index") {
				index = int(^uint(0) >> 1)
			}
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				if err := s.Backlog().MoveNode(ctx, id, optionalID(cmd, "parent", parent), index); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Moved #%d\n", id)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&parent, "parent", 0, "new parent node id")
	cmd.Flags().IntVar(&index, "index", 0, "position among the new siblings")
	return cmd
}

func newBacklogReorderCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reorder <id>...",
		Short: "Set the order of every child of one parent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				if err := s.Backlog().Reorder(ctx, ids); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reordered %d nodes\n", len(ids))
				return nil
			})
		},
	}
}

func newBacklogDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a node and its subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				if err := s.Backlog().DeleteNode(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted #%d\n", id)
				return nil
			})
		},
	}
}

func newBacklogStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Set a node's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			status, err := backlog.ParseStatus(args[1])
			if err != nil {
				return kerrors.ErrPrecondition("set status", err.Error())
			}
			return a.withSession(cmd, true, func(ctx context.Context, s *orchestrator.Session) error {
				if err := s.Backlog().SetStatus(ctx, id, status); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "#%d is now %s\n", id, status)
				return nil
			})
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, kerrors.ErrPrecondition("parse node id", fmt.Sprintf("%q is not a node id", s))
	}
	return id, nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			if part == "" {
				continue
			}
			id, err := parseID(part)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// optionalID returns nil unless the named flag was given.
func optionalID(cmd *cobra.Command, flag string, v int64) *int64 {
	if !cmd.Flags().Changed(flag) || v == 0 {
		return nil
	}
	return &v
}
