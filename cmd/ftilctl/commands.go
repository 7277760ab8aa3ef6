package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/etienne-leroy/FTILlite/composite"
	"github.com/etienne-leroy/FTILlite/elgamal"
	"github.com/etienne-leroy/FTILlite/ftillite"
	"github.com/etienne-leroy/FTILlite/protocol"
	"github.com/etienne-leroy/FTILlite/setops"
	"github.com/spf13/cobra"
)

func newNodesCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "Initialise the network and list the nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			ctx, cancel := g.context(cmd.Context())
			defer cancel()

			s, err := openSession(ctx, cfg, g.logger())
			if err != nil {
				return err
			}
			defer s.Close()

			ids, err := s.fc.MyID(ctx)
			if err != nil {
				return err
			}
			defer ids.Release()
			got, err := ids.ReadInts(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, n := range s.fc.Nodes().Nodes() {
				role := "peer"
				if n.Equal(s.fc.Coordinator()) {
					role = "coordinator"
				}
				fmt.Fprintf(out, "%d\t%s\t%s\treports %v\n", n.ID, n.Name, role, got[n.ID])
			}
			return nil
		},
	}
}

func newSavesCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saves",
		Short: "Manage values saved on the nodes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the saves known to the coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			store, err := ftillite.OpenSessionStore(sessionStorePath(cfg))
			if err != nil {
				return err
			}
			defer store.Close()
			names, err := store.Names()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}, &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a save on every node holding it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			ctx, cancel := g.context(cmd.Context())
			defer cancel()

			s, err := openSession(ctx, cfg, g.logger())
			if err != nil {
				return err
			}
			defer s.Close()
			return s.fc.DeleteSave(ctx, args[0])
		},
	})
	return cmd
}

type tagsFlags struct {
	Queries      []string
	Op           string
	TargetsQuery string
	Save         string
	DebugKeys    bool
	MinHits      int
}

func newTagsCommand(g *globalFlags) *cobra.Command {
	var f tagsFlags

	cmd := &cobra.Command{
		Use:   "tags",
		Short: "Combine encrypted account tags and reveal the hits",
		Long: `tags loads one membership tag per --query from every peer's auxiliary
database, encrypts it under a fresh network key and combines the tags with
--op. Each query must return two integer columns: the account id and a flag
that is zero for accounts outside the set. With --op at-least an account is
kept when at least --min-hits of the tags flag it.

The coordinator then learns, per peer, which target accounts are in the
combined set. Targets default to every account of the combined tag.`,
		Example: `  # Accounts flagged by both rules, on every bank
  ftilctl -c network.yaml tags --op intersection \
    --query "SELECT account, flagged FROM rule_a" \
    --query "SELECT account, flagged FROM rule_b"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(f.Queries) == 0 {
				return fmt.Errorf("at least one --query is required")
			}
			switch f.Op {
			case "union", "intersection":
			case "at-least":
				if f.MinHits < 1 || f.MinHits > len(f.Queries) {
					return fmt.Errorf("invalid argument %d for --min-hits: want 1 to %d", f.MinHits, len(f.Queries))
				}
			default:
				return fmt.Errorf("invalid argument %q for --op: want union, intersection or at-least", f.Op)
			}
			cfg, err := g.config()
			if err != nil {
				return err
			}
			ctx, cancel := g.context(cmd.Context())
			defer cancel()

			s, err := openSession(ctx, cfg, g.logger())
			if err != nil {
				return err
			}
			defer s.Close()

			hits, err := runTags(ctx, s, g, f)
			if err != nil {
				return err
			}
			printHits(cmd, hits)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&f.Queries, "query", "q", nil, "SQL query returning (account, flag); repeatable")
	cmd.Flags().StringVar(&f.Op, "op", "intersection", "how tags are combined: union, intersection or at-least")
	cmd.Flags().IntVar(&f.MinHits, "min-hits", 0, "number of tags that must flag an account with --op at-least")
	cmd.Flags().StringVar(&f.TargetsQuery, "targets-query", "", "SQL query returning the accounts to check")
	cmd.Flags().StringVar(&f.Save, "save", "", "save the combined tag on the peers under this name")
	cmd.Flags().BoolVar(&f.DebugKeys, "debug-keys", false, "carry plaintext shadows and check every cipher")
	return cmd
}

func runTags(ctx context.Context, s *session, g *globalFlags, f tagsFlags) (map[string][]int64, error) {
	var opts []elgamal.KeyOption
	if f.DebugKeys {
		opts = append(opts, elgamal.WithDebug())
	}
	sk, pk, err := elgamal.GenerateKey(ctx, s.fc, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	defer sk.Release()
	defer pk.Release()

	engine := setops.New(s.fc, sk, pk, setops.Config{
		Epsilon: s.cfg.Privacy.Epsilon,
		Delta:   s.cfg.Privacy.Delta,
		Log:     g.logger(),
	})

	tags := make([]*composite.Dict, 0, len(f.Queries))
	defer func() {
		for _, t := range tags {
			t.Release()
		}
	}()
	for _, q := range f.Queries {
		t, err := loadTag(ctx, s.fc, pk, q)
		if err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}

	combined, err := combine(ctx, engine, f, tags)
	if err != nil {
		return nil, err
	}
	defer combined.Release()

	if f.Save != "" {
		err := s.fc.On(s.fc.Peers(), func() error {
			return s.fc.Save(ctx, f.Save, combined)
		})
		if err != nil {
			return nil, fmt.Errorf("save %s: %w", f.Save, err)
		}
	}

	targets, err := loadTargets(ctx, s.fc, combined, f.TargetsQuery)
	if err != nil {
		return nil, err
	}
	defer targets.Release()
	return engine.ReadTag(ctx, combined, targets)
}

func combine(ctx context.Context, engine *setops.Engine, f tagsFlags, tags []*composite.Dict) (*composite.Dict, error) {
	switch f.Op {
	case "union":
		return engine.MultiUnion(ctx, tags...)
	case "intersection":
		return engine.MultiIntersection(ctx, tags...)
	}
	ones, err := engine.MultiNormalize(ctx, tags...)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, t := range ones {
			t.Release()
		}
	}()
	counts, err := engine.MultiUnion(ctx, ones...)
	if err != nil {
		return nil, err
	}
	defer counts.Release()
	return engine.AtLeast(ctx, counts, f.MinHits)
}

// loadTag reads (account, flag) rows on every peer into an encrypted tag.
func loadTag(ctx context.Context, fc *ftillite.Context, pk *elgamal.PublicKey, query string) (*composite.Dict, error) {
	var tag *composite.Dict
	err := fc.On(fc.Peers(), func() error {
		cols, err := fc.AuxDBRead(ctx, query, protocol.Int, protocol.Int)
		if err != nil {
			return err
		}
		accounts, flags := cols[0], cols[1]
		defer accounts.Release()
		defer flags.Release()
		c, err := pk.Encrypt(ctx, flags)
		if err != nil {
			return err
		}
		defer c.Release()
		tag, err = composite.NewDict(ctx, accounts, c)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load tag %q: %w", query, err)
	}
	return tag, nil
}

func loadTargets(ctx context.Context, fc *ftillite.Context, tag *composite.Dict, query string) (*ftillite.Array, error) {
	var targets *ftillite.Array
	err := fc.On(fc.Peers(), func() error {
		if query == "" {
			keys, ok := tag.Keys().(*ftillite.Array)
			if !ok {
				return fmt.Errorf("%w: tag keys are %s", protocol.ErrTypeMismatch, tag.Keys().TypeCode())
			}
			var err error
			targets, err = keys.Clone(ctx)
			return err
		}
		cols, err := fc.AuxDBRead(ctx, query, protocol.Int)
		if err != nil {
			return err
		}
		targets = cols[0]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}
	return targets, nil
}

func printHits(cmd *cobra.Command, hits map[string][]int64) {
	names := make([]string, 0, len(hits))
	for name := range hits {
		names = append(names, name)
	}
	sort.Strings(names)

	out := cmd.OutOrStdout()
	for _, name := range names {
		accounts := hits[name]
		strs := make([]string, len(accounts))
		for i, a := range accounts {
			strs[i] = fmt.Sprint(a)
		}
		fmt.Fprintf(out, "%s: %s accounts\n", name, humanize.Comma(int64(len(accounts))))
		if len(strs) > 0 {
			fmt.Fprintf(out, "  %s\n", strings.Join(strs, " "))
		}
	}
}
