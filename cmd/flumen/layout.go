package main

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/SimoneErba/Flumen/graph"
	"github.com/SimoneErba/Flumen/internal/layout"
	"github.com/SimoneErba/Flumen/internal/remote"
)

func layoutCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Manage the locally stored graph layout",
	}
	cmd.AddCommand(layoutSaveCmd(opts), layoutShowCmd(opts), layoutClearCmd(opts))
	return cmd
}

func openLayout(opts *options) (*layout.Store, error) {
	if opts.cfg.LayoutPath == "" {
		return nil, errors.New("layout persistence is disabled (empty layout path)")
	}
	return layout.Open(opts.cfg.LayoutPath, layout.WithLogger(opts.log))
}

func layoutSaveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Fetch the graph from the backend and store it as the layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			api, err := remote.NewRESTClient(opts.cfg.APIURL,
				remote.WithClientLogger(opts.log),
				remote.WithRateLimit(opts.cfg.RateLimit, opts.cfg.RateBurst),
			)
			if err != nil {
				return err
			}
			data, err := api.FetchGraph(ctx)
			if err != nil {
				return fmt.Errorf("fetch graph: %w", err)
			}
			g := graph.New()
			skipped, err := g.Load(graph.FromGraphData(data, opts.cfg.LayoutScale))
			if err != nil {
				return fmt.Errorf("load graph: %w", err)
			}

			store, err := openLayout(opts)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Save(ctx, g); err != nil {
				return err
			}

			locations, items, edges := g.Counts()
			out := cmd.OutOrStdout()
			brand.Fprintf(out, "saved ")
			fmt.Fprintf(out, "%d locations, %d items, %d connections to %s\n", locations, items, edges, opts.cfg.LayoutPath)
			if skipped > 0 {
				warn.Fprintf(out, "skipped %d connections with a missing endpoint\n", skipped)
			}
			return nil
		},
	}
}

func layoutShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the stored location positions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openLayout(opts)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			snap, savedAt, err := store.Load(cmd.Context())
			if errors.Is(err, layout.ErrNotFound) {
				warn.Fprintln(out, "no layout stored")
				return nil
			}
			if err != nil {
				return err
			}

			subtle.Fprintf(out, "saved %s\n", savedAt.Local().Format(time.RFC3339))
			nodes := append([]graph.Node(nil), snap.Nodes...)
			sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
			for _, n := range nodes {
				if n.Type != graph.TypeLocation {
					continue
				}
				label, _ := n.Attrs[graph.AttrLabel].(string)
				info.Fprintf(out, "%-24s", n.ID)
				fmt.Fprintf(out, " %-24s x=%v y=%v\n", label, n.Attrs[graph.AttrX], n.Attrs[graph.AttrY])
			}
			fmt.Fprintf(out, "%d nodes, %d connections\n", len(snap.Nodes), len(snap.Edges))
			return nil
		},
	}
}

func layoutClearCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the stored layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openLayout(opts)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Delete(cmd.Context(), layout.Key); err != nil {
				return err
			}
			brand.Fprintln(cmd.OutOrStdout(), "layout cleared")
			return nil
		},
	}
}
