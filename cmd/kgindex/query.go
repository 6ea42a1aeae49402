package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"kgindex/internal/graph"
	"kgindex/internal/store"
)

var queryCmd = &cobra.Command{
	Use:     "query",
	Short:   "Query the committed graph",
	GroupID: groupQuery,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over the committed graph",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var nodeCmd = &cobra.Command{
	Use:   "node <id>",
	Short: "Show a node",
	Args:  cobra.ExactArgs(1),
	RunE:  runNode,
}

var relatedCmd = &cobra.Command{
	Use:   "related <id>",
	Short: "Show the edges touching a node",
	Long: `Show the edges touching a node.

Examples:
  kgindex query related <id>                                 # Both directions, all types
  kgindex query related <id> --type PREVENTS --direction in  # Template imports guarding it`,
	Args: cobra.ExactArgs(1),
	RunE: runRelated,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes by type and severity",
	Long: `List committed nodes ordered by id.

Examples:
  kgindex query list --type Vulnerability                  # Every vulnerability
  kgindex query list --type Vulnerability --severity high  # Severity matches any case`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show graph statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var (
	searchTopK       int
	relatedType      string
	relatedDirection string
	listType         string
	listSeverity     string
)

func init() {
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 10, "Maximum number of results")
	relatedCmd.Flags().StringVar(&relatedType, "type", "", "Relationship type filter ("+relationshipNames()+")")
	relatedCmd.Flags().StringVar(&relatedDirection, "direction", "both", "Edge direction: out, in or both")

	queryCmd.AddCommand(searchCmd)
	queryCmd.AddCommand(nodeCmd)
	queryCmd.AddCommand(relatedCmd)
	listCmd.Flags().StringVar(&listType, "type", "", "Node type filter ("+nodeTypeNames()+")")
	listCmd.Flags().StringVar(&listSeverity, "severity", "", "Severity filter (Critical, High, Medium, Low)")

	queryCmd.AddCommand(statsCmd)
	queryCmd.AddCommand(listCmd)

	rootCmd.AddCommand(queryCmd)
}

func relationshipNames() string {
	names := make([]string, len(graph.RelationshipTypes))
	for i, r := range graph.RelationshipTypes {
		names[i] = string(r)
	}
	return strings.Join(names, ", ")
}

func nodeTypeNames() string {
	names := make([]string, len(graph.NodeTypes))
	for i, t := range graph.NodeTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(data))
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	e, err := openStore()
	if err != nil {
		return err
	}
	defer e.Close()

	hits, err := e.store.Search(context.Background(), strings.Join(args, " "), searchTopK)
	if err != nil {
		return err
	}
	return printJSON(hits)
}

func runNode(cmd *cobra.Command, args []string) error {
	e, err := openStore()
	if err != nil {
		return err
	}
	defer e.Close()

	n, err := e.store.GetNode(context.Background(), args[0])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("node %s not found", args[0])
	}
	if err != nil {
		return err
	}
	return printJSON(n)
}

func runRelated(cmd *cobra.Command, args []string) error {
	rel := graph.RelationshipType(strings.ToUpper(relatedType))
	if rel != "" && !rel.Valid() {
		return fmt.Errorf("unknown relationship type %q (want one of %s)", relatedType, relationshipNames())
	}
	dir, err := graph.ParseDirection(relatedDirection)
	if err != nil {
		return err
	}

	e, err := openStore()
	if err != nil {
		return err
	}
	defer e.Close()

	edges, err := e.store.GetRelated(context.Background(), args[0], rel, dir)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("node %s not found", args[0])
	}
	if err != nil {
		return err
	}
	return printJSON(edges)
}

func runList(cmd *cobra.Command, args []string) error {
	t := graph.NodeType(listType)
	if t != "" && !t.Valid() {
		return fmt.Errorf("unknown node type %q (want one of %s)", listType, nodeTypeNames())
	}

	e, err := openStore()
	if err != nil {
		return err
	}
	defer e.Close()

	nodes, err := e.store.NodesByType(context.Background(), t, listSeverity)
	if err != nil {
		return err
	}
	return printJSON(nodes)
}

func runStats(cmd *cobra.Command, args []string) error {
	e, err := openStore()
	if err != nil {
		return err
	}
	defer e.Close()

	stats, err := e.store.Statistics(context.Background())
	if err != nil {
		return err
	}
	return printJSON(stats)
}
