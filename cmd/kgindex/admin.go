package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"kgindex/internal/auth"
	"kgindex/internal/store"
)

var backupsCmd = &cobra.Command{
	Use:     "backups",
	Short:   "Backup commands",
	GroupID: groupAdmin,
}

var backupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runBackupsList,
}

var backupsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove all but the newest backups",
	Args:  cobra.NoArgs,
	RunE:  runBackupsPrune,
}

var rollbackCmd = &cobra.Command{
	Use:     "rollback <backup>",
	Short:   "Restore a backup as the committed generation",
	GroupID: groupAdmin,
	Long: `Restore a named backup as the committed generation.

The current generation is backed up first, and the version is bumped past
the current one so versions never go backwards.

Use 'kgindex backups list' to see backup names.`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "Show the committed version record",
	GroupID: groupAdmin,
	Args:    cobra.NoArgs,
	RunE:    runVersionShow,
}

var versionBumpCmd = &cobra.Command{
	Use:       "bump <minor|major>",
	Short:     "Apply an explicit minor or major version bump",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{store.BumpMinor, store.BumpMajor},
	RunE:      runVersionBump,
}

var tokenCmd = &cobra.Command{
	Use:     "token",
	Short:   "Mint a bearer token for the operator API routes",
	GroupID: groupAdmin,
	Long: `Mint a bearer token for the operator API routes.

The token is signed with $KGINDEX_API_SECRET (or api_secret in the config
file) and expires after token_ttl. Send it as "Authorization: Bearer <token>".`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

var (
	pruneRetain  int
	tokenSubject string
)

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "Subject recorded in the token and in rebuild logs")
	backupsPruneCmd.Flags().IntVar(&pruneRetain, "retain", 0, "Backups to keep (default: $KGINDEX_RETAIN or 5)")

	backupsCmd.AddCommand(backupsListCmd)
	backupsCmd.AddCommand(backupsPruneCmd)
	versionCmd.AddCommand(versionBumpCmd)

	rootCmd.AddCommand(backupsCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	tokens, err := cfg.Tokens()
	if err != nil {
		return err
	}
	if tokens == nil {
		return errors.New("no API secret configured (set KGINDEX_API_SECRET)")
	}
	token, err := tokens.Generate(tokenSubject, []string{auth.ScopeRebuild})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runBackupsList(cmd *cobra.Command, args []string) error {
	e, err := openStore()
	if err != nil {
		return err
	}
	defer e.Close()

	backups, err := e.store.ListBackups()
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		fmt.Println("No backups.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tGENERATION\tCREATED")
	for _, b := range backups {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.Name, b.Version, b.Generation, b.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runBackupsPrune(cmd *cobra.Command, args []string) error {
	retain := cfg.Retain
	if pruneRetain > 0 {
		retain = pruneRetain
	}
	e, err := openStore()
	if err != nil {
		return err
	}
	defer e.Close()

	removed, err := e.store.Prune(retain)
	if err != nil {
		return err
	}
	for _, name := range removed {
		fmt.Printf("Removed %s\n", name)
	}
	fmt.Printf("Kept %d backup(s).\n", retain)
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext()
	defer stop()

	rec, err := e.ctrl.Rollback(ctx, args[0])
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Printf("Rolled back to %s (empty store)\n", args[0])
		return nil
	}
	fmt.Printf("Rolled back to %s, now at version %s\n", args[0], rec.Version)
	return nil
}

func runVersionShow(cmd *cobra.Command, args []string) error {
	e, err := openStore()
	if err != nil {
		return err
	}
	defer e.Close()

	v := e.store.Version()
	if v == nil {
		fmt.Println("No committed generation.")
		return nil
	}
	return printJSON(v)
}

func runVersionBump(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	rec, err := e.ctrl.BumpVersion(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Version %s\n", rec.Version)
	return nil
}
