package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tarkshell/tark/internal/config"
	"github.com/tarkshell/tark/internal/remote"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Inspect and control sessions in the remote session registry",
	Long: `remote reads and writes the same registry.json a "tark serve" HTTP
surface exposes: it can be used locally without a running server.`,
}

var remoteListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions tracked in the remote registry",
	RunE:    runRemoteList,
}

var remoteStopCmd = &cobra.Command{
	Use:   "stop [session-id]",
	Short: "Mark a session (or all sessions with --all) as stopped",
	RunE:  runRemoteStop,
}

var remoteInterruptCmd = &cobra.Command{
	Use:   "interrupt [session-id]",
	Short: "Signal a session (or all sessions with --all) to interrupt",
	RunE:  runRemoteInterrupt,
}

var remoteAll bool

func init() {
	remoteCmd.AddCommand(remoteListCmd)
	remoteCmd.AddCommand(remoteStopCmd)
	remoteCmd.AddCommand(remoteInterruptCmd)
	remoteStopCmd.Flags().BoolVar(&remoteAll, "all", false, "Apply to every tracked session")
	remoteInterruptCmd.Flags().BoolVar(&remoteAll, "all", false, "Apply to every tracked session")
}

func openRegistry() (*remote.Registry, error) {
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return nil, err
	}
	return remote.Open(paths.Data)
}

func runRemoteList(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}

	sessions := reg.Sessions()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATUS\tPROVIDER\tMODEL\tMODE\tQUEUED\t")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t\n", s.SessionID, s.Status, s.Provider, s.Model, s.Mode, s.QueuedCount)
	}
	return w.Flush()
}

func runRemoteStop(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	if remoteAll {
		return reg.StopAll()
	}
	if len(args) == 0 {
		return fmt.Errorf("session id required, or pass --all")
	}
	return reg.StopSession(args[0])
}

func runRemoteInterrupt(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	if remoteAll {
		return reg.InterruptAll()
	}
	if len(args) == 0 {
		return fmt.Errorf("session id required, or pass --all")
	}
	return reg.InterruptSession(args[0])
}
