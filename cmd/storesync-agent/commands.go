package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/pdvdash/storesync/internal/agentsync"
	"github.com/pdvdash/storesync/internal/config"
	"github.com/pdvdash/storesync/internal/control"
	"github.com/pdvdash/storesync/internal/source"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func bootstrapCmd(load func() (*agent, error)) *cobra.Command {
	var interactive bool
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Install marker columns and triggers without syncing",
		Long: `Bootstrap installs the marker column and triggers on every catalog table,
marks sales older than the cutoff as delivered and, on the very first run,
retires soft-deleted history. It is safe to run again at any time.

With --interactive and no configured cutoff, the cutoff date is asked for.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			l, err := a.lock()
			if err != nil {
				return err
			}
			defer l.Release()

			cutoff, err := a.cfg.CutoffDate()
			if err != nil {
				return err
			}
			syncer, err := a.newSyncer(control.New(), cutoff)
			if err != nil {
				return err
			}
			if interactive && cutoff.IsZero() {
				first, err := syncer.FirstRun()
				if err != nil {
					return err
				}
				if first {
					if cutoff, err = promptCutoff(cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
						return err
					}
					if syncer, err = a.newSyncer(control.New(), cutoff); err != nil {
						return err
					}
				}
			}
			if err := syncer.Bootstrap(cmd.Context()); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c := syncer.Cutoff(); !c.IsZero() {
				fmt.Fprintf(out, "Cutoff: %s\n", c.Format("02.01.2006"))
			}
			broken := syncer.Broken()
			if len(broken) == 0 {
				fmt.Fprintf(out, "%d tables ready\n", len(a.catalog.Tables))
				return nil
			}
			names := make([]string, 0, len(broken))
			for name := range broken {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "%s %s: %v\n", color.New(color.FgRed).Sprint("SKIPPED"), name, broken[name])
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Ask for the cutoff date on first bootstrap")
	return cmd
}

// promptCutoff asks for a cutoff until a valid date or an empty answer.
func promptCutoff(in io.Reader, out io.Writer) (time.Time, error) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "Ignore sales before (dd.mm.yyyy, empty to send all history): ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return time.Time{}, err
			}
			return time.Time{}, errors.New("no cutoff given")
		}
		cutoff, err := config.ParseCutoff(scanner.Text())
		if err == nil {
			return cutoff, nil
		}
		fmt.Fprintln(out, err)
	}
}

func resetCmd(load func() (*agent, error)) *cobra.Command {
	var (
		tables      []string
		cleared     bool
		quarantined bool
		yes         bool
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Mark delivered or quarantined rows pending again",
		Long: `Reset re-arms the markers of the selected tables so their rows are sent
again by the next cycles. By default both delivered and quarantined rows are
re-armed in every catalog table.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var from []source.Marker
			if cleared {
				from = append(from, source.Cleared)
			}
			if quarantined {
				from = append(from, source.Quarantined)
			}
			if len(from) == 0 {
				return errors.New("nothing to reset: both --cleared and --quarantined are off")
			}
			a, err := load()
			if err != nil {
				return err
			}
			cat, err := a.catalog.Select(tables)
			if err != nil {
				return err
			}
			names := make([]string, len(cat.Tables))
			for i, t := range cat.Tables {
				names[i] = t.Name
			}
			if !yes {
				ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(),
					fmt.Sprintf("Resend %s of %s?", markerNames(from), strings.Join(names, ", ")))
				if err != nil || !ok {
					return err
				}
			}
			l, err := a.lock()
			if err != nil {
				return err
			}
			defer l.Release()

			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			for _, t := range cat.Tables {
				n, err := st.Rearm(cmd.Context(), t, from...)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-16s %s rows pending again\n", t.Name, humanize.Comma(n))
			}
			if quarantined {
				return agentsync.ForgetRejections(a.cfg.Sync.StateFile, names)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&tables, "tables", "t", nil, "Tables to reset (default all)")
	cmd.Flags().BoolVar(&cleared, "cleared", true, "Re-arm delivered rows")
	cmd.Flags().BoolVar(&quarantined, "quarantined", true, "Re-arm quarantined rows")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func markerNames(from []source.Marker) string {
	var parts []string
	for _, m := range from {
		switch m {
		case source.Cleared:
			parts = append(parts, "delivered")
		case source.Quarantined:
			parts = append(parts, "quarantined")
		}
	}
	return strings.Join(parts, " and ") + " rows"
}

func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N] ", question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes", "s", "sim":
		return true, nil
	}
	fmt.Fprintln(out, "aborted")
	return false, nil
}

func statusCmd(load func() (*agent, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-table delivery progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			return a.status(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func (a *agent) status(ctx context.Context, out io.Writer) error {
	sum, err := agentsync.ReadStateSummary(a.cfg.Sync.StateFile)
	if err != nil {
		return err
	}
	if a.cfg.Store.ID != "" {
		fmt.Fprintf(out, "Store:         %s\n", a.cfg.Store.ID)
	}
	if sum.BootstrappedAt.IsZero() {
		fmt.Fprintf(out, "Bootstrapped:  %s\n", color.New(color.FgYellow).Sprint("never"))
	} else {
		fmt.Fprintf(out, "Bootstrapped:  %s\n", humanize.Time(sum.BootstrappedAt))
	}
	if sum.Cutoff != "" {
		fmt.Fprintf(out, "Cutoff:        %s\n", sum.Cutoff)
	}

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	table := tablewriter.NewWriter(out)
	table.Header("Table", "Role", "Pending", "Delivered", "Quarantined", "Rejected")
	for _, t := range a.catalog.Tables {
		role := string(t.Role)
		if role == "" {
			role = "registry"
		}
		c, err := st.Count(ctx, t)
		if err != nil {
			_ = table.Append([]string{t.Name, role, "-", "-", "-", color.New(color.FgRed).Sprint("not tracked")})
			continue
		}
		q := humanize.Comma(c.Quarantined)
		if c.Quarantined > 0 {
			q = color.New(color.FgRed).Sprint(q)
		}
		_ = table.Append([]string{
			t.Name,
			role,
			humanize.Comma(c.Pending+c.InFlight),
			humanize.Comma(c.Cleared),
			q,
			humanize.Comma(int64(sum.Rejected[strings.ToUpper(t.Name)])),
		})
	}
	return table.Render()
}

func printConfigCmd(load func() (*agent, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "print-config",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			a.cfg.WriteINI(cmd.OutOrStdout())
			return nil
		},
	}
}
