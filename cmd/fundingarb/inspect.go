package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/gregtusar/fundingarb/pkg/store"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status report of a running engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				addr = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
			}
			return printStatus(cmd.Context(), addr, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "engine API address (default from config)")
	return cmd
}

func printStatus(ctx context.Context, addr string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/api/status", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status returned %d: %s", resp.StatusCode, body)
	}

	var report models.StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	fmt.Fprintf(out, "ticks: %d  last tick: %s\n\n", report.Ticks, report.LastTick.Format(time.RFC3339))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VENUE\tASSET\tAVAILABLE\tHEADROOM\tERROR")
	for _, b := range report.Balances {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%.2f\t%s\n", b.Venue, b.Asset, b.Available, b.Headroom, b.Error)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "TOKEN\tLONG\tSHORT\tSPREAD %/h\tQUALIFIES")
	for _, s := range report.Spreads {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.4f\t%v\n", s.Token, s.LongVenue, s.ShortVenue, s.HourlySpread*100, s.Qualifies)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "ID\tTOKEN\tLONG\tSHORT\tSTATE\tDURATION\tFUNDING")
	for _, p := range report.Positions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%.4f\n", p.ID, p.Token, p.LongVenue, p.ShortVenue, p.State, p.Duration, p.FundingTotal)
	}
	return tw.Flush()
}

func newHistoryCmd() *cobra.Command {
	var (
		token string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print finished positions from the history store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := store.Open(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.CreateTables(cmd.Context()); err != nil {
				return err
			}

			rows, err := s.ListHistory(cmd.Context(), store.HistoryFilter{Token: token, Limit: limit})
			if err != nil {
				return err
			}
			return printHistory(rows, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "only show this token")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func printHistory(rows []*models.ActiveArbitragePosition, out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTOKEN\tLONG\tSHORT\tSTATE\tENTRY %/h\tEXIT %/h\tFUNDING\tREASON")
	for _, p := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.4f\t%.4f\t%.4f\t%s\n",
			p.ID, p.Token, p.LongVenue, p.ShortVenue, p.State,
			p.EntrySpread*100, p.ExitSpread*100, p.FundingTotal(), p.ExitReason)
	}
	return tw.Flush()
}
