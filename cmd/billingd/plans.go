package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dmitrymomot/campaignbilling/pkg/validator"
	"github.com/dmitrymomot/campaignbilling/svc/billing"
	"github.com/dmitrymomot/campaignbilling/svc/billing/pgstore"
)

// planFile is one catalog entry of a plans import file.
type planFile struct {
	Code          string `json:"code"`
	Name          string `json:"name"`
	Price         int64  `json:"price"`
	Currency      string `json:"currency"`
	Interval      string `json:"interval"`
	Active        *bool  `json:"active"`
	Tier          string `json:"tier"`
	Category      string `json:"category"`
	PaddlePriceID string `json:"paddlePriceId"`
}

var intervals = []string{string(billing.IntervalMonth), string(billing.IntervalYear), string(billing.IntervalLifetime)}

// parsePlans reads a JSON array of plans. Currency defaults to
// defaultCurrency and plans are active unless stated otherwise.
func parsePlans(r io.Reader, defaultCurrency string) ([]billing.Plan, error) {
	var entries []planFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode plans: %w", err)
	}

	seen := make(map[string]bool, len(entries))
	plans := make([]billing.Plan, 0, len(entries))
	for i, e := range entries {
		e.Code = strings.TrimSpace(e.Code)
		if err := validator.Apply(
			validator.Required("code", e.Code),
			validator.MaxLen("code", e.Code, 64),
			validator.Required("name", e.Name),
			validator.InList("interval", e.Interval, intervals),
			validator.Rule{
				Check: func() bool { return e.Price >= 0 },
				Error: validator.ValidationError{Field: "price", Message: "must not be negative"},
			},
		); err != nil {
			return nil, fmt.Errorf("plan %d (%s): %w", i, e.Code, err)
		}
		if seen[e.Code] {
			return nil, fmt.Errorf("plan %d: duplicate code %q", i, e.Code)
		}
		seen[e.Code] = true

		p := billing.Plan{
			Code:          e.Code,
			Name:          e.Name,
			Price:         e.Price,
			Currency:      strings.ToUpper(e.Currency),
			Interval:      billing.Interval(e.Interval),
			Active:        e.Active == nil || *e.Active,
			Tier:          e.Tier,
			Category:      e.Category,
			PaddlePriceID: e.PaddlePriceID,
		}
		if p.Currency == "" {
			p.Currency = defaultCurrency
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func plansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Manage the plan catalog",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "import <file.json>",
			Short: "Insert or update plans by code",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				plans, err := parsePlans(f, cfg.Policy.Currency)
				if err != nil {
					return err
				}

				log := newLogger(cfg)
				pool, err := connectDB(cmd.Context(), cfg, log, false)
				if err != nil {
					return err
				}
				defer pool.Close()
				store := pgstore.New(pool, cfg.DB.TxRetries)
				for _, p := range plans {
					saved, err := store.UpsertPlan(cmd.Context(), p)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", saved.Code, saved.ID)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "Print the plan catalog",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				pool, err := connectDB(cmd.Context(), cfg, newLogger(cfg), false)
				if err != nil {
					return err
				}
				defer pool.Close()
				plans, err := pgstore.New(pool, cfg.DB.TxRetries).ListPlans(cmd.Context())
				if err != nil {
					return err
				}
				return printPlans(cmd.OutOrStdout(), plans)
			},
		},
	)
	return cmd
}

func printPlans(w io.Writer, plans []billing.Plan) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tNAME\tPRICE\tINTERVAL\tACTIVE\tID")
	for _, p := range plans {
		fmt.Fprintf(tw, "%s\t%s\t%d %s\t%s\t%t\t%s\n", p.Code, p.Name, p.Price, p.Currency, p.Interval, p.Active, p.ID)
	}
	return tw.Flush()
}
