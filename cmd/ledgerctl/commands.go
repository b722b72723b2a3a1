package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"txledger/internal/domain"
	"txledger/internal/interfaces/httpclient"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

func newClient(c *cli.Context) *httpclient.Client {
	return httpclient.NewClient(c.String("server"), nil, nil)
}

func classifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "classify",
		Usage:     "Classify a mined transaction and persist its record",
		ArgsUsage: "TX_HASH",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return errors.New("transaction hash is required")
			}
			record, created, err := newClient(c).Classify(c.Context, c.Args().Get(0))
			if err != nil {
				var statusErr *httpclient.StatusError
				if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
					fmt.Fprintln(c.App.Writer, "not yet mined, try again later")
					return nil
				}
				return err
			}
			if jsonOutput(c) {
				return writeJSON(c, record)
			}
			state := "existing"
			if created {
				state = "created"
			}
			fmt.Fprintf(c.App.Writer, "%s (%s)\n", record.Hash, state)
			return writeRecords(c.App.Writer, []domain.TransactionRecord{record})
		},
	}
}

func ledgerCommand() *cli.Command {
	return &cli.Command{
		Name:      "ledger",
		Usage:     "List confirmed records touching an address",
		ArgsUsage: "ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return errors.New("address is required")
			}
			records, err := newClient(c).Ledger(c.Context, c.Args().Get(0))
			if err != nil {
				return err
			}
			if jsonOutput(c) {
				return writeJSON(c, records)
			}
			return writeRecords(c.App.Writer, records)
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Show the merged pending and confirmed timeline for an address",
		ArgsUsage: "ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return errors.New("address is required")
			}
			entries, err := newClient(c).History(c.Context, c.Args().Get(0))
			if err != nil {
				return err
			}
			if jsonOutput(c) {
				return writeJSON(c, entries)
			}
			tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "HASH\tFROM\tTO\tAMOUNT\tASSET\tSTATUS\tTIME")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", e.Hash, e.From, e.To, e.Amount, e.Asset, e.Status, e.Timestamp.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func trackCommand() *cli.Command {
	return &cli.Command{
		Name:      "track",
		Usage:     "Register a broadcast submission as pending",
		ArgsUsage: "TX_HASH",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from", Usage: "sender address", Required: true},
			&cli.StringFlag{Name: "to", Usage: "recipient address"},
			&cli.StringFlag{Name: "amount", Usage: "display amount", Value: "0.0"},
			&cli.StringFlag{Name: "asset", Usage: "asset symbol", Value: domain.AssetNative},
			&cli.Uint64Flag{Name: "nonce", Usage: "sender nonce", Required: true},
			&cli.StringFlag{Name: "fee-rate", Usage: "fee rate in base units"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return errors.New("transaction hash is required")
			}
			sub := domain.PendingSubmission{
				Hash:    c.Args().Get(0),
				From:    c.String("from"),
				To:      c.String("to"),
				Amount:  c.String("amount"),
				Asset:   c.String("asset"),
				Nonce:   c.Uint64("nonce"),
				FeeRate: c.String("fee-rate"),
			}
			if err := newClient(c).Track(c.Context, sub); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "tracking %s (nonce %d)\n", sub.Hash, sub.Nonce)
			return nil
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Replace a pending submission with a zero-value self-transfer",
		ArgsUsage: "TX_HASH",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return errors.New("transaction hash is required")
			}
			replacement, err := newClient(c).Cancel(c.Context, c.Args().Get(0))
			if err != nil {
				var statusErr *httpclient.StatusError
				if errors.As(err, &statusErr) && statusErr.Code == http.StatusConflict && statusErr.Record != nil {
					fmt.Fprintf(c.App.Writer, "too late: %s already mined with status %s\n", statusErr.Record.Hash, statusErr.Record.Status)
					return nil
				}
				return err
			}
			if jsonOutput(c) {
				return writeJSON(c, map[string]string{"hash": replacement})
			}
			fmt.Fprintf(c.App.Writer, "replacement submitted: %s\n", replacement)
			return nil
		},
	}
}

func jsonOutput(c *cli.Context) bool {
	return c.Bool("json") || c.String("jq") != ""
}

// writeJSON prints v, optionally filtered through the --jq expression. Each
// value the expression yields is printed on its own.
func writeJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	expr := c.String("jq")
	if expr == "" {
		return enc.Encode(v)
	}

	query, err := gojq.Parse(expr)
	if err != nil {
		return fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
	}

	// gojq only understands plain JSON values.
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return err
	}

	iter := code.Run(input)
	for {
		out, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := out.(error); isErr {
			return fmt.Errorf("jq: %w", err)
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
}

func writeRecords(w io.Writer, records []domain.TransactionRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HASH\tFROM\tTO\tAMOUNT\tASSET\tSTATUS\tBLOCK\tTIME")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n", r.Hash, r.From, r.To, r.Amount, r.Asset, r.Status, r.BlockNumber, r.Timestamp.Format(time.RFC3339))
	}
	return tw.Flush()
}
