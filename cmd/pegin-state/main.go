package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bitvault-labs/vault-tracker/internal/pegin"
)

type batchRow struct {
	ContractStatus    string `json:"contract_status"`
	LocalStatus       string `json:"local_status,omitempty"`
	TransactionsReady bool   `json:"transactions_ready,omitempty"`
	InUse             bool   `json:"in_use,omitempty"`
}

type outputDoc struct {
	Version        string   `json:"version"`
	ContractStatus string   `json:"contract_status"`
	LocalStatus    string   `json:"local_status,omitempty"`
	Label          string   `json:"label"`
	Badge          string   `json:"badge"`
	Actions        []string `json:"actions,omitempty"`
	Warning        string   `json:"warning,omitempty"`
}

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdin io.Reader, stdout io.Writer) error {
	var contractStatus string
	var localStatus string
	var transactionsReady bool
	var inUse bool
	var batch bool

	fs := flag.NewFlagSet("pegin-state", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&contractStatus, "contract-status", "", "on-chain status: pending|verified|available|expired, or its numeric value (required)")
	fs.StringVar(&localStatus, "local-status", "", "local flow status: pending|payout_signed|confirming|confirmed")
	fs.BoolVar(&transactionsReady, "transactions-ready", false, "payout transactions are prepared by the provider")
	fs.BoolVar(&inUse, "in-use", false, "collateral is locked by an open position")
	fs.BoolVar(&batch, "batch", false, "read one JSON object per line from stdin and resolve each")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if batch {
		return runBatch(stdin, stdout)
	}

	if strings.TrimSpace(contractStatus) == "" {
		return errors.New("--contract-status is required")
	}

	doc, err := resolveDoc(batchRow{
		ContractStatus:    contractStatus,
		LocalStatus:       localStatus,
		TransactionsReady: transactionsReady,
		InUse:             inUse,
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "%s\n", out)
	return err
}

// runBatch resolves one JSON object per input line and emits one JSON
// document per line, in order. Blank lines are skipped.
func runBatch(stdin io.Reader, stdout io.Writer) error {
	sc := bufio.NewScanner(stdin)
	enc := json.NewEncoder(stdout)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var row batchRow
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		doc, err := resolveDoc(row)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if err := enc.Encode(doc); err != nil {
			return err
		}
	}
	return sc.Err()
}

func resolveDoc(row batchRow) (outputDoc, error) {
	status, err := parseContractStatus(row.ContractStatus)
	if err != nil {
		return outputDoc{}, err
	}
	local := pegin.LocalStatus(strings.TrimSpace(row.LocalStatus))
	if row.LocalStatus != "" && !local.Valid() {
		return outputDoc{}, fmt.Errorf("unknown local status %q", row.LocalStatus)
	}

	d := pegin.Resolve(status, pegin.ResolveContext{
		LocalStatus:       local,
		TransactionsReady: row.TransactionsReady,
		InUse:             row.InUse,
	})

	doc := outputDoc{
		Version:        "pegin.state.v1",
		ContractStatus: status.String(),
		LocalStatus:    string(local),
		Label:          d.Label,
		Badge:          string(d.Badge),
		Warning:        d.Warning,
	}
	for _, a := range d.Actions {
		doc.Actions = append(doc.Actions, a.String())
	}
	return doc, nil
}

func parseContractStatus(raw string) (pegin.OnChainStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "0":
		return pegin.StatusPending, nil
	case "verified", "1":
		return pegin.StatusVerified, nil
	case "available", "2":
		return pegin.StatusAvailable, nil
	case "expired", "3":
		return pegin.StatusExpired, nil
	default:
		return 0, fmt.Errorf("unknown contract status %q", raw)
	}
}
