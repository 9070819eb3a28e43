package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestRunMainResolvesState(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := runMain([]string{
		"--contract-status", "pending",
		"--local-status", "pending",
		"--transactions-ready",
	}, strings.NewReader(""), &out)
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}

	var doc outputDoc
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if doc.Label != "Signing required" {
		t.Fatalf("label: %q", doc.Label)
	}
	if len(doc.Actions) != 1 || doc.Actions[0] != "sign_payout_transactions" {
		t.Fatalf("actions: %v", doc.Actions)
	}
}

func TestRunMainNumericStatusAndInUse(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if err := runMain([]string{"--contract-status", "2", "--in-use"}, strings.NewReader(""), &out); err != nil {
		t.Fatalf("runMain: %v", err)
	}
	var doc outputDoc
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if doc.Label != "In Use" || doc.Badge != "active" {
		t.Fatalf("doc: %+v", doc)
	}
	if len(doc.Actions) != 0 {
		t.Fatalf("in-use must expose no actions: %v", doc.Actions)
	}
}

func TestRunMainBatch(t *testing.T) {
	t.Parallel()

	in := strings.Join([]string{
		`{"contract_status":"pending","local_status":"pending","transactions_ready":true}`,
		``,
		`{"contract_status":"available"}`,
	}, "\n")

	var out bytes.Buffer
	if err := runMain([]string{"--batch"}, strings.NewReader(in), &out); err != nil {
		t.Fatalf("runMain: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("output lines: %d (%q)", len(lines), out.String())
	}

	var first, second outputDoc
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if first.Label != "Signing required" {
		t.Fatalf("first label: %q", first.Label)
	}
	if second.Label != "Available" || second.Badge != "inactive" {
		t.Fatalf("second doc: %+v", second)
	}
}

func TestRunMainBatchRejectsBadRow(t *testing.T) {
	t.Parallel()

	in := `{"contract_status":"pending"}` + "\n" + `{"contract_status":"minted"}` + "\n"
	var out bytes.Buffer
	err := runMain([]string{"--batch"}, strings.NewReader(in), &out)
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("bad batch row: %v", err)
	}
}

func TestRunMainRejectsBadInput(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if err := runMain(nil, strings.NewReader(""), &out); err == nil {
		t.Fatalf("missing contract status accepted")
	}
	if err := runMain([]string{"--contract-status", "minted"}, strings.NewReader(""), &out); err == nil || !strings.Contains(err.Error(), "contract status") {
		t.Fatalf("bad contract status: %v", err)
	}
	if err := runMain([]string{"--contract-status", "pending", "--local-status", "minted"}, strings.NewReader(""), &out); err == nil || !strings.Contains(err.Error(), "local status") {
		t.Fatalf("bad local status: %v", err)
	}
}
