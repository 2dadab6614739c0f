package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"loaner/crypto"
	"loaner/native/common"
	"loaner/native/fixedpoint"
	"loaner/native/ledger"
	"loaner/native/loaner"
	"loaner/services/loanerd/auth"
	"loaner/state"
	"loaner/storage"
)

func TestInspectSummarisesSnapshot(t *testing.T) {
	l := ledger.NewMemory()
	env := &common.Env{Ledger: l, NowFn: func() int64 { return 1_700_000_000 }}
	admin := crypto.NamedAddress("loanerctl-test/admin")
	params := loaner.DefaultParams()
	params.Admins = []crypto.Address{admin}
	r, err := loaner.NewRegistry(params, env)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	_, p, err := r.AddCommunity(admin, crypto.NamedAddress("loanerctl-test/manager"))
	if err != nil {
		t.Fatalf("add community: %v", err)
	}
	funder := crypto.NamedAddress("loanerctl-test/funder")
	if err := l.Mint(funder, fixedpoint.Units(5)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Approve(funder, p.Address(), fixedpoint.Units(5)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := p.Join(funder, fixedpoint.Units(5)); err != nil {
		t.Fatalf("join: %v", err)
	}
	st, err := r.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	db := storage.NewMemDB()
	if _, err := state.NewStore(db).Save(st); err != nil {
		t.Fatalf("save: %v", err)
	}

	var out bytes.Buffer
	if err := inspect(db, &out); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	var report inspectReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Communities != 1 || report.Admins != 1 || len(report.Pools) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Pools[0].TotalLiquid != "5" || report.Pools[0].Funders != 1 {
		t.Fatalf("unexpected pool summary %+v", report.Pools[0])
	}
	if report.TakenAt != "2023-11-14T22:13:20Z" {
		t.Fatalf("unexpected timestamp %s", report.TakenAt)
	}
}

func TestInspectEmptyStore(t *testing.T) {
	err := inspect(storage.NewMemDB(), &bytes.Buffer{})
	if !errors.Is(err, state.ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
}

func TestKeygenAndToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "operator.keystore")
	t.Setenv("LOANERCTL_TEST_PASS", "hunter22")
	t.Setenv("LOANERCTL_TEST_SECRET", "0123456789abcdef0123456789abcdef")

	var out bytes.Buffer
	if err := runKeygen([]string{"-keystore", path, "-pass-env", "LOANERCTL_TEST_PASS"}, &out); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if err := runKeygen([]string{"-keystore", path, "-pass-env", "LOANERCTL_TEST_PASS"}, &out); err == nil {
		t.Fatalf("expected keygen to refuse overwriting")
	}

	var addrOut bytes.Buffer
	if err := runAddress([]string{"-keystore", path, "-pass-env", "LOANERCTL_TEST_PASS"}, &addrOut); err != nil {
		t.Fatalf("address: %v", err)
	}
	addr, err := crypto.DecodeAddress(addrOut.String())
	if err != nil {
		t.Fatalf("decode printed address: %v", err)
	}

	var tokenOut bytes.Buffer
	if err := runToken([]string{"-keystore", path, "-pass-env", "LOANERCTL_TEST_PASS", "-secret-env", "LOANERCTL_TEST_SECRET", "-issuer", "loanerd"}, &tokenOut); err != nil {
		t.Fatalf("token: %v", err)
	}
	verifier, err := auth.NewVerifier(auth.Options{Secret: []byte("0123456789abcdef0123456789abcdef"), Issuer: "loanerd"})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	subject, err := verifier.Verify(string(bytes.TrimSpace(tokenOut.Bytes())))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject != addr {
		t.Fatalf("token subject %s, want %s", subject, addr)
	}
}
