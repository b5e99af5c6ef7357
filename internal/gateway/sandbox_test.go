package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSandboxInitiate(t *testing.T) {
	g := NewSandboxGateway()

	res, err := g.Initiate(context.Background(), InitiateInput{
		Phone:     "254700000001",
		Amount:    10,
		Reference: "u-1",
		Description: "CampusPay starter",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if !strings.HasPrefix(res.ProviderRef, "ws_CO_") {
		t.Fatalf("provider_ref = %q, want ws_CO_ prefix", res.ProviderRef)
	}
	if res.MerchantRef != "sbx-1" {
		t.Fatalf("merchant_ref = %q, want sbx-1", res.MerchantRef)
	}

	calls := g.Calls()
	if len(calls) != 1 || calls[0].Phone != "254700000001" {
		t.Fatalf("calls = %+v, want the recorded input", calls)
	}
}

func TestSandboxProviderRefsAreUnique(t *testing.T) {
	g := NewSandboxGateway()
	ctx := context.Background()

	first, err := g.Initiate(ctx, InitiateInput{Phone: "254700000001", Amount: 10})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := g.Initiate(ctx, InitiateInput{Phone: "254700000001", Amount: 10})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.ProviderRef == second.ProviderRef {
		t.Fatal("provider refs must be unique per push")
	}
}

func TestSandboxFailNext(t *testing.T) {
	g := NewSandboxGateway()
	g.FailNext = true

	if _, err := g.Initiate(context.Background(), InitiateInput{Phone: "254700000001", Amount: 10}); !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}

	// The failure is one-shot.
	if _, err := g.Initiate(context.Background(), InitiateInput{Phone: "254700000001", Amount: 10}); err != nil {
		t.Fatalf("second initiate: %v", err)
	}
}
