package auth

import (
	"errors"
	"testing"
)

func TestContextHas(t *testing.T) {
	ctx := NewContext("acc1", RoleTrader, RolePermissions(RoleTrader))
	if !ctx.Has(PermOrdersCreate) {
		t.Fatalf("trader should have orders:create")
	}
	if ctx.Has(PermPositionsReadAll) {
		t.Fatalf("trader should not have positions:read_all")
	}
}

func TestAdminFullIsSuperset(t *testing.T) {
	ctx := NewContext("admin1", RoleAdmin, RolePermissions(RoleAdmin))
	for _, p := range []Permission{
		PermOrdersCreate, PermOrdersCancel, PermPositionsRead,
		PermPositionsReadAll, PermMarketRead,
	} {
		if !ctx.Has(p) {
			t.Errorf("admin:full should imply %s", p)
		}
	}
	if !ctx.CanAccessAccount("someone-else") {
		t.Fatalf("admin should access any account")
	}
}

func TestCanAccessAccount(t *testing.T) {
	ctx := NewContext("acc1", RoleTrader, RolePermissions(RoleTrader))
	if !ctx.CanAccessAccount("acc1") {
		t.Fatalf("owner should access own account")
	}
	if ctx.CanAccessAccount("acc2") {
		t.Fatalf("trader should not access foreign account")
	}
}

func TestStaticAuthenticator(t *testing.T) {
	a := NewStaticAuthenticator([]Account{
		{Token: "tok-trader", AccountID: "acc1", Role: RoleTrader},
		{Token: "tok-viewer", AccountID: "acc2", Role: RoleViewer, Extra: []Permission{PermPositionsReadAll}},
	})

	ctx, err := a.Authenticate("tok-trader")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctx.AccountID != "acc1" || ctx.Role != RoleTrader {
		t.Fatalf("unexpected context: %+v", ctx)
	}

	ctx, err = a.Authenticate("tok-viewer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ctx.Has(PermPositionsReadAll) {
		t.Fatalf("extra permission not applied")
	}
	if ctx.Has(PermOrdersCreate) {
		t.Fatalf("viewer must not create orders")
	}

	if _, err := a.Authenticate("bogus"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if _, err := a.Authenticate(""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for empty token, got %v", err)
	}
}
