//go:build integration

package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/freightpay/internal/testutil"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	svc := NewService(store, nil)
	ctx := context.Background()

	e, err := svc.Create(ctx, CreateRequest{ShipmentID: "shp_pg", PayerID: "shipper_1", Amount: 12000})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = svc.Create(ctx, CreateRequest{ShipmentID: "shp_pg", PayerID: "shipper_1", Amount: 12000})
	var dup *DuplicateError
	if !errors.As(err, &dup) || dup.EscrowID != e.ID {
		t.Fatalf("expected duplicate naming %s, got %v", e.ID, err)
	}

	funded, err := svc.Fund(ctx, e.ID, Evidence{Actor: "test"})
	if err != nil {
		t.Fatalf("Fund: %v", err)
	}
	if funded.Version != 2 || funded.FundedAt == nil {
		t.Fatalf("unexpected funded record %+v", funded)
	}

	got, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != StateFunded || got.Amount != 12000 {
		t.Fatalf("unexpected stored record %+v", got)
	}

	stale := *got
	stale.Version = 3
	stale.UpdatedAt = time.Now()
	if err := store.Update(ctx, &stale, 1); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	if _, err := svc.Transition(ctx, e.ID, StateReleased, Evidence{Reason: "delivered"}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := store.GetActiveByShipment(ctx, "shp_pg"); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("released escrow should not be active, got %v", err)
	}

	// The shipment can take a new escrow once the old one is terminal.
	if _, err := svc.Create(ctx, CreateRequest{ShipmentID: "shp_pg", PayerID: "shipper_1", Amount: 12000}); err != nil {
		t.Fatalf("second Create: %v", err)
	}

	counts, err := store.CountByState(ctx)
	if err != nil {
		t.Fatalf("CountByState: %v", err)
	}
	if counts[StateReleased] != 1 || counts[StatePending] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}

	open, err := store.ListNonTerminal(ctx, 10)
	if err != nil || len(open) != 1 {
		t.Fatalf("ListNonTerminal = %v, %v", open, err)
	}

	for _, shp := range []string{"shp_pg_2", "shp_pg_3"} {
		if _, err := svc.Create(ctx, CreateRequest{ShipmentID: shp, PayerID: "shipper_1", Amount: 500}); err != nil {
			t.Fatalf("Create %s: %v", shp, err)
		}
	}
	first, err := svc.ListByState(ctx, StatePending, "", 2)
	if err != nil || len(first.Escrows) != 2 || !first.HasMore {
		t.Fatalf("first page = %+v, %v", first, err)
	}
	second, err := svc.ListByState(ctx, StatePending, first.NextCursor, 2)
	if err != nil || len(second.Escrows) != 1 || second.HasMore {
		t.Fatalf("second page = %+v, %v", second, err)
	}
	for _, e := range first.Escrows {
		if e.ID == second.Escrows[0].ID {
			t.Fatalf("escrow %s appears on both pages", e.ID)
		}
	}
}
