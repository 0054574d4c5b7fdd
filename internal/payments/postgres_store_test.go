//go:build integration

package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/freightpay/internal/escrow"
	"github.com/mbd888/freightpay/internal/idempotency"
	"github.com/mbd888/freightpay/internal/providers"
	"github.com/mbd888/freightpay/internal/shipment"
	"github.com/mbd888/freightpay/internal/testutil"
)

func TestPostgresStore_AttemptGuards(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	escrows := escrow.NewService(escrow.NewPostgresStore(db), nil)
	e, err := escrows.Create(ctx, escrow.CreateRequest{ShipmentID: "shp_pg_tx", PayerID: "shipper_1", Amount: 50000})
	if err != nil {
		t.Fatalf("Create escrow: %v", err)
	}

	store := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)
	first := &Transaction{
		ID: "ptx_pg_1", EscrowID: e.ID, Provider: string(providers.ProviderA), Method: MethodProviderA,
		Status: StatusPending, Amount: 50000, PayerPhone: "260971234567", Reference: "ptx_pg_1",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create: %v", err)
	}

	second := *first
	second.ID, second.Reference = "ptx_pg_2", "ptx_pg_2"
	second.CreatedAt = now.Add(time.Second)
	if err := store.Create(ctx, &second); !errors.Is(err, ErrAttemptInProgress) {
		t.Fatalf("expected ErrAttemptInProgress, got %v", err)
	}

	first.ProviderTxID = "T-PG"
	if err := store.Update(ctx, first); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := store.GetByProviderTx(ctx, string(providers.ProviderA), "T-PG")
	if err != nil || got.ID != first.ID {
		t.Fatalf("GetByProviderTx = %+v, %v", got, err)
	}

	first.Status = StatusFailed
	first.FailureReason = "declined"
	if err := store.Update(ctx, first); err != nil {
		t.Fatalf("fail first: %v", err)
	}
	if err := store.Create(ctx, &second); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}

	paid := now.Add(time.Minute)
	second.Status, second.PaidAt, second.UpdatedAt = StatusCompleted, &paid, paid
	if err := store.Update(ctx, &second); err != nil {
		t.Fatalf("complete second: %v", err)
	}

	second.Status = StatusFailed
	if err := store.Update(ctx, &second); !errors.Is(err, ErrTransactionCompleted) {
		t.Fatalf("expected ErrTransactionCompleted, got %v", err)
	}

	list, err := store.ListByEscrow(ctx, e.ID)
	if err != nil || len(list) != 2 || list[0].ID != first.ID {
		t.Fatalf("ListByEscrow = %v, %v", list, err)
	}
	counts, err := store.CountByStatus(ctx)
	if err != nil || counts[StatusFailed] != 1 || counts[StatusCompleted] != 1 {
		t.Fatalf("CountByStatus = %v, %v", counts, err)
	}
	if _, err := store.GetByReference(ctx, "missing"); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestPostgres_InitiateAndComplete(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := db.ExecContext(ctx,
		`INSERT INTO shipments (id, owner_id, agreed_price) VALUES ('S1', 'shipper_1', 50000)`); err != nil {
		t.Fatalf("seed shipment: %v", err)
	}

	ships := shipment.NewPostgresStore(db)
	escrows := escrow.NewService(escrow.NewPostgresStore(db), nil).WithShipmentHook(shipment.NewCoupler(ships, nil))
	idem := idempotency.NewManager("initiation", idempotency.NewMemoryStore(), idempotency.InitiationTTL, nil)
	gw := &fakeGateway{result: providers.Result{Success: true, TransactionID: "T1"}}
	svc := NewService(NewPostgresStore(db), escrows, ships, gw, idem, nil)

	resp, err := svc.Initiate(ctx, s1Request(MethodProviderA))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	tx, err := svc.ApplyProviderStatus(ctx, providers.ProviderA, completedNotification(""))
	if err != nil {
		t.Fatalf("ApplyProviderStatus: %v", err)
	}
	if tx.ID != resp.TransactionID || tx.Status != StatusCompleted {
		t.Fatalf("unexpected transaction %+v", tx)
	}

	e, err := escrows.Get(ctx, resp.EscrowID)
	if err != nil || e.State != escrow.StateFunded {
		t.Fatalf("escrow = %+v, %v", e, err)
	}
	s, err := ships.Get(ctx, "S1")
	if err != nil || !s.Paid {
		t.Fatalf("shipment = %+v, %v", s, err)
	}
}
