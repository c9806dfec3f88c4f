package escrow

import (
	"errors"
	"math/big"
	"testing"
)

func newTestFactory(now int64) (*Factory, *mockState) {
	state := newMockState()
	factory := NewFactory()
	factory.SetState(state)
	factory.SetNowFunc(func() int64 { return now })
	return factory, state
}

func TestCreateEscrowValidatesTerms(t *testing.T) {
	factory, _ := newTestFactory(1_700_000_000)

	cases := []struct {
		name   string
		mutate func(*Terms)
	}{
		{"zero buyer", func(tm *Terms) { tm.Buyer = [20]byte{} }},
		{"zero seller", func(tm *Terms) { tm.Seller = [20]byte{} }},
		{"zero arbitrator", func(tm *Terms) { tm.Arbitrator = [20]byte{} }},
		{"buyer equals seller", func(tm *Terms) { tm.Seller = tm.Buyer }},
		{"buyer equals arbitrator", func(tm *Terms) { tm.Arbitrator = tm.Buyer }},
		{"seller equals arbitrator", func(tm *Terms) { tm.Arbitrator = tm.Seller }},
		{"nil amount", func(tm *Terms) { tm.TotalAmount = nil }},
		{"zero amount", func(tm *Terms) { tm.TotalAmount = big.NewInt(0) }},
		{"negative amount", func(tm *Terms) { tm.TotalAmount = big.NewInt(-1) }},
		{"blank item name", func(tm *Terms) { tm.ItemName = "   " }},
		{"zero quantity", func(tm *Terms) { tm.Quantity = 0 }},
		{"zero delivery duration", func(tm *Terms) { tm.DeliveryDuration = 0 }},
		{"blank po ref", func(tm *Terms) { tm.PORef = "" }},
	}
	for _, tc := range cases {
		terms := testTerms(1_000_000)
		tc.mutate(terms)
		if _, err := factory.CreateEscrow(terms); !errors.Is(err, ErrInvalidTerms) {
			t.Fatalf("%s: err = %v, want ErrInvalidTerms", tc.name, err)
		}
	}
	if ids, err := factory.GetAllEscrows(); err != nil || len(ids) != 0 {
		t.Fatalf("registry after rejected terms = %v (%v), want empty", ids, err)
	}
}

func TestCreateEscrowInitialState(t *testing.T) {
	const now = 1_700_000_000
	factory, state := newTestFactory(now)

	esc, err := factory.CreateEscrow(testTerms(1_000_000))
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	if esc.Status != StatusCreated {
		t.Fatalf("initial status = %s", esc.Status)
	}
	if esc.CreatedAt != now {
		t.Fatalf("created at = %d, want %d", esc.CreatedAt, now)
	}
	if esc.SellerAccepted || esc.Shipped || esc.Delivered || esc.Disputed || esc.Completed {
		t.Fatalf("fresh escrow carries progress flags: %+v", esc)
	}
	if esc.ReleasedToSeller.Sign() != 0 || esc.RefundedToBuyer.Sign() != 0 {
		t.Fatalf("fresh escrow carries payouts: %+v", esc)
	}
	held, err := state.EscrowBalance(esc.ID)
	if err != nil {
		t.Fatalf("escrow balance: %v", err)
	}
	if held.Sign() != 0 {
		t.Fatalf("fresh escrow holds funds: %s", held)
	}

	stored, err := factory.Get(esc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.ID != esc.ID || stored.PORef != esc.PORef {
		t.Fatalf("stored escrow mismatch: %+v", stored)
	}
}

func TestCreateEscrowReturnsDetachedCopy(t *testing.T) {
	factory, state := newTestFactory(1_700_000_000)
	esc, err := factory.CreateEscrow(testTerms(1_000_000))
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	esc.Status = StatusCompleted
	esc.TotalAmount.SetInt64(1)

	stored, ok := state.EscrowGet(esc.ID)
	if !ok {
		t.Fatalf("escrow missing from state")
	}
	if stored.Status != StatusCreated {
		t.Fatalf("caller mutation leaked into state: %s", stored.Status)
	}
	if stored.TotalAmount.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("caller mutation leaked into amount: %s", stored.TotalAmount)
	}
}

func TestRegistryOrdersBySequence(t *testing.T) {
	factory, _ := newTestFactory(1_700_000_000)

	var created [][32]byte
	for i := 0; i < 3; i++ {
		terms := testTerms(1_000_000)
		terms.PORef = string(rune('A' + i))
		esc, err := factory.CreateEscrow(terms)
		if err != nil {
			t.Fatalf("create escrow %d: %v", i, err)
		}
		created = append(created, esc.ID)
	}

	ids, err := factory.GetAllEscrows()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != len(created) {
		t.Fatalf("registry length = %d, want %d", len(ids), len(created))
	}
	for i := range created {
		if ids[i] != created[i] {
			t.Fatalf("registry order mismatch at %d", i)
		}
	}
}

func TestInstanceIDsDifferBySequence(t *testing.T) {
	// Identical terms must still yield distinct identifiers on repeat orders.
	factory, _ := newTestFactory(1_700_000_000)
	first, err := factory.CreateEscrow(testTerms(1_000_000))
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := factory.CreateEscrow(testTerms(1_000_000))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("repeat order produced duplicate identifier")
	}
}

func TestGetUnknownEscrow(t *testing.T) {
	factory, _ := newTestFactory(1_700_000_000)
	var missing [32]byte
	missing[0] = 0xAB
	if _, err := factory.Get(missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get unknown: err = %v, want ErrNotFound", err)
	}
}
