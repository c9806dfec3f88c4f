package escrow

import (
	"math/big"
	"testing"
)

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusCompleted: true,
		StatusRefunded:  true,
		StatusCancelled: true,
	}
	for s := StatusCreated; s <= StatusCancelled; s++ {
		if got := s.Terminal(); got != terminal[s] {
			t.Fatalf("Terminal(%s) = %v, want %v", s, got, terminal[s])
		}
	}
}

func TestStatusStringRoundTrip(t *testing.T) {
	want := map[Status]string{
		StatusCreated:             "created",
		StatusAccepted:            "accepted",
		StatusProduction:          "production",
		StatusProductionCompleted: "production_completed",
		StatusShipped:             "shipped",
		StatusDelivered:           "delivered",
		StatusCompleted:           "completed",
		StatusDisputed:            "disputed",
		StatusRefunded:            "refunded",
		StatusCancelled:           "cancelled",
	}
	for s, name := range want {
		if s.String() != name {
			t.Fatalf("String(%d) = %s, want %s", uint8(s), s.String(), name)
		}
		if !s.Valid() {
			t.Fatalf("Valid(%s) = false", name)
		}
	}
	if Status(42).Valid() {
		t.Fatalf("out-of-range status reported valid")
	}
}

func TestStatusEncodingStable(t *testing.T) {
	// The numeric codes are part of the external interface.
	codes := []Status{
		StatusCreated, StatusAccepted, StatusProduction, StatusProductionCompleted,
		StatusShipped, StatusDelivered, StatusCompleted, StatusDisputed,
		StatusRefunded, StatusCancelled,
	}
	for i, s := range codes {
		if uint8(s) != uint8(i) {
			t.Fatalf("status %s encoded as %d, want %d", s, uint8(s), i)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	esc := &Escrow{
		ID:               [32]byte{1},
		TotalAmount:      big.NewInt(500),
		ReleasedToSeller: big.NewInt(100),
		RefundedToBuyer:  big.NewInt(0),
		ProductionLogs:   []string{"QmLog1"},
	}
	clone := esc.Clone()
	clone.TotalAmount.SetInt64(9)
	clone.ReleasedToSeller.SetInt64(9)
	clone.ProductionLogs[0] = "mutated"
	clone.ProductionLogs = append(clone.ProductionLogs, "QmLog2")

	if esc.TotalAmount.Int64() != 500 || esc.ReleasedToSeller.Int64() != 100 {
		t.Fatalf("clone shares amount pointers: %+v", esc)
	}
	if esc.ProductionLogs[0] != "QmLog1" || len(esc.ProductionLogs) != 1 {
		t.Fatalf("clone shares log backing array: %v", esc.ProductionLogs)
	}
}

func TestSanitizeEscrowConservation(t *testing.T) {
	base := func() *Escrow {
		return &Escrow{
			ID:               [32]byte{1},
			TotalAmount:      big.NewInt(1000),
			ReleasedToSeller: big.NewInt(300),
			RefundedToBuyer:  big.NewInt(700),
		}
	}

	if _, err := SanitizeEscrow(base()); err != nil {
		t.Fatalf("exactly settled escrow rejected: %v", err)
	}

	over := base()
	over.RefundedToBuyer = big.NewInt(701)
	if _, err := SanitizeEscrow(over); err == nil {
		t.Fatalf("over-settled escrow accepted")
	}

	negative := base()
	negative.ReleasedToSeller = big.NewInt(-1)
	if _, err := SanitizeEscrow(negative); err == nil {
		t.Fatalf("negative payout accepted")
	}

	badStatus := base()
	badStatus.RefundedToBuyer = big.NewInt(0)
	badStatus.Status = Status(99)
	if _, err := SanitizeEscrow(badStatus); err == nil {
		t.Fatalf("invalid status accepted")
	}

	if _, err := SanitizeEscrow(nil); err == nil {
		t.Fatalf("nil escrow accepted")
	}
}

func TestSanitizeEscrowNormalisesNilAmounts(t *testing.T) {
	esc := &Escrow{ID: [32]byte{1}, TotalAmount: big.NewInt(10)}
	sanitized, err := SanitizeEscrow(esc)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if sanitized.ReleasedToSeller == nil || sanitized.RefundedToBuyer == nil {
		t.Fatalf("nil payout fields survived sanitize")
	}
	if sanitized.ReleasedToSeller.Sign() != 0 || sanitized.RefundedToBuyer.Sign() != 0 {
		t.Fatalf("payout fields not zeroed: %+v", sanitized)
	}
}

func TestMilestoneAmountTruncates(t *testing.T) {
	cases := []struct {
		total int64
		bps   int64
		want  int64
	}{
		{1_000_000, DepositReleaseBps, 300_000},
		{1_000_000, DeliveryReleaseBps, 500_000},
		{1001, DepositReleaseBps, 300},
		{1001, DeliveryReleaseBps, 500},
		{1, DepositReleaseBps, 0},
	}
	for _, tc := range cases {
		got := milestoneAmount(big.NewInt(tc.total), tc.bps)
		if got.Int64() != tc.want {
			t.Fatalf("milestoneAmount(%d, %d) = %s, want %d", tc.total, tc.bps, got, tc.want)
		}
	}
}
