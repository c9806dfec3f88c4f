package core

import (
	"math/big"
	"testing"

	"tradeline/native/escrow"
	"tradeline/storage"
)

var (
	nodeBuyer      = [20]byte{0x01}
	nodeSeller     = [20]byte{0x02}
	nodeArbitrator = [20]byte{0x03}
	nodeDeployer   = [20]byte{0x0D}
)

func nodeTerms(total int64) *escrow.Terms {
	return &escrow.Terms{
		Buyer:            nodeBuyer,
		Seller:           nodeSeller,
		Arbitrator:       nodeArbitrator,
		TotalAmount:      big.NewInt(total),
		ItemName:         "Mechanical Industrial Machine",
		Quantity:         1,
		DeliveryDuration: 86400,
		PORef:            "QmPO",
	}
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	node := NewNode(storage.NewMemDB())
	if err := node.SetupPassport(nodeDeployer); err != nil {
		t.Fatalf("setup passport: %v", err)
	}
	return node
}

func TestSetupPassportIdempotent(t *testing.T) {
	node := newTestNode(t)
	if err := node.SetupPassport(nodeDeployer); err != nil {
		t.Fatalf("repeat setup: %v", err)
	}
	owner, ok, err := node.PassportOwner()
	if err != nil || !ok {
		t.Fatalf("owner lookup: ok=%v err=%v", ok, err)
	}
	if owner != escrow.FactoryAddress() {
		t.Fatalf("minting authority not held by factory: %x", owner)
	}
}

func TestNodeFullLifecycle(t *testing.T) {
	const total = 1_000_000
	node := newTestNode(t)
	if err := node.MintBalance(nodeBuyer, big.NewInt(total)); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}

	esc, err := node.EscrowCreate(nodeTerms(total))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := node.EscrowAccept(esc.ID, nodeSeller); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := node.EscrowDeposit(esc.ID, nodeBuyer, big.NewInt(total)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	remaining, err := node.EscrowRemaining(esc.ID)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining.Cmp(big.NewInt(700_000)) != 0 {
		t.Fatalf("remaining after deposit = %s, want 700000", remaining)
	}
	if err := node.EscrowAddProductionLog(esc.ID, nodeSeller, "QmLog1"); err != nil {
		t.Fatalf("production log: %v", err)
	}
	if err := node.EscrowFinishProduction(esc.ID, nodeSeller); err != nil {
		t.Fatalf("finish production: %v", err)
	}
	if err := node.EscrowMarkShipped(esc.ID, nodeSeller, "FedEx", "TRK123", "QmShip", []string{"QmLog2"}); err != nil {
		t.Fatalf("mark shipped: %v", err)
	}
	if err := node.EscrowConfirmDelivery(esc.ID, nodeBuyer); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	if err := node.EscrowComplete(esc.ID, nodeBuyer); err != nil {
		t.Fatalf("complete: %v", err)
	}

	sellerBalance, err := node.Balance(nodeSeller)
	if err != nil {
		t.Fatalf("seller balance: %v", err)
	}
	if sellerBalance.Cmp(big.NewInt(total)) != 0 {
		t.Fatalf("seller balance = %s, want %d", sellerBalance, total)
	}
	remaining, err = node.EscrowRemaining(esc.ID)
	if err != nil {
		t.Fatalf("remaining after completion: %v", err)
	}
	if remaining.Sign() != 0 {
		t.Fatalf("remaining after completion = %s", remaining)
	}

	certificates, err := node.PassportBalanceOf(nodeBuyer)
	if err != nil {
		t.Fatalf("passport balance: %v", err)
	}
	if certificates != 1 {
		t.Fatalf("buyer certificates = %d, want 1", certificates)
	}
	final, err := node.EscrowGet(esc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	token, err := node.PassportToken(final.CertificateID)
	if err != nil {
		t.Fatalf("token lookup: %v", err)
	}
	if token.Owner != nodeBuyer || token.ContentRef != final.PORef {
		t.Fatalf("token = %+v", token)
	}
}

func TestNodeListDisputed(t *testing.T) {
	const total = 1_000_000
	node := newTestNode(t)
	if err := node.MintBalance(nodeBuyer, big.NewInt(2*total)); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}

	disputed, err := node.EscrowCreate(nodeTerms(total))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	calm, err := node.EscrowCreate(nodeTerms(total))
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	for _, id := range [][32]byte{disputed.ID, calm.ID} {
		if err := node.EscrowAccept(id, nodeSeller); err != nil {
			t.Fatalf("accept: %v", err)
		}
		if err := node.EscrowDeposit(id, nodeBuyer, big.NewInt(total)); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
	if err := node.EscrowRaiseDispute(disputed.ID, nodeBuyer, "QmReason"); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}

	frozen, err := node.EscrowListDisputed()
	if err != nil {
		t.Fatalf("list disputed: %v", err)
	}
	if len(frozen) != 1 || frozen[0].ID != disputed.ID {
		t.Fatalf("disputed list = %+v", frozen)
	}

	if err := node.EscrowResolveDispute(disputed.ID, nodeArbitrator, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	buyerBalance, err := node.Balance(nodeBuyer)
	if err != nil {
		t.Fatalf("buyer balance: %v", err)
	}
	if buyerBalance.Cmp(big.NewInt(700_000)) != 0 {
		t.Fatalf("buyer balance after refund = %s, want 700000", buyerBalance)
	}
	frozen, err = node.EscrowListDisputed()
	if err != nil {
		t.Fatalf("list disputed after resolve: %v", err)
	}
	if len(frozen) != 0 {
		t.Fatalf("disputed list not emptied: %+v", frozen)
	}
}

func TestNodeStatePersistsAcrossRestart(t *testing.T) {
	const total = 1_000_000
	db := storage.NewMemDB()
	node := NewNode(db)
	if err := node.SetupPassport(nodeDeployer); err != nil {
		t.Fatalf("setup passport: %v", err)
	}
	if err := node.MintBalance(nodeBuyer, big.NewInt(total)); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}
	esc, err := node.EscrowCreate(nodeTerms(total))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := node.EscrowAccept(esc.ID, nodeSeller); err != nil {
		t.Fatalf("accept: %v", err)
	}

	restarted := NewNode(db)
	if err := restarted.SetupPassport(nodeDeployer); err != nil {
		t.Fatalf("setup after restart: %v", err)
	}
	loaded, err := restarted.EscrowGet(esc.ID)
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if loaded.Status != escrow.StatusAccepted {
		t.Fatalf("status after restart = %s", loaded.Status)
	}
}
