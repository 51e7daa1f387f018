package controller_test

import (
	"testing"

	"PerpSettle/internal/controller"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/testutil"
	"PerpSettle/internal/verifier"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var (
	f6 = testutil.F6
	u6 = testutil.U6
)

func usdc(owner common.Address) ledger.AccountKey { return ledger.WalletKey(owner, ledger.AssetUSDC) }
func dsu(owner common.Address) ledger.AccountKey  { return ledger.WalletKey(owner, ledger.AssetDSU) }

// action builds an Action for owner on the controller's domain.
func action(owner common.Address, maxFee string, nonce uint64) controller.Action {
	return controller.Action{
		MaxFee: u6(maxFee),
		Common: verifier.Common{
			Account: owner,
			Signer:  owner,
			Domain:  testutil.ControllerAddress,
			Nonce:   testutil.N(nonce),
		},
	}
}

// deployed returns a harness with owner's account deployed and holding
// amount USDC.
func deployed(t *testing.T, owner common.Address, amount string) (*testutil.ControllerHarness, common.Address) {
	h := testutil.NewControllerHarness(t, u6("0.5"))
	account, err := h.Controller.Deploy(owner)
	require.NoError(t, err)
	if amount != "0" {
		h.Fund(account, ledger.AssetUSDC, amount)
	}
	return h, account
}

// ============================================================================
// Test: accounts
// ============================================================================

func TestAccountAddress_Deterministic(t *testing.T) {
	h := testutil.NewControllerHarness(t, 0)
	a, b := testutil.Address(1), testutil.Address(2)

	require.Equal(t, h.Controller.AccountAddress(a), h.Controller.AccountAddress(a))
	require.NotEqual(t, h.Controller.AccountAddress(a), h.Controller.AccountAddress(b))
	require.NotEqual(t, a, h.Controller.AccountAddress(a))

	_, ok := h.Controller.Deployed(a)
	require.False(t, ok)

	account, err := h.Controller.Deploy(a)
	require.NoError(t, err)
	require.Equal(t, h.Controller.AccountAddress(a), account)

	got, ok := h.Controller.Deployed(a)
	require.True(t, ok)
	require.Equal(t, account, got)

	_, err = h.Controller.Deploy(a)
	require.ErrorIs(t, err, controller.ErrAccountDeployed)
}

func TestDeposit_RequiresDeployedAccount(t *testing.T) {
	h := testutil.NewControllerHarness(t, 0)
	owner := testutil.Address(1)
	h.Fund(owner, ledger.AssetUSDC, "10")

	err := h.Controller.Deposit(owner, u6("10"))
	require.ErrorIs(t, err, controller.ErrAccountNotDeployed)
	require.Equal(t, u6("10"), h.Balance(usdc(owner)))
}

func TestDepositWithdraw(t *testing.T) {
	owner := testutil.Address(1)
	h, account := deployed(t, owner, "0")
	h.Fund(owner, ledger.AssetUSDC, "100")

	require.NoError(t, h.Controller.Deposit(owner, u6("60")))
	require.Equal(t, u6("40"), h.Balance(usdc(owner)))
	require.Equal(t, u6("60"), h.Controller.Balance(owner).USDC)

	require.NoError(t, h.Controller.Withdraw(owner, u6("10"), false))
	require.Equal(t, u6("50"), h.Balance(usdc(owner)))

	require.NoError(t, h.Controller.Wrap(owner, u6("30")))
	require.Equal(t, controller.Balance{Account: account, USDC: u6("20"), DSU: u6("30")}, h.Controller.Balance(owner))

	// 20 USDC on hand, the remaining 5 is unwrapped
	require.NoError(t, h.Controller.Withdraw(owner, u6("25"), true))
	require.Equal(t, u6("75"), h.Balance(usdc(owner)))
	require.Equal(t, controller.Balance{Account: account, USDC: 0, DSU: u6("25")}, h.Controller.Balance(owner))

	err := h.Controller.Withdraw(owner, u6("1"), false)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance, "no USDC without unwrap")

	require.NoError(t, h.Controller.Withdraw(owner, fpmath.MaxUFixed6, true))
	require.Equal(t, u6("100"), h.Balance(usdc(owner)))
	require.Equal(t, controller.Balance{Account: account}, h.Controller.Balance(owner))
}

func TestWithdraw_BurnsUnwrapDust(t *testing.T) {
	owner := testutil.Address(1)
	h, account := deployed(t, owner, "0")

	// 1 DSU plus half a USDC micro-unit, backed by 1 USDC in the reserve
	raw := new(uint256.Int).Add(ledger.FromUFixed6(ledger.AssetDSU, u6("1")), uint256.NewInt(500_000))
	b := ledger.NewBatch("dust", h.Clock.Now())
	b.Mint(ledger.JournalTypeFunding, dsu(account), raw)
	b.Mint(ledger.JournalTypeFunding, ledger.ReserveDSU, ledger.FromUFixed6(ledger.AssetUSDC, u6("1")))
	require.NoError(t, h.Ledger.ApplyBatch(b))

	require.NoError(t, h.Controller.Withdraw(owner, fpmath.MaxUFixed6, true))
	require.Equal(t, u6("1"), h.Balance(usdc(owner)))
	require.True(t, h.Ledger.GetBalance(dsu(account)).IsZero())
	require.True(t, h.Ledger.GetBalance(ledger.ReserveDSU).IsZero())
}

func TestMarketTransfer(t *testing.T) {
	owner := testutil.Address(1)
	h, account := deployed(t, owner, "100")

	require.NoError(t, h.Controller.MarketTransfer(owner, testutil.MarketAddress, f6("40")))
	require.Equal(t, f6("40"), h.Market.Local(account).Collateral)
	require.Equal(t, controller.Balance{Account: account, USDC: u6("60")}, h.Controller.Balance(owner))

	require.NoError(t, h.Controller.MarketTransfer(owner, testutil.MarketAddress, f6("-15")))
	require.Equal(t, f6("25"), h.Market.Local(account).Collateral)
	require.Equal(t, u6("15"), h.Controller.Balance(owner).DSU)

	// existing DSU is used before wrapping
	require.NoError(t, h.Controller.MarketTransfer(owner, testutil.MarketAddress, f6("20")))
	require.Equal(t, controller.Balance{Account: account, USDC: u6("55"), DSU: 0}, h.Controller.Balance(owner))

	require.NoError(t, h.Controller.MarketTransfer(owner, testutil.MarketAddress, fpmath.MinFixed6))
	require.True(t, h.Market.Local(account).Collateral.IsZero())
	require.Equal(t, u6("45"), h.Controller.Balance(owner).DSU)

	err := h.Controller.MarketTransfer(owner, testutil.Address(999), f6("1"))
	require.ErrorIs(t, err, market.ErrUnknownMarket)
}

// ============================================================================
// Test: signed actions
// ============================================================================

func TestMarketTransferWithSignature(t *testing.T) {
	h := testutil.NewControllerHarness(t, u6("0.5"))
	key := testutil.Key(1)
	owner := testutil.Addr(key)
	account := h.Controller.AccountAddress(owner)
	h.Fund(account, ledger.AssetUSDC, "100")

	msg := controller.MarketTransfer{Market: testutil.MarketAddress, Amount: f6("40"), Action: action(owner, "0.3", 1)}
	sig := testutil.Sign(t, testutil.ControllerDomain, msg, key)
	require.NoError(t, h.Controller.MarketTransferWithSignature(testutil.KeeperAddress, msg, sig))

	_, ok := h.Controller.Deployed(owner)
	require.True(t, ok, "first signed action deploys the account")
	require.Equal(t, f6("40"), h.Market.Local(account).Collateral)
	require.Equal(t, u6("0.3"), h.Balance(dsu(testutil.KeeperAddress)), "fee capped at maxFee")
	require.Equal(t, u6("59.7"), h.Controller.Balance(owner).USDC)

	err := h.Controller.MarketTransferWithSignature(testutil.KeeperAddress, msg, sig)
	require.ErrorIs(t, err, verifier.ErrInvalidNonce)

	tooMuch := controller.MarketTransfer{Market: testutil.MarketAddress, Amount: f6("1000"), Action: action(owner, "1", 2)}
	err = h.Controller.MarketTransferWithSignature(testutil.KeeperAddress, tooMuch, testutil.Sign(t, testutil.ControllerDomain, tooMuch, key))
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	require.False(t, h.Controller.Verifier().NonceUsed(owner, testutil.N(2)), "failed action releases its nonce")
	require.Equal(t, f6("40"), h.Market.Local(account).Collateral)
	require.Equal(t, u6("0.3"), h.Balance(dsu(testutil.KeeperAddress)))
}

func TestSignedAction_Rejections(t *testing.T) {
	h := testutil.NewControllerHarness(t, u6("0.5"))
	key := testutil.Key(1)
	owner := testutil.Addr(key)
	h.Fund(h.Controller.AccountAddress(owner), ledger.AssetUSDC, "10")

	wrongDomain := controller.DeployAccount{Action: action(owner, "1", 1)}
	wrongDomain.Action.Common.Domain = testutil.MarketAddress
	err := h.Controller.DeployWithSignature(testutil.KeeperAddress, wrongDomain, testutil.Sign(t, testutil.ControllerDomain, wrongDomain, key))
	require.ErrorIs(t, err, verifier.ErrInvalidDomain)

	msg := controller.DeployAccount{Action: action(owner, "1", 1)}
	err = h.Controller.DeployWithSignature(testutil.KeeperAddress, msg, testutil.Sign(t, testutil.FactoryDomain, msg, key))
	require.ErrorIs(t, err, verifier.ErrInvalidSignature, "signed for another domain")

	_, ok := h.Controller.Deployed(owner)
	require.False(t, ok)
}

func TestDeployWithSignature(t *testing.T) {
	h := testutil.NewControllerHarness(t, u6("0.5"))
	key := testutil.Key(1)
	owner := testutil.Addr(key)
	h.Fund(h.Controller.AccountAddress(owner), ledger.AssetUSDC, "5")

	msg := controller.DeployAccount{Action: action(owner, "1", 1)}
	require.NoError(t, h.Controller.DeployWithSignature(testutil.KeeperAddress, msg, testutil.Sign(t, testutil.ControllerDomain, msg, key)))
	_, ok := h.Controller.Deployed(owner)
	require.True(t, ok)
	require.Equal(t, u6("4.5"), h.Controller.Balance(owner).USDC)
	require.Equal(t, u6("0.5"), h.Balance(dsu(testutil.KeeperAddress)))

	again := controller.DeployAccount{Action: action(owner, "1", 2)}
	err := h.Controller.DeployWithSignature(testutil.KeeperAddress, again, testutil.Sign(t, testutil.ControllerDomain, again, key))
	require.ErrorIs(t, err, controller.ErrAccountDeployed)
	require.Equal(t, u6("0.5"), h.Balance(dsu(testutil.KeeperAddress)))
}

func TestWithdrawWithSignature_ChargesFeeFirst(t *testing.T) {
	h := testutil.NewControllerHarness(t, u6("0.5"))
	key := testutil.Key(1)
	owner := testutil.Addr(key)
	h.Fund(h.Controller.AccountAddress(owner), ledger.AssetUSDC, "10")

	msg := controller.Withdrawal{Amount: fpmath.MaxUFixed6, Action: action(owner, "1", 1)}
	require.NoError(t, h.Controller.WithdrawWithSignature(testutil.KeeperAddress, msg, testutil.Sign(t, testutil.ControllerDomain, msg, key)))

	require.Equal(t, u6("9.5"), h.Balance(usdc(owner)))
	require.Equal(t, u6("0.5"), h.Balance(dsu(testutil.KeeperAddress)))
	require.Equal(t, controller.Balance{Account: h.Controller.AccountAddress(owner)}, h.Controller.Balance(owner))
}

// ============================================================================
// Test: relayed messages
// ============================================================================

func TestRelayTake_ConsumesBothNonces(t *testing.T) {
	h := testutil.NewControllerHarness(t, u6("0.5"))
	maker := testutil.Address(50)
	h.Fund(maker, ledger.AssetDSU, "1000")
	_, err := h.Market.Update(market.UpdateRequest{Sender: maker, Account: maker, Maker: market.Magnitude(u6("10")), Collateral: f6("1000")})
	require.NoError(t, err)
	h.Commit(1010, "100")

	key := testutil.Key(1)
	owner := testutil.Addr(key)
	h.Fund(owner, ledger.AssetDSU, "100")
	_, err = h.Market.Update(market.UpdateRequest{Sender: owner, Account: owner, Collateral: f6("100")})
	require.NoError(t, err)
	h.Fund(h.Controller.AccountAddress(owner), ledger.AssetUSDC, "10")

	take := func(amount string, nonce uint64) verifier.Take {
		return verifier.Take{Amount: f6(amount), Common: verifier.Common{
			Account: owner, Signer: owner, Domain: testutil.MarketAddress, Nonce: testutil.N(nonce),
		}}
	}
	relay := func(amount string, nonce uint64) error {
		msg := controller.RelayedTake{Take: take(amount, nonce), Action: action(owner, "1", nonce)}
		return h.Controller.RelayTake(testutil.KeeperAddress, msg,
			testutil.Sign(t, testutil.ControllerDomain, msg, key),
			testutil.Sign(t, testutil.FactoryDomain, msg.Take, key))
	}

	require.NoError(t, relay("5", 1))
	require.Equal(t, u6("5"), h.Market.CurrentPosition(owner).Long)
	require.True(t, h.Controller.Verifier().NonceUsed(owner, testutil.N(1)))
	require.True(t, h.Factory.Verifier().NonceUsed(owner, testutil.N(1)))
	require.Equal(t, u6("0.5"), h.Balance(dsu(testutil.KeeperAddress)))

	err = relay("50", 2)
	require.ErrorIs(t, err, market.ErrEfficiencyUnderLimit)
	require.False(t, h.Controller.Verifier().NonceUsed(owner, testutil.N(2)))
	require.False(t, h.Factory.Verifier().NonceUsed(owner, testutil.N(2)))
	require.Equal(t, u6("0.5"), h.Balance(dsu(testutil.KeeperAddress)))
}

func TestRelayFactoryMessages(t *testing.T) {
	h := testutil.NewControllerHarness(t, u6("0.5"))
	key := testutil.Key(1)
	owner := testutil.Addr(key)
	h.Fund(h.Controller.AccountAddress(owner), ledger.AssetUSDC, "10")
	operator, signer := testutil.Address(60), testutil.Address(61)

	inner := func(nonce uint64) verifier.Common {
		return verifier.Common{Account: owner, Signer: owner, Domain: testutil.FactoryAddress, Nonce: testutil.N(nonce)}
	}
	sign := func(msg verifier.Message, domain verifier.Domain) []byte { return testutil.Sign(t, domain, msg, key) }

	cancel := controller.RelayedNonceCancellation{NonceCancellation: inner(7), Action: action(owner, "1", 1)}
	require.NoError(t, h.Controller.RelayNonceCancellation(testutil.KeeperAddress, cancel,
		sign(cancel, testutil.ControllerDomain), sign(cancel.NonceCancellation, testutil.FactoryDomain)))
	require.True(t, h.Factory.Verifier().NonceUsed(owner, testutil.N(7)))

	group := controller.RelayedGroupCancellation{
		GroupCancellation: verifier.GroupCancellation{Group: testutil.N(3), Common: inner(8)},
		Action:            action(owner, "1", 2),
	}
	require.NoError(t, h.Controller.RelayGroupCancellation(testutil.KeeperAddress, group,
		sign(group, testutil.ControllerDomain), sign(group.GroupCancellation, testutil.FactoryDomain)))
	require.True(t, h.Factory.Verifier().GroupCancelled(owner, testutil.N(3)))

	op := controller.RelayedOperatorUpdate{
		OperatorUpdate: verifier.OperatorUpdate{Access: verifier.AccessUpdate{Accessor: operator, Approved: true}, Common: inner(9)},
		Action:         action(owner, "1", 3),
	}
	require.NoError(t, h.Controller.RelayOperatorUpdate(testutil.KeeperAddress, op,
		sign(op, testutil.ControllerDomain), sign(op.OperatorUpdate, testutil.FactoryDomain)))
	require.True(t, h.Factory.IsOperator(owner, operator))

	su := controller.RelayedSignerUpdate{
		SignerUpdate: verifier.SignerUpdate{Access: verifier.AccessUpdate{Accessor: signer, Approved: true}, Common: inner(10)},
		Action:       action(owner, "1", 4),
	}
	require.NoError(t, h.Controller.RelaySignerUpdate(testutil.KeeperAddress, su,
		sign(su, testutil.ControllerDomain), sign(su.SignerUpdate, testutil.FactoryDomain)))
	require.True(t, h.Factory.IsSigner(owner, signer))

	require.Equal(t, u6("2"), h.Balance(dsu(testutil.KeeperAddress)))

	// a bad inner signature fails the whole relay
	bad := controller.RelayedNonceCancellation{NonceCancellation: inner(11), Action: action(owner, "1", 5)}
	err := h.Controller.RelayNonceCancellation(testutil.KeeperAddress, bad,
		sign(bad, testutil.ControllerDomain), sign(bad.NonceCancellation, testutil.ControllerDomain))
	require.ErrorIs(t, err, verifier.ErrInvalidSignature)
	require.False(t, h.Controller.Verifier().NonceUsed(owner, testutil.N(5)))
	require.False(t, h.Factory.Verifier().NonceUsed(owner, testutil.N(11)))
	require.Equal(t, u6("2"), h.Balance(dsu(testutil.KeeperAddress)))
}

func TestTypeStrings(t *testing.T) {
	tests := []struct {
		msg  verifier.Message
		want string
	}{
		{
			msg:  controller.Action{},
			want: "Action(uint256 maxFee,Common common)Common(address account,address signer,address domain,uint256 nonce,uint256 group,uint256 expiry)",
		},
		{
			msg: controller.MarketTransfer{},
			want: "MarketTransfer(address market,int256 amount,Action action)" +
				"Action(uint256 maxFee,Common common)Common(address account,address signer,address domain,uint256 nonce,uint256 group,uint256 expiry)",
		},
		{
			msg: controller.RebalanceConfigChange{},
			want: "RebalanceConfigChange(uint256 group,address[] markets,RebalanceConfig[] configs,uint256 maxFee,Action action)" +
				"Action(uint256 maxFee,Common common)Common(address account,address signer,address domain,uint256 nonce,uint256 group,uint256 expiry)" +
				"RebalanceConfig(uint256 target,uint256 threshold)",
		},
		{
			msg: controller.Withdrawal{},
			want: "Withdrawal(uint256 amount,bool unwrap,Action action)" +
				"Action(uint256 maxFee,Common common)Common(address account,address signer,address domain,uint256 nonce,uint256 group,uint256 expiry)",
		},
		{
			msg: controller.RelayedTake{},
			want: "RelayedTake(Take take,Action action)" +
				"Action(uint256 maxFee,Common common)Common(address account,address signer,address domain,uint256 nonce,uint256 group,uint256 expiry)" +
				"Take(int256 amount,address referrer,Common common)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.msg.PrimaryType(), func(t *testing.T) {
			require.Equal(t, tt.want, verifier.TypeString(tt.msg))
		})
	}
}

func TestControllerState_RoundTrip(t *testing.T) {
	owner := testutil.Address(1)
	h, _ := deployed(t, owner, "0")
	require.NoError(t, h.Controller.ChangeRebalanceConfig(owner, controller.RebalanceConfigChange{
		Group:   1,
		Markets: []common.Address{testutil.MarketAddress, testutil.SecondMarketAddress},
		Configs: []controller.RebalanceConfig{{Target: u6("0.5"), Threshold: u6("0.1")}, {Target: u6("0.5"), Threshold: u6("0.1")}},
		MaxFee:  u6("1"),
	}))

	st := h.Controller.State()
	restored := testutil.NewControllerHarness(t, 0)
	restored.Controller.Restore(st)
	require.Equal(t, st, restored.Controller.State())

	g, ok := restored.Controller.Group(owner, 1)
	require.True(t, ok)
	require.Len(t, g.Markets, 2)
}
