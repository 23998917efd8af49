package service

import (
	"bytes"
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/certen/btc-anchoring/pkg/bitcoin"
	"github.com/certen/btc-anchoring/pkg/config"
	"github.com/certen/btc-anchoring/pkg/kvdb"
	"github.com/certen/btc-anchoring/pkg/metrics"
	"github.com/certen/btc-anchoring/pkg/rpc"
	"github.com/certen/btc-anchoring/pkg/schema"
	"github.com/certen/btc-anchoring/pkg/txtypes"
)

// alwaysOKVerifier stands in for the host's consensus-layer author
// check, out of scope for this core (spec §1).
type alwaysOKVerifier struct{}

func (alwaysOKVerifier) VerifyAuthor(_ [32]byte, _ uint32) error { return nil }

// loopbackBroadcaster simulates the host carrying a message through
// consensus and delivering it back for execution against the same
// shared view every node in these tests reads, matching spec §5's
// "message application to the schema is strictly in commit order"
// guarantee collapsed onto a single in-memory store.
type loopbackBroadcaster struct {
	cfg         *config.AnchoringConfig
	view        *schema.Schema
	blockHashes txtypes.BlockHashSource
}

func (b *loopbackBroadcaster) BroadcastSignature(msg *txtypes.SignatureMsg) error {
	if err := msg.Verify(b.cfg, b.view, alwaysOKVerifier{}); err != nil {
		return nil // dropped at verify, per spec §7
	}
	return msg.Execute(b.cfg, b.view, b.blockHashes)
}

func (b *loopbackBroadcaster) BroadcastUpdateLatest(msg *txtypes.UpdateLatestMsg) error {
	if err := msg.Verify(b.cfg, b.view, alwaysOKVerifier{}); err != nil {
		return nil
	}
	return msg.Execute(b.cfg, b.view, b.blockHashes)
}

type fixedBlockHashSource map[uint64][32]byte

func (f fixedBlockHashSource) BlockHashAt(h uint64) ([32]byte, error) {
	return f[h], nil
}

// sandbox bundles a 4-validator, threshold-3 test network: one shared
// replicated schema, one shared scripted Bitcoin RPC client, and one
// AnchoringService per validator, matching spec §8's "4-validator
// sandbox, threshold = 3" end-to-end scenario setup.
type sandbox struct {
	cfg        *config.AnchoringConfig
	privs      []*btcec.PrivateKey
	view       *schema.Schema
	client     *rpc.ScriptedClient
	services   []*AnchoringService
	fundingTx  *wire.MsgTx
	fundingRaw []byte
}

func newSandbox(t *testing.T) *sandbox {
	t.Helper()
	const n = 4
	privs := make([]*btcec.PrivateKey, n)
	keysHex := make([]string, n)
	for i := 0; i < n; i++ {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			t.Fatalf("failed to generate validator key %d: %v", i, err)
		}
		privs[i] = priv
		keysHex[i] = hexEncode(priv.PubKey().SerializeCompressed())
	}

	cfg := &config.AnchoringConfig{
		Network:            "regtest",
		ValidatorKeys:      keysHex,
		FeeSatoshis:        1000,
		UTXOConfirmations:  1,
		AnchoringFrequency: 10,
	}
	if err := cfg.DeriveForTesting(); err != nil {
		t.Fatalf("derive failed: %v", err)
	}

	fundingTx := buildFundingTx(t, cfg.MultisigAddress(), 500000)
	var buf bytes.Buffer
	if err := fundingTx.Serialize(&buf); err != nil {
		t.Fatalf("failed to serialize funding tx: %v", err)
	}
	cfg.FundingTxHex = hexEncode(buf.Bytes())
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	view := schema.New(kvdb.NewMemKV())
	if err := schema.Genesis(view, n, []string{cfg.MultisigAddress().EncodeAddress()}, buf.Bytes()); err != nil {
		t.Fatalf("Genesis failed: %v", err)
	}

	client := rpc.NewScriptedClient()
	client.RawTxs[fundingTx.TxHash()] = buf.Bytes()
	blockHashes := fixedBlockHashSource{0: {0xaa}}
	broadcaster := &loopbackBroadcaster{cfg: cfg, view: view, blockHashes: blockHashes}

	services := make([]*AnchoringService, n)
	for i := 0; i < n; i++ {
		node := &config.AnchoringNodeConfig{
			CheckLectFrequency: 1000, // refresh runs only at height 0 in these tests; exercised separately
			ValidatorID:        uint32(i),
			PrivateKeys: map[string]string{
				cfg.MultisigAddress().EncodeAddress(): encodeWIF(t, privs[i], cfg.NetParams()),
			},
			AuthorPubkeyHex: hexEncode(bytes.Repeat([]byte{byte(i + 1)}, 32)),
		}
		services[i] = New(node, client, broadcaster, blockHashes, metrics.NewForTesting())
	}

	return &sandbox{
		cfg:        cfg,
		privs:      privs,
		view:       view,
		client:     client,
		services:   services,
		fundingTx:  fundingTx,
		fundingRaw: buf.Bytes(),
	}
}

func buildFundingTx(t *testing.T, addr btcutil.Address, amount int64) *wire.MsgTx {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	prevHash, err := chainhash.NewHashFromStr("00" + hexRepeatSvc("77", 31))
	if err != nil {
		t.Fatalf("failed to build dummy prev hash: %v", err)
	}
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: *prevHash, Index: 0}, nil, nil))
	script, err := payToAddrScript(addr)
	if err != nil {
		t.Fatalf("failed to build funding output script: %v", err)
	}
	tx.AddTxOut(wire.NewTxOut(amount, script))
	return tx
}

// TestScenarioA_FirstBlockAnchorHappyPath covers spec §8 scenario A and
// property 2 (monotone agreement): all 4 validators converge on the
// same finalized anchor and every lect list grows to length 2.
func TestScenarioA_FirstBlockAnchorHappyPath(t *testing.T) {
	sb := newSandbox(t)
	fundingTxID := sb.fundingTx.TxHash()
	sb.client.Unspent[sb.cfg.MultisigAddress().EncodeAddress()] = []rpc.UnspentOutput{
		{TxID: fundingTxID.String(), Vout: 0, Confirmations: 1},
	}

	ctx := context.Background()
	for height := uint64(0); height < 2; height++ {
		for _, svc := range sb.services {
			if err := svc.HandleCommit(ctx, sb.cfg, height, [32]byte{0xaa}, sb.view); err != nil {
				t.Fatalf("HandleCommit failed at height %d: %v", height, err)
			}
		}
	}

	var want []byte
	for v := uint32(0); v < 4; v++ {
		count, err := sb.view.LectCount(v)
		if err != nil {
			t.Fatalf("LectCount(%d) failed: %v", v, err)
		}
		if count != 2 {
			t.Fatalf("validator %d: expected lect count 2, got %d", v, count)
		}
		lect, err := sb.view.Lect(v)
		if err != nil {
			t.Fatalf("Lect(%d) failed: %v", v, err)
		}
		if want == nil {
			want = lect
		} else if !bytes.Equal(lect, want) {
			t.Fatalf("validator %d's lect diverges from validator 0's", v)
		}
	}

	anchor, err := bitcoin.ParseAnchoringTx(want)
	if err != nil {
		t.Fatalf("finalized lect is not a well-formed anchoring tx: %v", err)
	}
	payload, err := anchor.Payload()
	if err != nil {
		t.Fatalf("Payload failed: %v", err)
	}
	if payload.Height != 0 {
		t.Fatalf("expected anchor payload height 0, got %d", payload.Height)
	}
}

// TestScenarioB_FundingTxWait covers spec §8 scenario B: insufficient
// confirmations on the funding tx blocks proposal creation and drives
// a get_raw_transaction/send_raw_transaction reacquisition sequence.
func TestScenarioB_FundingTxWait(t *testing.T) {
	sb := newSandbox(t)
	fundingTxID := sb.fundingTx.TxHash()
	sb.client.Unspent[sb.cfg.MultisigAddress().EncodeAddress()] = []rpc.UnspentOutput{
		{TxID: fundingTxID.String(), Vout: 0, Confirmations: 0},
	}
	// The Bitcoin node has no record of the funding tx, so
	// get_raw_transaction returns NotFound and the tx is resubmitted.
	delete(sb.client.RawTxs, fundingTxID)

	ctx := context.Background()
	if err := sb.services[0].HandleCommit(ctx, sb.cfg, 0, [32]byte{0xaa}, sb.view); err != nil {
		t.Fatalf("HandleCommit failed: %v", err)
	}

	if _, ok := sb.services[0].Proposal(); ok {
		t.Fatal("expected no local proposal while the funding tx lacks confirmations")
	}

	var methods []string
	for _, call := range sb.client.Trace {
		methods = append(methods, call.Method)
	}
	foundGetThenSend := false
	for i := 0; i+1 < len(methods); i++ {
		if methods[i] == "get_raw_transaction" && methods[i+1] == "send_raw_transaction" {
			foundGetThenSend = true
			break
		}
	}
	if !foundGetThenSend {
		t.Fatalf("expected a get_raw_transaction(NotFound) followed by send_raw_transaction, got trace %v", methods)
	}
}

// TestScenarioC_LectLoss covers spec §8 scenario C: once list_unspent
// stops reporting any candidate at the multisig address, the node
// cannot discover a replacement tip and its own recorded LECT is left
// unchanged.
func TestScenarioC_LectLoss(t *testing.T) {
	sb := newSandbox(t)
	fundingTxID := sb.fundingTx.TxHash()
	sb.client.Unspent[sb.cfg.MultisigAddress().EncodeAddress()] = []rpc.UnspentOutput{
		{TxID: fundingTxID.String(), Vout: 0, Confirmations: 1},
	}

	ctx := context.Background()
	for height := uint64(0); height < 2; height++ {
		for _, svc := range sb.services {
			if err := svc.HandleCommit(ctx, sb.cfg, height, [32]byte{0xaa}, sb.view); err != nil {
				t.Fatalf("HandleCommit failed at height %d: %v", height, err)
			}
		}
	}

	anchor1, err := sb.view.Lect(0)
	if err != nil {
		t.Fatalf("Lect(0) failed: %v", err)
	}

	// Simulate LECT loss: the Bitcoin node no longer reports any
	// unspent output at the multisig address.
	sb.client.Unspent[sb.cfg.MultisigAddress().EncodeAddress()] = nil
	for i := range sb.services {
		sb.services[i].node.CheckLectFrequency = 1 // force the refresh path to run
	}

	if err := sb.services[0].HandleCommit(ctx, sb.cfg, 2, [32]byte{0xaa}, sb.view); err != nil {
		t.Fatalf("HandleCommit failed: %v", err)
	}

	latest, err := sb.view.Lect(0)
	if err != nil {
		t.Fatalf("Lect(0) failed: %v", err)
	}
	if !bytes.Equal(latest, anchor1) {
		t.Fatal("expected lect to remain anchor1 when list_unspent reports nothing new")
	}
}

// TestScenarioD_WrongValidatorSignatureDropped covers spec §8 scenario
// D: a Signature claiming a validator_id that does not match the
// Bitcoin key that actually produced the signature fails Bitcoin-level
// verification and is dropped, leaving signatures(txid) unchanged.
func TestScenarioD_WrongValidatorSignatureDropped(t *testing.T) {
	sb := newSandbox(t)
	fundingTxID := sb.fundingTx.TxHash()
	sb.client.Unspent[sb.cfg.MultisigAddress().EncodeAddress()] = []rpc.UnspentOutput{
		{TxID: fundingTxID.String(), Vout: 0, Confirmations: 1},
	}

	ctx := context.Background()
	if err := sb.services[0].HandleCommit(ctx, sb.cfg, 0, [32]byte{0xaa}, sb.view); err != nil {
		t.Fatalf("HandleCommit failed: %v", err)
	}
	proposal, ok := sb.services[0].Proposal()
	if !ok {
		t.Fatal("expected validator 0 to have a local proposal")
	}

	var txidArr [32]byte
	copy(txidArr[:], proposal.TxID[:])
	before, err := sb.view.Signatures(txidArr)
	if err != nil {
		t.Fatalf("Signatures failed: %v", err)
	}
	if len(before) != 1 {
		t.Fatalf("expected validator 0's own signature already recorded, got %d", len(before))
	}

	// Sign with validator 0's key but claim to be validator 1: the
	// Bitcoin-level check verifies against pubkeys[1], which this
	// signature was never produced with.
	sig, err := bitcoin.SignInput(proposal.Tx, 0, proposal.RedeemScript, sb.privs[0])
	if err != nil {
		t.Fatalf("SignInput failed: %v", err)
	}
	raw, err := serializeTx(proposal.Tx)
	if err != nil {
		t.Fatalf("serializeTx failed: %v", err)
	}
	forged := &txtypes.SignatureMsg{ValidatorID: 1, Tx: raw, Input: 0, Signature: sig}
	if err := sb.services[0].broadcaster.BroadcastSignature(forged); err != nil {
		t.Fatalf("BroadcastSignature failed: %v", err)
	}

	after, err := sb.view.Signatures(txidArr)
	if err != nil {
		t.Fatalf("Signatures failed: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("expected signatures(txid) unchanged after wrong-validator signature, got %d (was %d)", len(after), len(before))
	}
}

// TestScenarioE_UnknownOutputAddressDropped covers spec §8 scenario E:
// a Signature over a transaction whose output 0 pays an address absent
// from known_addresses is dropped regardless of signature validity.
func TestScenarioE_UnknownOutputAddressDropped(t *testing.T) {
	sb := newSandbox(t)
	fundingTxID := sb.fundingTx.TxHash()
	sb.client.Unspent[sb.cfg.MultisigAddress().EncodeAddress()] = []rpc.UnspentOutput{
		{TxID: fundingTxID.String(), Vout: 0, Confirmations: 1},
	}

	ctx := context.Background()
	if err := sb.services[0].HandleCommit(ctx, sb.cfg, 0, [32]byte{0xaa}, sb.view); err != nil {
		t.Fatalf("HandleCommit failed: %v", err)
	}
	proposal, ok := sb.services[0].Proposal()
	if !ok {
		t.Fatal("expected validator 0 to have a local proposal")
	}

	var txidArr [32]byte
	copy(txidArr[:], proposal.TxID[:])
	before, err := sb.view.Signatures(txidArr)
	if err != nil {
		t.Fatalf("Signatures failed: %v", err)
	}

	stranger, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("failed to generate stranger key: %v", err)
	}
	strangerAddr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(stranger.PubKey().SerializeCompressed()), sb.cfg.NetParams())
	if err != nil {
		t.Fatalf("failed to derive stranger address: %v", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: fundingTxID, Index: 0}, nil, nil))
	outScript, err := payToAddrScript(strangerAddr)
	if err != nil {
		t.Fatalf("failed to build stranger output script: %v", err)
	}
	tx.AddTxOut(wire.NewTxOut(499000, outScript))
	payloadScript, err := bitcoin.PayloadScript(bitcoin.Payload{Height: 0, BlockHash: [32]byte{0xaa}})
	if err != nil {
		t.Fatalf("failed to build payload script: %v", err)
	}
	tx.AddTxOut(wire.NewTxOut(0, payloadScript))

	sig, err := bitcoin.SignInput(tx, 0, sb.cfg.RedeemScript(), sb.privs[0])
	if err != nil {
		t.Fatalf("SignInput failed: %v", err)
	}
	raw, err := serializeTx(tx)
	if err != nil {
		t.Fatalf("serializeTx failed: %v", err)
	}

	msg := &txtypes.SignatureMsg{ValidatorID: 0, Tx: raw, Input: 0, Signature: sig}
	if err := sb.services[0].broadcaster.BroadcastSignature(msg); err != nil {
		t.Fatalf("BroadcastSignature failed: %v", err)
	}

	after, err := sb.view.Signatures(txidArr)
	if err != nil {
		t.Fatalf("Signatures failed: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("expected signatures(txid) unchanged for unknown-output-address tx, got %d (was %d)", len(after), len(before))
	}
}

// TestScenarioF_IncorrectPayloadLectDropped covers spec §8 scenario F:
// an UpdateLatest carrying an anchoring payload whose block hash
// disagrees with the chain's own history at that height is dropped,
// leaving the validator's lect list unchanged.
func TestScenarioF_IncorrectPayloadLectDropped(t *testing.T) {
	sb := newSandbox(t)
	fundingTxID := sb.fundingTx.TxHash()
	sb.client.Unspent[sb.cfg.MultisigAddress().EncodeAddress()] = []rpc.UnspentOutput{
		{TxID: fundingTxID.String(), Vout: 0, Confirmations: 1},
	}

	ctx := context.Background()
	if err := sb.services[0].HandleCommit(ctx, sb.cfg, 0, [32]byte{0xaa}, sb.view); err != nil {
		t.Fatalf("HandleCommit failed: %v", err)
	}

	countBefore, err := sb.view.LectCount(0)
	if err != nil {
		t.Fatalf("LectCount failed: %v", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: fundingTxID, Index: 0}, nil, nil))
	outScript, err := payToAddrScript(sb.cfg.MultisigAddress())
	if err != nil {
		t.Fatalf("failed to build output script: %v", err)
	}
	tx.AddTxOut(wire.NewTxOut(499000, outScript))
	// The sandbox's only observed block hash at height 0 is {0xaa, ...};
	// claim a different one.
	payloadScript, err := bitcoin.PayloadScript(bitcoin.Payload{Height: 0, BlockHash: [32]byte{0xff}})
	if err != nil {
		t.Fatalf("failed to build payload script: %v", err)
	}
	tx.AddTxOut(wire.NewTxOut(0, payloadScript))
	raw, err := serializeTx(tx)
	if err != nil {
		t.Fatalf("serializeTx failed: %v", err)
	}

	update := &txtypes.UpdateLatestMsg{ValidatorID: 0, Tx: raw, LectCount: countBefore}
	if err := sb.services[0].broadcaster.BroadcastUpdateLatest(update); err != nil {
		t.Fatalf("BroadcastUpdateLatest failed: %v", err)
	}

	countAfter, err := sb.view.LectCount(0)
	if err != nil {
		t.Fatalf("LectCount failed: %v", err)
	}
	if countAfter != countBefore {
		t.Fatalf("expected lect count unchanged after incorrect-payload update, got %d (was %d)", countAfter, countBefore)
	}
}

func payToAddrScript(addr btcutil.Address) ([]byte, error) {
	return txscript.PayToAddrScript(addr)
}

func encodeWIF(t *testing.T, priv *btcec.PrivateKey, params *chaincfg.Params) string {
	t.Helper()
	wif, err := btcutil.NewWIF(priv, params, true)
	if err != nil {
		t.Fatalf("failed to encode WIF: %v", err)
	}
	return wif.String()
}

func hexRepeatSvc(pair string, times int) string {
	out := make([]byte, 0, len(pair)*times)
	for i := 0; i < times; i++ {
		out = append(out, pair...)
	}
	return string(out)
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0x0f]
	}
	return string(out)
}
