package bitcoin

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

func TestPayloadRoundTrip(t *testing.T) {
	var hash [32]byte
	copy(hash[:], bytes.Repeat([]byte{0xab}, 32))
	p := Payload{Height: 123456, BlockHash: hash}

	encoded := p.Encode()
	if len(encoded) != PayloadLen {
		t.Fatalf("expected %d bytes, got %d", PayloadLen, len(encoded))
	}

	decoded, err := DecodePayload(encoded)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if decoded != p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, p)
	}
}

func TestDecodePayloadWrongLength(t *testing.T) {
	_, err := DecodePayload([]byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected error for undersized payload")
	}
}

func buildMultisig(t *testing.T, n, m int) ([]*btcec.PrivateKey, []byte, btcutil.Address) {
	t.Helper()
	params := &chaincfg.RegressionNetParams
	privs := make([]*btcec.PrivateKey, n)
	addrPubKeys := make([]*btcutil.AddressPubKey, n)
	for i := 0; i < n; i++ {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			t.Fatalf("failed to generate key %d: %v", i, err)
		}
		privs[i] = priv
		addrPub, err := btcutil.NewAddressPubKey(priv.PubKey().SerializeCompressed(), params)
		if err != nil {
			t.Fatalf("failed to build address pubkey %d: %v", i, err)
		}
		addrPubKeys[i] = addrPub
	}
	redeem, err := txscript.MultiSigScript(addrPubKeys, m)
	if err != nil {
		t.Fatalf("failed to build redeem script: %v", err)
	}
	addr, err := btcutil.NewAddressScriptHash(redeem, params)
	if err != nil {
		t.Fatalf("failed to derive multisig address: %v", err)
	}
	return privs, redeem, addr
}

func TestBuildSignAndVerifyAnchoringTx(t *testing.T) {
	privs, redeem, addr := buildMultisig(t, 4, 3)

	prevHash, err := chainhash.NewHashFromStr("00" + hexRepeat("11", 31))
	if err != nil {
		t.Fatalf("failed to build prev hash: %v", err)
	}
	prevOut := wire.OutPoint{Hash: *prevHash, Index: 0}

	var blockHash [32]byte
	copy(blockHash[:], bytes.Repeat([]byte{0xcd}, 32))
	payload := Payload{Height: 42, BlockHash: blockHash}

	tx, err := BuildAnchoringTx([]wire.OutPoint{prevOut}, []int64{100000}, addr, 1000, payload)
	if err != nil {
		t.Fatalf("BuildAnchoringTx failed: %v", err)
	}
	if tx.TxOut[0].Value != 99000 {
		t.Fatalf("expected output 0 value 99000, got %d", tx.TxOut[0].Value)
	}

	var sigs [][]byte
	for i := 0; i < 3; i++ {
		sig, err := SignInput(tx, 0, redeem, privs[i])
		if err != nil {
			t.Fatalf("SignInput failed for key %d: %v", i, err)
		}
		ok, err := VerifyInputSignature(tx, 0, redeem, sig, privs[i].PubKey())
		if err != nil {
			t.Fatalf("VerifyInputSignature failed for key %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("signature from key %d did not verify", i)
		}
		sigs = append(sigs, sig)
	}

	scriptSig, err := AssembleMultisigScriptSig(redeem, sigs)
	if err != nil {
		t.Fatalf("AssembleMultisigScriptSig failed: %v", err)
	}
	tx.TxIn[0].SignatureScript = scriptSig

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("failed to serialize signed tx: %v", err)
	}

	parsed, err := ParseAnchoringTx(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseAnchoringTx failed: %v", err)
	}
	gotPayload, err := parsed.Payload()
	if err != nil {
		t.Fatalf("Payload failed: %v", err)
	}
	if gotPayload != payload {
		t.Fatalf("payload mismatch after parse: got %+v, want %+v", gotPayload, payload)
	}

	gotAddr, err := parsed.Output0Address(&chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("Output0Address failed: %v", err)
	}
	if gotAddr.EncodeAddress() != addr.EncodeAddress() {
		t.Fatalf("output 0 address mismatch: got %s, want %s", gotAddr.EncodeAddress(), addr.EncodeAddress())
	}
}

func TestVerifyInputSignatureRejectsWrongKey(t *testing.T) {
	privs, redeem, addr := buildMultisig(t, 2, 2)
	prevHash, _ := chainhash.NewHashFromStr("00" + hexRepeat("22", 31))
	prevOut := wire.OutPoint{Hash: *prevHash, Index: 0}

	var blockHash [32]byte
	tx, err := BuildAnchoringTx([]wire.OutPoint{prevOut}, []int64{50000}, addr, 500, Payload{Height: 1, BlockHash: blockHash})
	if err != nil {
		t.Fatalf("BuildAnchoringTx failed: %v", err)
	}

	sig, err := SignInput(tx, 0, redeem, privs[0])
	if err != nil {
		t.Fatalf("SignInput failed: %v", err)
	}

	wrongPriv, _ := btcec.NewPrivateKey()
	ok, err := VerifyInputSignature(tx, 0, redeem, sig, wrongPriv.PubKey())
	if err != nil {
		t.Fatalf("VerifyInputSignature returned error: %v", err)
	}
	if ok {
		t.Fatal("signature unexpectedly verified against the wrong public key")
	}
}

func hexRepeat(pair string, times int) string {
	out := make([]byte, 0, len(pair)*times)
	for i := 0; i < times; i++ {
		out = append(out, pair...)
	}
	return string(out)
}
