package rpc

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Call records one invocation against a ScriptedClient, for tests that
// assert an exact RPC trace (spec §8 scenario B: "Expected RPC trace").
type Call struct {
	Method string
	Arg    string
}

// ScriptedClient is a Client test double whose responses are
// pre-programmed and whose call trace can be asserted afterward.
type ScriptedClient struct {
	Unspent map[string][]UnspentOutput
	RawTxs  map[chainhash.Hash][]byte

	Trace []Call

	SendErr   error
	ImportErr error
}

// NewScriptedClient creates an empty scripted client.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{
		Unspent: make(map[string][]UnspentOutput),
		RawTxs:  make(map[chainhash.Hash][]byte),
	}
}

func (s *ScriptedClient) ListUnspent(_ context.Context, address string) ([]UnspentOutput, error) {
	s.Trace = append(s.Trace, Call{Method: "list_unspent", Arg: address})
	return s.Unspent[address], nil
}

func (s *ScriptedClient) GetRawTransaction(_ context.Context, txid chainhash.Hash) ([]byte, error) {
	s.Trace = append(s.Trace, Call{Method: "get_raw_transaction", Arg: txid.String()})
	raw, ok := s.RawTxs[txid]
	if !ok {
		return nil, ErrNotFound
	}
	return raw, nil
}

func (s *ScriptedClient) SendRawTransaction(_ context.Context, raw []byte) error {
	s.Trace = append(s.Trace, Call{Method: "send_raw_transaction"})
	return s.SendErr
}

func (s *ScriptedClient) ImportAddress(_ context.Context, address string, _ string, _ bool) error {
	s.Trace = append(s.Trace, Call{Method: "import_address", Arg: address})
	return s.ImportErr
}

var _ Client = (*ScriptedClient)(nil)
