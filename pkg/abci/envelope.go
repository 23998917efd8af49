// Package abci wires the anchoring core into a CometBFT ABCI
// application: transaction envelope framing, a consensus-key registry
// standing in for the host's signature verification, and the
// Application itself, which dispatches FinalizeBlock/Commit into
// pkg/service.AnchoringService per spec §4.4.
package abci

import (
	"fmt"

	"github.com/certen/btc-anchoring/pkg/txtypes"
)

// EncodeTx frames a txtypes.Message for submission to CometBFT:
// service id, message type id, then the message's own encoding.
func EncodeTx(msg txtypes.Message) []byte {
	body := msg.Encode()
	out := make([]byte, 0, 2+len(body))
	out = append(out, txtypes.ServiceID, msg.TypeID())
	out = append(out, body...)
	return out
}

// DecodeTx reverses EncodeTx, rejecting anything not addressed to the
// anchoring service.
func DecodeTx(tx []byte) (txtypes.Message, error) {
	if len(tx) < 2 {
		return nil, fmt.Errorf("abci: tx too short, got %d bytes", len(tx))
	}
	if tx[0] != txtypes.ServiceID {
		return nil, fmt.Errorf("abci: tx addressed to service %d, not %d", tx[0], txtypes.ServiceID)
	}
	switch tx[1] {
	case txtypes.TypeSignature:
		return txtypes.DecodeSignatureMsg(tx[2:])
	case txtypes.TypeUpdateLatest:
		return txtypes.DecodeUpdateLatestMsg(tx[2:])
	default:
		return nil, fmt.Errorf("abci: unknown message type %d", tx[1])
	}
}
