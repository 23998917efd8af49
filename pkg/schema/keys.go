package schema

import "encoding/binary"

// ServiceID is this service's fixed key-space prefix byte, per spec §6.
const ServiceID = 3

const (
	tableSignatures  = 2
	tableLects       = 3
	tableLectIndexes = 4
	tableKnownAddrs  = 5
)

// sigKey builds the [3, 2, txid(32)] key for signatures(txid).
func sigKey(txid [32]byte) []byte {
	key := make([]byte, 0, 2+32)
	key = append(key, ServiceID, tableSignatures)
	key = append(key, txid[:]...)
	return key
}

// lectsKey builds the [3, 3, validator_be, 0,0,0,0] key for lects(v).
func lectsKey(validator uint32) []byte {
	return validatorKey(tableLects, validator)
}

// lectIndexKey builds the [3, 4, validator_be, 0,0,0,0] key for lect_indexes(v).
func lectIndexKey(validator uint32) []byte {
	return validatorKey(tableLectIndexes, validator)
}

func validatorKey(table byte, validator uint32) []byte {
	key := make([]byte, 2+4+4)
	key[0] = ServiceID
	key[1] = table
	binary.BigEndian.PutUint32(key[2:6], validator)
	// trailing [0,0,0,0] reserved per spec §6's wire layout; left zeroed.
	return key
}

// knownAddressesKey builds the fixed [3, 5] key for the known_addresses set.
func knownAddressesKey() []byte {
	return []byte{ServiceID, tableKnownAddrs}
}
