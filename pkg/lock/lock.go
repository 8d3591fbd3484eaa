package lock

import (
	"fmt"
)

// Name identifies a cluster-wide advisory mutex
type Name string

// Well-known lock names. Each maps to a fixed advisory key so every node
// agrees on the underlying lock regardless of version skew.
const (
	NameInit              Name = "init"
	NameUnseal            Name = "unseal"
	NameMasterKeyRotation Name = "master_key_rotation"
	NameBackup            Name = "backup"
	NameAutoUnseal        Name = "auto_unseal"
	NameLeader            Name = "leader"
)

// customKeyBase starts the reserved range for custom locks; well-known keys
// stay below it.
const customKeyBase int64 = 1 << 20

var wellKnownKeys = map[Name]int64{
	NameInit:              1,
	NameUnseal:            2,
	NameMasterKeyRotation: 3,
	NameBackup:            4,
	NameAutoUnseal:        5,
	NameLeader:            6,
}

var keyNames = func() map[int64]Name {
	m := make(map[int64]Name, len(wellKnownKeys))
	for name, key := range wellKnownKeys {
		m[key] = name
	}
	return m
}()

// Custom returns the Name for a custom lock slot. Custom slots live in an
// integer range disjoint from the well-known keys.
func Custom(slot int) Name {
	return Name(fmt.Sprintf("custom:%d", slot))
}

// Key resolves a lock name to its advisory key
func Key(name Name) (int64, error) {
	if key, ok := wellKnownKeys[name]; ok {
		return key, nil
	}
	var slot int
	if _, err := fmt.Sscanf(string(name), "custom:%d", &slot); err == nil && slot >= 0 {
		return customKeyBase + int64(slot), nil
	}
	return 0, fmt.Errorf("unknown lock name %q", name)
}

// nameForKey maps an advisory key back to its Name for List output
func nameForKey(key int64) Name {
	if name, ok := keyNames[key]; ok {
		return name
	}
	if key >= customKeyBase {
		return Custom(int(key - customKeyBase))
	}
	return Name(fmt.Sprintf("unknown:%d", key))
}

// splitKey maps a 64-bit advisory key onto the (classid, objid) pair
// Postgres reports in pg_locks.
func splitKey(key int64) (int32, int32) {
	return int32(uint64(key) >> 32), int32(uint64(key) & 0xffffffff)
}
