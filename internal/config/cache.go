package config

// Compiled-IR Cache (C5) and Validation Rule Graph Cache config keys.
const (
	KeyCacheL1Size  = "cache.l1-size"
	KeyCacheL2TTL   = "cache.l2-ttl"
	KeyCacheKVAddr  = "cache.kv-addr"
	KeyCacheKVDB    = "cache.kv-db"
)

func registerCacheDefaults() {
	v.SetDefault(KeyCacheL1Size, 128) // spec §4.C5 "L1: ... (>=128 entries)"
	v.SetDefault(KeyCacheL2TTL, "1h") // spec §4.C5 "default 1 hour"
	v.SetDefault(KeyCacheKVAddr, "localhost:6379")
	v.SetDefault(KeyCacheKVDB, 0)
}
