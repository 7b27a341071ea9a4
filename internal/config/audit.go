package config

// Audit Outbox + Drain (C12) config keys.
const (
	KeyAuditDrainBatchSize           = "audit.drain-batch-size"
	KeyAuditDrainInterval            = "audit.drain-interval"
	KeyAuditLockDuration             = "audit.lock-duration"
	KeyAuditMaxAttempts              = "audit.max-attempts"
	KeyAuditRetentionDays            = "audit.retention-days"
	KeyAuditPartitionLookaheadMonths = "audit.partition-lookahead-months"
)

func registerAuditDefaults() {
	v.SetDefault(KeyAuditDrainBatchSize, 200)
	v.SetDefault(KeyAuditDrainInterval, "10s")
	v.SetDefault(KeyAuditLockDuration, "30s")
	v.SetDefault(KeyAuditMaxAttempts, 5)
	v.SetDefault(KeyAuditRetentionDays, 90)
	v.SetDefault(KeyAuditPartitionLookaheadMonths, 3)
}
