package config

// Timer Service (C11) config keys.
const (
	KeyTimerPollInterval      = "timer.poll-interval"
	KeyTimerRehydrateBatch    = "timer.rehydrate-batch-size"
	KeyTimerRehydrateAttempts = "timer.rehydrate-attempts"
)

func registerTimerDefaults() {
	v.SetDefault(KeyTimerPollInterval, "5s")
	v.SetDefault(KeyTimerRehydrateBatch, 500)
	v.SetDefault(KeyTimerRehydrateAttempts, 3) // internal/timer does not read this key; RehydrateTimers hard-codes 3 retries after the first attempt.
}
