package config

// Transactional SQL capability (spec §6) config keys.
const (
	KeySQLDriver = "sql.driver"
	KeySQLDSN    = "sql.dsn"
)

func registerSQLDefaults() {
	v.SetDefault(KeySQLDriver, "mysql")
	v.SetDefault(KeySQLDSN, "")
}
