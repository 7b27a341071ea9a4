package compiler

import (
	"regexp"
	"strings"
)

// fieldNamePattern is the field name grammar spec §4.C4 step 3 requires.
var fieldNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ValidFieldName reports whether name matches the required grammar.
func ValidFieldName(name string) bool {
	return fieldNamePattern.MatchString(name)
}

var snakeBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// SnakeCase converts a camelCase/PascalCase identifier to snake_case, the
// column/table naming convention spec §4.C4 step 4 specifies.
func SnakeCase(s string) string {
	s = snakeBoundary.ReplaceAllString(s, "${1}_${2}")
	return strings.ToLower(s)
}

// TableName returns the table name for an entity: "ent_" + snake_case(entityName).
func TableName(entityName string) string {
	return "ent_" + SnakeCase(entityName)
}
