package policy

import "fmt"

// ConfigurationError — небезопасная или невалидная конфигурация агента.
// Фатальна при старте, никогда не понижается до предупреждения.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("agent configuration: %s: %s", e.Field, e.Msg)
}

func configErr(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}
