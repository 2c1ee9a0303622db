package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "agentgate"
)

// MemoryKey — hash с памятью одного пользователя. Изоляция по идентичности,
// потому что memory-маршруты не проходят allowlist.
func MemoryKey(userID string) string {
	return fmt.Sprintf("%s:memory:%s", RedisNamespace, userID)
}

// SessionCloseChannel — pub/sub канал команд закрытия WS-сессий между инстансами.
var SessionCloseChannel = fmt.Sprintf("%s:sessions:close", RedisNamespace)
