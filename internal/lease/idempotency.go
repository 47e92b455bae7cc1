package lease

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// IdempotencyKey детерминированно выводит ключ идемпотентности из
// (work definition, actor, канонический хэш входа). Один и тот же запрос
// от одного актора всегда дает один ключ независимо от порядка полей JSON.
func IdempotencyKey(workDefID, actorID string, input []byte) string {
	h := sha256.New()
	h.Write([]byte(workDefID))
	h.Write([]byte{0}) // Разделитель против склейки префиксов
	h.Write([]byte(actorID))
	h.Write([]byte{0})
	h.Write(canonicalize(input))
	return "idem:" + hex.EncodeToString(h.Sum(nil))
}

// canonicalize нормализует JSON: encoding/json сериализует map
// с отсортированными ключами, что и дает канонический вид.
func canonicalize(input []byte) []byte {
	if len(input) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(input, &v); err != nil {
		return input // Не JSON — хэшируем как есть
	}
	out, err := json.Marshal(v)
	if err != nil {
		return input
	}
	return out
}

// MutexScope — нормализованное имя mutex-скоупа.
func MutexScope(resource string) string {
	return "mutex:" + resource
}
