// Package fingerprint канонизирует клиентские идентификаторы устройства
// (hwid, browser fingerprint) в ключи фиксированного размера для индексов БД.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// MaxKeyLen — верхняя граница канонического ключа. Колонки устройств —
// varchar(64), поэтому порог выше не имеет смысла (и ломает составной
// уникальный индекс в MySQL).
const MaxKeyLen = 64

var ErrEmpty = errors.New("fingerprint: empty value")

// Normalize возвращает канонический ключ: короткие значения — как есть,
// длиннее порога — hex(SHA-256) (всегда 64 символа). Детерминированно.
func Normalize(raw string, threshold int) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmpty
	}
	if threshold <= 0 || threshold > MaxKeyLen {
		threshold = MaxKeyLen
	}
	if len(raw) <= threshold {
		return raw, nil
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:]), nil
}
