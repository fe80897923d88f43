// Пакет cardversion - извлечение версии из конфигурации карточки персонажа
// (bot_config.toml).
//
// Порядок поиска:
//  1. ключи верхнего уровня version, Version, schema_version, card_version;
//  2. те же ключи во вложенных таблицах meta, Meta, card, Card;
//  3. обход в глубину по всему документу (ключи в отсортированном порядке,
//     включая массивы таблиц) до первого ключа, имя которого в нижнем
//     регистре равно "version".
//
// Подходят только скалярные значения: строка, целое, дробное.
// Пустая строка совпадением не считается.
package cardversion

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/BurntSushi/toml"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/apperr"
)

// MaxLength - максимальная длина версии в символах (VARCHAR(64) в схеме БД).
const MaxLength = 64

var (
	// versionKeys - ключи версии в порядке приоритета.
	versionKeys = []string{"version", "Version", "schema_version", "card_version"}
	// sectionKeys - вложенные таблицы, проверяемые на втором шаге.
	sectionKeys = []string{"meta", "Meta", "card", "Card"}
)

// FromTOML разбирает содержимое bot_config.toml и возвращает версию.
// Ошибка разбора или отсутствие версии - ErrValidation.
func FromTOML(data []byte) (string, error) {
	doc := make(map[string]any)
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return "", fmt.Errorf("%w: некорректный TOML: %v", apperr.ErrValidation, err)
	}

	v, ok := Extract(doc)
	if !ok {
		return "", fmt.Errorf("%w: в конфигурации карточки не найдена версия", apperr.ErrValidation)
	}
	if n := utf8.RuneCountInString(v); n > MaxLength {
		return "", fmt.Errorf("%w: версия длиннее %d символов (%d)", apperr.ErrValidation, MaxLength, n)
	}
	return v, nil
}

// Extract ищет версию в разобранном документе.
func Extract(doc map[string]any) (string, bool) {
	if doc == nil {
		return "", false
	}

	if v, ok := lookupKeys(doc); ok {
		return v, true
	}

	for _, section := range sectionKeys {
		nested, ok := doc[section].(map[string]any)
		if !ok {
			continue
		}
		if v, ok := lookupKeys(nested); ok {
			return v, true
		}
	}

	return search(doc, make(map[uintptr]bool))
}

func lookupKeys(m map[string]any) (string, bool) {
	for _, key := range versionKeys {
		raw, ok := m[key]
		if !ok {
			continue
		}
		if v, ok := scalar(raw); ok {
			return v, true
		}
	}
	return "", false
}

// search - детерминированный обход в глубину. seen защищает от циклов
// в документах, собранных вручную.
func search(node any, seen map[uintptr]bool) (string, bool) {
	switch n := node.(type) {
	case map[string]any:
		ptr := reflect.ValueOf(n).Pointer()
		if seen[ptr] {
			return "", false
		}
		seen[ptr] = true

		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			if strings.ToLower(k) == "version" {
				if v, ok := scalar(n[k]); ok {
					return v, true
				}
			}
			if v, ok := search(n[k], seen); ok {
				return v, true
			}
		}
	case []map[string]any:
		for _, item := range n {
			if v, ok := search(item, seen); ok {
				return v, true
			}
		}
	case []any:
		for _, item := range n {
			if v, ok := search(item, seen); ok {
				return v, true
			}
		}
	}
	return "", false
}

// scalar приводит скалярное значение к строке.
func scalar(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		s := strings.TrimSpace(v)
		return s, s != ""
	case int64:
		return strconv.FormatInt(v, 10), true
	case int:
		return strconv.Itoa(v), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	case float64:
		return formatFloat(v)
	case float32:
		return formatFloat(float64(v))
	default:
		return "", false
	}
}

// formatFloat - кратчайшая десятичная запись; у целых значений
// сохраняется ".0" (1.0 → "1.0").
func formatFloat(f float64) (string, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s, true
}
