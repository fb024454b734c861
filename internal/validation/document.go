package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// IDPattern допустимый формат идентификаторов survey, job и документов
var IDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

const (
	// MaxFieldNameLen максимальная длина имени поля в байтах
	MaxFieldNameLen = 1500
	// MaxFieldsPerDocument ограничение числа полей документа
	MaxFieldsPerDocument = 500
	// MaxNestingDepth максимальная вложенность map и массивов в значении поля
	MaxNestingDepth = 20
)

// ValidateID проверяет идентификатор survey, job или документа
func ValidateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s id cannot be empty", kind)
	}
	if !IDPattern.MatchString(id) {
		return fmt.Errorf("%s id %q contains unsupported characters", kind, id)
	}
	return nil
}

// ValidateFieldName проверяет имя поля документа.
// Имена вида __name__ зарезервированы, точка и слэш запрещены.
func ValidateFieldName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("field name cannot be empty")
	case len(name) > MaxFieldNameLen:
		return fmt.Errorf("field name exceeds %d bytes", MaxFieldNameLen)
	case strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__"):
		return fmt.Errorf("field name %q is reserved", name)
	case strings.ContainsAny(name, "./"):
		return fmt.Errorf("field name %q must not contain '.' or '/'", name)
	}
	return nil
}

// ValidateFields проверяет имена и значения полей документа.
// nil значения допустимы: они означают удаление поля.
func ValidateFields(fields map[string]any) error {
	if len(fields) > MaxFieldsPerDocument {
		return fmt.Errorf("document has %d fields, limit is %d", len(fields), MaxFieldsPerDocument)
	}
	for name, value := range fields {
		if err := ValidateFieldName(name); err != nil {
			return err
		}
		if depth(value) > MaxNestingDepth {
			return fmt.Errorf("field %q is nested deeper than %d levels", name, MaxNestingDepth)
		}
		if _, err := json.Marshal(value); err != nil {
			return fmt.Errorf("field %q has unsupported value: %w", name, err)
		}
	}
	return nil
}

func depth(v any) int {
	deepest := 0
	switch t := v.(type) {
	case map[string]any:
		for _, item := range t {
			if d := depth(item); d > deepest {
				deepest = d
			}
		}
		return deepest + 1
	case []any:
		for _, item := range t {
			if d := depth(item); d > deepest {
				deepest = d
			}
		}
		return deepest + 1
	}
	return 0
}
