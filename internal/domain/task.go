package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidParameters — параметры job не соответствуют схеме task.
var ErrInvalidParameters = errors.New("invalid job parameters")

// ParamType — тип параметра workflow.
type ParamType string

const (
	ParamTypeString ParamType = "string"
	ParamTypeNumber ParamType = "number"
	ParamTypeBool   ParamType = "bool"
	ParamTypeAny    ParamType = "any"
)

// ParameterDef — описание одного параметра workflow.
type ParameterDef struct {
	Name     string    `json:"name"`
	Type     ParamType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Default  any       `json:"default,omitempty"`
}

// TaskDefinition — определение workflow, которое инстанцирует job.
//
// Неизменяемо во время выполнения job; оркестратор только читает его.
type TaskDefinition struct {
	// ID — идентификатор task (на него ссылается Job.TaskID).
	ID string `json:"id"`

	// Name — человекочитаемое имя.
	Name string `json:"name"`

	// Runner — вид runner'а executor'а ("delay", "http", "command", ...).
	Runner string `json:"runner"`

	// Timeout — максимальная длительность выполнения.
	// 0 — используется JobTimeout воркера.
	Timeout time.Duration `json:"timeout,omitempty"`

	// HostGroup — группа hosts по умолчанию для jobs этого task.
	HostGroup string `json:"host_group,omitempty"`

	// Parameters — схема параметров.
	Parameters []ParameterDef `json:"parameters,omitempty"`

	// Config — статическая конфигурация runner'а (url, command, ...).
	Config map[string]any `json:"config,omitempty"`
}

// EffectiveTimeout возвращает таймаут task или fallback, если он не задан.
func (t *TaskDefinition) EffectiveTimeout(fallback time.Duration) time.Duration {
	if t != nil && t.Timeout > 0 {
		return t.Timeout
	}
	return fallback
}

// ValidateParameters проверяет обязательные параметры и типы,
// заполняет значения по умолчанию. Возвращает новую map.
func (t *TaskDefinition) ValidateParameters(params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params)+len(t.Parameters))
	for k, v := range params {
		out[k] = v
	}

	for _, def := range t.Parameters {
		val, ok := out[def.Name]
		if !ok || val == nil {
			if def.Default != nil {
				out[def.Name] = def.Default
				continue
			}
			if def.Required {
				return nil, fmt.Errorf("%w: missing required parameter %q", ErrInvalidParameters, def.Name)
			}
			continue
		}
		if !matchesType(val, def.Type) {
			return nil, fmt.Errorf("%w: parameter %q must be %s", ErrInvalidParameters, def.Name, def.Type)
		}
	}

	return out, nil
}

func matchesType(val any, typ ParamType) bool {
	switch typ {
	case ParamTypeString:
		_, ok := val.(string)
		return ok
	case ParamTypeNumber:
		switch val.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case ParamTypeBool:
		_, ok := val.(bool)
		return ok
	default:
		return true
	}
}
