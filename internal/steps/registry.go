package steps

import (
	"fmt"
)

// Registry - упорядоченный список шагов пайплайна.
//
// Порядок регистрации - порядок выполнения. После построения
// реестр не меняется, поэтому чтение не требует блокировок.
type Registry struct {
	steps  []*Definition
	byName map[string]*Definition
}

// NewRegistry создаёт реестр из определений и валидирует его.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{
		steps:  make([]*Definition, 0, len(defs)),
		byName: make(map[string]*Definition, len(defs)),
	}
	for i := range defs {
		def := defs[i]
		def.Ordinal = i
		r.steps = append(r.steps, &def)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	for _, def := range r.steps {
		r.byName[def.Name] = def
	}
	return r, nil
}

// Validate проверяет реестр:
//   - реестр не пуст
//   - имена непустые и уникальные
//   - таймаут положительный
//   - обязательные шаги сконфигурированы
//   - шаблоны аргументов парсятся
func (r *Registry) Validate() error {
	if len(r.steps) == 0 {
		return fmt.Errorf("%w: registry is empty", ErrInvalidDefinition)
	}

	seen := make(map[string]bool, len(r.steps))
	for _, def := range r.steps {
		if def.Name == "" {
			return fmt.Errorf("%w: step %d has empty name", ErrInvalidDefinition, def.Ordinal)
		}
		if seen[def.Name] {
			return fmt.Errorf("%w: duplicate step %q", ErrInvalidDefinition, def.Name)
		}
		seen[def.Name] = true

		if def.Timeout <= 0 {
			return fmt.Errorf("%w: step %q: timeout must be positive", ErrInvalidDefinition, def.Name)
		}
		if !def.Optional && !def.Configured() {
			return fmt.Errorf("%w: step %q", ErrNotConfigured, def.Name)
		}
		for _, arg := range def.Args {
			if err := ValidateTemplate(arg); err != nil {
				return fmt.Errorf("step %q: %w", def.Name, err)
			}
		}
	}
	return nil
}

// Steps возвращает шаги в порядке выполнения.
func (r *Registry) Steps() []*Definition {
	out := make([]*Definition, len(r.steps))
	copy(out, r.steps)
	return out
}

// Get возвращает шаг по имени.
func (r *Registry) Get(name string) (*Definition, error) {
	def, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, name)
	}
	return def, nil
}

// Names возвращает имена шагов в порядке выполнения.
func (r *Registry) Names() []string {
	names := make([]string, len(r.steps))
	for i, def := range r.steps {
		names[i] = def.Name
	}
	return names
}

// Len возвращает количество шагов.
func (r *Registry) Len() int {
	return len(r.steps)
}
