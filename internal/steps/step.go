package steps

import (
	"context"
	"io"
	"time"

	"github.com/shaiso/Harvester/internal/domain"
)

// DefaultTimeout - таймаут шага, если он не задан в конфигурации.
const DefaultTimeout = 30 * time.Minute

// Unit - встроенный (in-process) исполнитель шага.
//
// Вывод пишется в out и попадает в log_tail шага.
// Unit должен проверять ctx.Done(): по таймауту контекст отменяется.
type Unit interface {
	Run(ctx context.Context, run *domain.Run, out io.Writer) error
}

// UnitFunc - адаптер функции к Unit.
type UnitFunc func(ctx context.Context, run *domain.Run, out io.Writer) error

// Run вызывает f.
func (f UnitFunc) Run(ctx context.Context, run *domain.Run, out io.Writer) error {
	return f(ctx, run, out)
}

// Definition - статическое описание шага пайплайна.
//
// Исполняемая часть - либо внешняя команда (Command + Args),
// либо встроенный Unit. Args - Go templates, см. RenderArgs.
type Definition struct {
	Name     string
	Ordinal  int // позиция в реестре, проставляется Registry
	Command  string
	Args     []string
	Timeout  time.Duration
	Optional bool

	// Include решает, участвует ли шаг в run. nil - всегда.
	Include func(run *domain.Run) bool

	Unit Unit
}

// Included возвращает true, если шаг должен выполняться в этом run.
func (d *Definition) Included(run *domain.Run) bool {
	if d.Include == nil {
		return true
	}
	return d.Include(run)
}

// Configured возвращает true, если у шага есть что запускать.
func (d *Definition) Configured() bool {
	return d.Command != "" || d.Unit != nil
}

// InProcess возвращает true для шагов со встроенным исполнителем.
func (d *Definition) InProcess() bool {
	return d.Unit != nil
}

// EffectiveTimeout возвращает Timeout или DefaultTimeout.
func (d *Definition) EffectiveTimeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultTimeout
}

// RenderArgs рендерит аргументы команды для конкретного run.
func (d *Definition) RenderArgs(run *domain.Run) ([]string, error) {
	data := NewArgsData(run, d.Name)
	out := make([]string, len(d.Args))
	for i, arg := range d.Args {
		rendered, err := Render(arg, data)
		if err != nil {
			return nil, err
		}
		out[i] = rendered
	}
	return out, nil
}

// IncludeInstagram - предикат для instagram_scrape.
func IncludeInstagram(run *domain.Run) bool {
	return run != nil && run.IncludeInstagram
}
