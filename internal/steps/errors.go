package steps

import "errors"

// Ошибки реестра шагов.
var (
	// ErrStepNotFound - шаг с таким именем не зарегистрирован.
	ErrStepNotFound = errors.New("step not found")

	// ErrInvalidDefinition - определение шага не прошло валидацию.
	ErrInvalidDefinition = errors.New("invalid step definition")

	// ErrNotConfigured - у шага нет ни команды, ни встроенного исполнителя.
	ErrNotConfigured = errors.New("step executable not configured")

	// ErrTemplateParse - ошибка парсинга шаблона аргумента.
	ErrTemplateParse = errors.New("template parse failed")

	// ErrTemplateRender - ошибка рендеринга шаблона аргумента.
	ErrTemplateRender = errors.New("template render failed")
)
