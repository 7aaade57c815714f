package steps

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/shaiso/Harvester/internal/domain"
)

// ArgsData - данные, доступные в шаблонах аргументов:
//   - {{ .RunID }}
//   - {{ .Step }}
//   - {{ .TriggeredBy }}
//   - {{ .IncludeInstagram }}
//   - {{ .Limits.enrich_workers }}
type ArgsData struct {
	RunID            string
	Step             string
	TriggeredBy      string
	IncludeInstagram bool

	// Limits - лимиты из снимка настроек, дополненные значениями по умолчанию.
	Limits map[string]int
}

// NewArgsData собирает данные шаблона из run.
func NewArgsData(run *domain.Run, step string) *ArgsData {
	limits := domain.DefaultLimits()
	data := &ArgsData{Step: step, Limits: limits}
	if run == nil {
		return data
	}
	for key := range limits {
		limits[key] = run.Limit(key)
	}
	data.RunID = run.ID.String()
	data.TriggeredBy = run.TriggeredBy
	data.IncludeInstagram = run.IncludeInstagram
	return data
}

var templateFuncs = template.FuncMap{
	// default - значение по умолчанию для пустой строки или нуля
	"default": func(def, val any) any {
		switch v := val.(type) {
		case nil:
			return def
		case string:
			if v == "" {
				return def
			}
		case int:
			if v == 0 {
				return def
			}
		}
		return val
	},

	// flag - "--name" для true и пустая строка для false
	"flag": func(name string, on bool) string {
		if on {
			return "--" + name
		}
		return ""
	},

	"itoa":  strconv.Itoa,
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
	"trim":  strings.TrimSpace,
	"join": func(sep string, items []string) string {
		return strings.Join(items, sep)
	},
}

// Render рендерит строковый шаблон.
//
// Строки без "{{" возвращаются как есть. Обращение к отсутствующему
// ключу Limits - ошибка рендеринга.
func Render(tmpl string, data *ArgsData) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	return buf.String(), nil
}

// ValidateTemplate проверяет, что шаблон парсится.
func ValidateTemplate(tmpl string) error {
	if !strings.Contains(tmpl, "{{") {
		return nil
	}
	if _, err := template.New("").Funcs(templateFuncs).Parse(tmpl); err != nil {
		return fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}
	return nil
}
