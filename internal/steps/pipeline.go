package steps

import (
	"fmt"
	"sort"
	"time"
)

// Имена шагов пайплайна по умолчанию.
const (
	StepEventScrape     = "event_scrape"
	StepInstagramScrape = "instagram_scrape"
	StepEventProcess    = "event_process"
	StepEventEnrich     = "event_enrich"
	StepVenueDedupe     = "venue_dedupe"
	StepEventBackfill   = "event_backfill"
)

// IngestCommand - исполняемый файл внешних шагов по умолчанию.
const IngestCommand = "harvester-ingest"

// Override - настройки шага из конфигурации.
// Пустые поля не меняют значение по умолчанию.
type Override struct {
	Command  string
	Args     []string
	Timeout  time.Duration
	Optional *bool
}

// DefaultDefinitions возвращает пайплайн по умолчанию:
// event_scrape → instagram_scrape → event_process → event_enrich →
// venue_dedupe → event_backfill.
//
// venue_dedupe не имеет команды: его Unit подставляет Pipeline.
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			Name:    StepEventScrape,
			Command: IngestCommand,
			Args:    []string{"scrape", "events", "--batch-size", "{{ .Limits.scrape_batch_size }}", "--run-id", "{{ .RunID }}"},
			Timeout: 30 * time.Minute,
		},
		{
			Name:     StepInstagramScrape,
			Command:  IngestCommand,
			Args:     []string{"scrape", "instagram", "--batch-size", "{{ .Limits.scrape_batch_size }}", "--run-id", "{{ .RunID }}"},
			Timeout:  20 * time.Minute,
			Optional: true,
			Include:  IncludeInstagram,
		},
		{
			Name:    StepEventProcess,
			Command: IngestCommand,
			Args:    []string{"process", "--batch-size", "{{ .Limits.process_batch_size }}", "--run-id", "{{ .RunID }}"},
			Timeout: 15 * time.Minute,
		},
		{
			Name:    StepEventEnrich,
			Command: IngestCommand,
			Args: []string{"enrich",
				"--workers", "{{ .Limits.enrich_workers }}",
				"--cooldown", "{{ .Limits.enrich_cooldown_seconds }}s",
				"--run-id", "{{ .RunID }}"},
			Timeout: 45 * time.Minute,
		},
		{
			Name:    StepVenueDedupe,
			Timeout: 10 * time.Minute,
		},
		{
			Name:    StepEventBackfill,
			Command: IngestCommand,
			Args:    []string{"backfill", "--batch-size", "{{ .Limits.backfill_batch_size }}", "--run-id", "{{ .RunID }}"},
			Timeout: 20 * time.Minute,
		},
	}
}

// Pipeline строит реестр по умолчанию с учётом настроек.
//
// dedupe - встроенный исполнитель venue_dedupe; nil оставляет шаг
// на команде из overrides. Настройки для неизвестных шагов - ошибка.
func Pipeline(overrides map[string]Override, dedupe Unit) (*Registry, error) {
	defs := DefaultDefinitions()

	known := make(map[string]int, len(defs))
	for i, def := range defs {
		known[def.Name] = i
	}
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := known[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrStepNotFound, name)
		}
	}

	for i := range defs {
		def := &defs[i]
		if def.Name == StepVenueDedupe && dedupe != nil {
			def.Unit = dedupe
		}
		o, ok := overrides[def.Name]
		if !ok {
			continue
		}
		if o.Command != "" {
			def.Command = o.Command
			def.Args = o.Args
			def.Unit = nil
		} else if o.Args != nil {
			def.Args = o.Args
		}
		if o.Timeout > 0 {
			def.Timeout = o.Timeout
		}
		if o.Optional != nil {
			def.Optional = *o.Optional
		}
	}

	return NewRegistry(defs...)
}
