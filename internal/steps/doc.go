// Package steps описывает шаги пайплайна и их реестр.
//
// # Обзор
//
// Шаг - статическое описание исполняемой единицы:
//   - имя и порядковый номер в реестре
//   - предикат Included(run), исключающий шаг из конкретного run
//   - внешняя команда (Command + Args) или встроенный Unit
//   - таймаут и флаг Optional
//
// Optional-шаг без команды пропускается (skipped), а не падает.
//
// # Реестр
//
// Registry - упорядоченный неизменяемый список. Порядок регистрации
// определяет порядок выполнения, шаги завершаются строго по порядку:
//
//	registry, err := steps.Pipeline(overrides, steps.NewVenueDedupe(pool, facade, logger))
//	for _, def := range registry.Steps() {
//	    // ...
//	}
//
// Пайплайн по умолчанию:
//
//	event_scrape → instagram_scrape → event_process → event_enrich →
//	venue_dedupe → event_backfill
//
// instagram_scrape включается только при include_instagram.
//
// # Шаблоны аргументов
//
// Аргументы команд - Go templates, рендерятся перед запуском:
//
//	--workers {{ .Limits.enrich_workers }} --run-id {{ .RunID }}
//
// Доступны .RunID, .Step, .TriggeredBy, .IncludeInstagram и .Limits.
//
// # venue_dedupe
//
// Встроенный шаг: находит площадки с одинаковым нормализованным именем
// и сливает их через bulk.Facade (errgroup + x/time/rate).
package steps
