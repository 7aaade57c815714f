// Package scheduler решает, когда запускать пайплайн.
//
// Структура:
//   - advancer.go - Advance (решение "пора ли") и Trigger (ручной запуск)
//   - loop.go     - Loop: Advance по cron внутри процесса, с выбором лидера
//   - cron.go     - разбор cron-выражений (robfig/cron)
//
// Использование:
//
//	adv := scheduler.New(scheduler.Config{
//	    Store:    store,
//	    Notifier: publisher, // опционально
//	    Logger:   logger,
//	})
//
//	res, err := adv.Advance(ctx, time.Now())
//	// res.Reason: enqueued | disabled | not_due | active_run
//
// Advance идемпотентен: уникальность активного run обеспечивает хранилище,
// проверка next_run_at только снижает конкуренцию.
package scheduler
