// Package worker выполняет отдельные шаги пайплайна.
//
// # Обзор
//
// Executor запускает один шаг одного run:
//
//   - Сохраняет состояние running (attempt + 1) до запуска
//   - Запускает внешнюю команду (os/exec) или встроенный steps.Unit
//     под context.WithTimeout
//   - Собирает stdout/stderr в TailBuffer (последние N байт, с обрезкой
//     по границе строки)
//   - Сохраняет итоговое состояние: completed или failed, код выхода, log tail
//
// Повторов нет: падение шага фатально для run.
//
// # Коды выхода
//
//	0    - успех
//	N    - код выхода процесса
//	124  - таймаут шага
//	127  - команду не удалось запустить
//	128+S - процесс убит сигналом S
//
// # Использование
//
//	executor := worker.New(worker.Config{
//	    Store:     store,
//	    TailBytes: cfg.Log.TailBytes,
//	    Logger:    logger,
//	})
//
//	res, err := executor.Execute(ctx, def, run, run.StepStates.Get(def.Name))
//	if err != nil {
//	    // не удалось сохранить состояние или процесс останавливается
//	}
//	if res.Failed() {
//	    // run помечается failed
//	}
package worker
