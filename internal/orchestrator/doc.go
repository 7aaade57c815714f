// Package orchestrator ведёт runs пайплайна.
//
// Supervisor - долгоживущий цикл воркера:
//   - Забирает queued run через RunStore.ClaimNextQueued или перезахватывает
//     running run без heartbeat дольше StaleAfter (resume)
//   - Продолжает run с первого шага, который не completed и не skipped
//   - Между шагами проверяет запрос отмены
//   - Пропускает шаги, исключённые предикатом Included, и
//     несконфигурированные optional-шаги (skipped)
//   - Передаёт шаг в worker.Executor; падение шага завершает run (failed)
//   - Run, перезахваченный больше MaxResumeAttempts раз, завершается
//     с причиной "resume limit exceeded"
//
// Записи в хранилище повторяются с ограниченным backoff (internal/retry).
// Если повторы исчерпаны, run бросается в памяти: он остаётся running
// и будет перезахвачен после StaleAfter.
//
// Сообщение run.pending из RabbitMQ только будит цикл раньше PollInterval.
package orchestrator
