// Package mq - инфраструктура RabbitMQ.
//
// Структура:
//   - connection.go - соединение с автоматическим reconnect (internal/retry)
//   - topology.go   - exchanges, queues, bindings
//   - publisher.go  - публикация run.pending и run.finished
//   - consumer.go   - потребление с ручным ack/nack
//
// Сообщения - только уведомления. Источник истины - хранилище runs:
// supervisor опрашивает его по таймеру, а run.pending лишь будит его
// раньше. Потеря сообщения не теряет run.
//
// Типы сообщений:
//   - run.pending  - появился queued run (Advancer, ручной запуск)
//   - run.finished - run завершился (completed, failed, cancelled)
package mq
