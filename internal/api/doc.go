// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go          - Handler с DI (хранилище, advancer, реестр шагов)
//   - routes.go           - регистрация маршрутов
//   - middleware.go       - middleware (logging, recovery, bearer token)
//   - response.go         - унифицированные JSON-ответы и обработка ошибок
//   - dto.go              - Data Transfer Objects (request/response)
//   - run_handler.go      - обработчики для /runs и /advance
//   - settings_handler.go - обработчики для /settings
//   - step_handler.go     - обработчик для /steps
//
// API позволяет запускать и отменять runs пайплайна, смотреть их
// состояние и менять настройки расписания.
package api
