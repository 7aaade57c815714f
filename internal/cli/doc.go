// Package cli реализует инструмент командной строки Harvester.
//
// # Обзор
//
// CLI - клиентская утилита для взаимодействия с Harvester API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
// CLI используется для ручных запусков, просмотра runs и настроек.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Harvester API. Инкапсулирует все HTTP-запросы,
// парсинг ответов (DataResponse, ListResponse, ErrorResponse)
// и обработку ошибок (APIError).
//
//	client := cli.NewClient("http://localhost:8080", "")
//	runs, err := client.ListRuns(20)
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) - по умолчанию
//   - JSON (json.MarshalIndent) - с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) - в stderr.
// Это позволяет использовать pipe: harvester run list --json | jq .
//
// ## Commands
//
//   - run: trigger, list, get, cancel
//   - advance
//   - settings: get, set
//   - steps
//
// Каждая группа создаётся через фабричную функцию (NewRunCmd и т.д.),
// принимающую clientFn и outputFn - замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
