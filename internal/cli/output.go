package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Output печатает результаты команд: таблицы в stdout или JSON в режиме --json.
// Сообщения о статусе операции идут в stderr, чтобы не ломать JSON-вывод.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

// Section - одна таблица в составном выводе.
type Section struct {
	Headers []string
	Rows    [][]string
}

// NewOutput создаёт Output поверх stdout/stderr.
func NewOutput(jsonMode bool) *Output {
	return NewOutputTo(jsonMode, os.Stdout, os.Stderr)
}

// NewOutputTo создаёт Output с заданными потоками.
func NewOutputTo(jsonMode bool, w, errW io.Writer) *Output {
	return &Output{jsonMode: jsonMode, w: w, errW: errW}
}

// Print выводит одну таблицу или jsonData целиком.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	o.Detail(jsonData, Section{Headers: headers, Rows: rows})
}

// Detail выводит несколько таблиц через пустую строку.
// В JSON-режиме секции игнорируются, печатается jsonData.
func (o *Output) Detail(jsonData any, sections ...Section) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	for i, s := range sections {
		if i > 0 {
			fmt.Fprintln(o.w)
		}
		o.Table(s.Headers, s.Rows)
	}
}

// Table выводит таблицу через tabwriter с линией под заголовком.
func (o *Output) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	underline := make([]string, len(headers))
	for i, h := range headers {
		underline[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(underline, "\t"))

	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

// JSON выводит v с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// Success пишет сообщение о результате операции в stderr.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}
