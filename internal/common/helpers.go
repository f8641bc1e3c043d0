// Package common содержит общие утилиты, используемые во всём проекте.
// Сюда входят: форматирование сумм ставок и экранирование HTML для Telegram.
package common

import (
	"html"

	"github.com/shopspring/decimal"
)

// FormatStake переводит ставку из минимальных единиц в читабельную строку.
// Считаем через decimal, чтобы не тащить float в деньги.
//
// Примеры:
//
//	FormatStake(1_500_000_000, 9, "SOL") → "1.50 SOL"
//	FormatStake(5, 0, "пленок")          → "5.00 пленок"
func FormatStake(amount int64, decimals int32, currency string) string {
	value := decimal.New(amount, -decimals)
	return value.StringFixed(2) + " " + currency
}

// EscapeHTML экранирует пользовательский текст для parse_mode=HTML.
func EscapeHTML(text string) string {
	return html.EscapeString(text)
}
