// outcome.go: колесо, ставки «вне поля» и расчёт выплаты.
//
// Здесь нет ни БД, ни Telegram: только чистые функции, которые сервис
// вызывает внутри транзакции ставки.

package roulette

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"

	"serotonyl.ru/roulette-helper/internal/common"
)

// Slot: ячейка колеса. 0..36, обычные номера, DoubleZero, «00» американского колеса.
type Slot int

// DoubleZero: второе зеро американского колеса.
const DoubleZero Slot = 37

// IsZero: зеро (0 или 00) проигрывает любую ставку вне поля.
func (s Slot) IsZero() bool {
	return s == 0 || s == DoubleZero
}

func (s Slot) String() string {
	if s == DoubleZero {
		return "00"
	}
	return strconv.Itoa(int(s))
}

// Color возвращает "red", "black" или "green" для зеро.
func (s Slot) Color() string {
	switch {
	case s.IsZero():
		return "green"
	case redSlots[s]:
		return "red"
	default:
		return "black"
	}
}

// MarshalJSON пишет ячейку строкой: "00" нельзя отличить от 0 числом.
func (s Slot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Slot) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		// старые записи хранили winningNumber числом
		var n int
		if errNum := json.Unmarshal(data, &n); errNum != nil {
			return fmt.Errorf("winningSlot: %w", err)
		}
		raw = strconv.Itoa(n)
	}
	slot, err := ParseSlot(raw)
	if err != nil {
		return err
	}
	*s = slot
	return nil
}

// ParseSlot разбирает "0".."36" и "00".
func ParseSlot(raw string) (Slot, error) {
	if raw == "00" {
		return DoubleZero, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > 36 {
		return 0, fmt.Errorf("некорректная ячейка %q", raw)
	}
	return Slot(n), nil
}

var redSlots = map[Slot]bool{
	1: true, 3: true, 5: true, 7: true, 9: true, 12: true, 14: true, 16: true, 18: true,
	19: true, 21: true, 23: true, 25: true, 27: true, 30: true, 32: true, 34: true, 36: true,
}

// Wheel: набор ячеек, из которого равновероятно тянем результат.
type Wheel struct {
	name  string
	slots []Slot
}

// NewWheel создаёт европейское (37 ячеек) или американское (38) колесо.
func NewWheel(variant string) (Wheel, error) {
	slots := make([]Slot, 0, 38)
	for n := 0; n <= 36; n++ {
		slots = append(slots, Slot(n))
	}
	switch variant {
	case "european":
	case "american":
		slots = append(slots, DoubleZero)
	default:
		return Wheel{}, fmt.Errorf("неизвестный вариант колеса %q", variant)
	}
	return Wheel{name: variant, slots: slots}, nil
}

func (w Wheel) Name() string { return w.name }

// Size: число ячеек.
func (w Wheel) Size() int { return len(w.slots) }

// Slots возвращает копию ячеек колеса.
func (w Wheel) Slots() []Slot {
	out := make([]Slot, len(w.slots))
	copy(out, w.slots)
	return out
}

// Draw тянет ячейку равновероятно через crypto/rand.
func (w Wheel) Draw() (Slot, error) {
	if len(w.slots) == 0 {
		return 0, fmt.Errorf("пустое колесо")
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(w.slots))))
	if err != nil {
		return 0, fmt.Errorf("ошибка генерации случайного числа: %w", err)
	}
	return w.slots[n.Int64()], nil
}

// Категории ставок.
const (
	CategoryColor  = "color"
	CategoryParity = "parity"
	CategoryRange  = "range"
	CategoryDozen  = "dozen"
	CategoryColumn = "column"
)

// Bet описывает ставку вне поля, именованное подмножество ячеек и выплата «к 1».
type Bet struct {
	Key      string
	Name     string
	Category string
	Payout   int64
	slots    map[Slot]bool
}

// Contains: входит ли ячейка в ставку.
func (b Bet) Contains(s Slot) bool {
	return b.slots[s]
}

// betOrder: порядок кнопок на клавиатуре.
var betOrder = []string{
	"RED", "BLACK", "EVEN", "ODD", "LOW", "HIGH",
	"DOZEN_1", "DOZEN_2", "DOZEN_3",
	"COLUMN_1", "COLUMN_2", "COLUMN_3",
}

var bets = buildBets()

func buildBets() map[string]Bet {
	m := map[string]Bet{}
	add := func(key, name, category string, payout int64, match func(n int) bool) {
		set := map[Slot]bool{}
		for n := 1; n <= 36; n++ {
			if match(n) {
				set[Slot(n)] = true
			}
		}
		m[key] = Bet{Key: key, Name: name, Category: category, Payout: payout, slots: set}
	}

	add("RED", "Red", CategoryColor, 1, func(n int) bool { return redSlots[Slot(n)] })
	add("BLACK", "Black", CategoryColor, 1, func(n int) bool { return !redSlots[Slot(n)] })
	add("EVEN", "Even", CategoryParity, 1, func(n int) bool { return n%2 == 0 })
	add("ODD", "Odd", CategoryParity, 1, func(n int) bool { return n%2 == 1 })
	add("LOW", "1 to 18", CategoryRange, 1, func(n int) bool { return n <= 18 })
	add("HIGH", "19 to 36", CategoryRange, 1, func(n int) bool { return n >= 19 })
	add("DOZEN_1", "1st 12", CategoryDozen, 2, func(n int) bool { return n <= 12 })
	add("DOZEN_2", "2nd 12", CategoryDozen, 2, func(n int) bool { return n >= 13 && n <= 24 })
	add("DOZEN_3", "3rd 12", CategoryDozen, 2, func(n int) bool { return n >= 25 })
	add("COLUMN_1", "1st column", CategoryColumn, 2, func(n int) bool { return n%3 == 1 })
	add("COLUMN_2", "2nd column", CategoryColumn, 2, func(n int) bool { return n%3 == 2 })
	add("COLUMN_3", "3rd column", CategoryColumn, 2, func(n int) bool { return n%3 == 0 })
	return m
}

// LookupBet ищет ставку по ключу из callback data.
func LookupBet(key string) (Bet, error) {
	b, ok := bets[key]
	if !ok {
		return Bet{}, fmt.Errorf("%w: %q", common.ErrUnknownBet, key)
	}
	return b, nil
}

// AllBets возвращает ставки в порядке отображения.
func AllBets() []Bet {
	out := make([]Bet, 0, len(betOrder))
	for _, key := range betOrder {
		out = append(out, bets[key])
	}
	return out
}

// Resolution: итог одного спина.
type Resolution struct {
	Slot       Slot
	Win        bool
	Multiplier int64
}

// Resolve определяет выигрыш: ячейка не зеро и входит в ставку.
// Множитель = 1 + выплата при выигрыше, иначе 0.
func Resolve(bet Bet, slot Slot) Resolution {
	win := !slot.IsZero() && bet.Contains(slot)
	res := Resolution{Slot: slot, Win: win}
	if win {
		res.Multiplier = 1 + bet.Payout
	}
	return res
}

// FeeRate: комиссия дома в виде точной дроби Num/Den.
type FeeRate struct {
	Num int64
	Den int64
}

// Settlement: расчёт выплаты. Применяет его основной бот, мы только записываем.
type Settlement struct {
	PreFeeAmount decimal.Decimal `json:"preFeeAmount"`
	Fee          decimal.Decimal `json:"fee"`
	NetPayout    decimal.Decimal `json:"netPayout"`
}

// Settle считает выплату в целых единицах:
//
//	preFee = bet * multiplier
//	fee    = floor(preFee * Num / Den)
//	net    = preFee - fee
func Settle(betAmount, multiplier int64, rate FeeRate) Settlement {
	preFee := decimal.NewFromInt(betAmount).Mul(decimal.NewFromInt(multiplier))
	fee := decimal.Zero
	if rate.Num > 0 && rate.Den > 0 {
		// QuoRem с точностью 0 даёт целое частное с отбрасыванием остатка,
		// для неотрицательных сумм это и есть floor.
		fee, _ = preFee.Mul(decimal.NewFromInt(rate.Num)).QuoRem(decimal.NewFromInt(rate.Den), 0)
	}
	return Settlement{
		PreFeeAmount: preFee,
		Fee:          fee,
		NetPayout:    preFee.Sub(fee),
	}
}
