// Package draw реализует взвешенный случайный выбор товара из бокса.
package draw

import (
	"errors"
	"math/rand/v2"
)

// ErrNoCandidates возвращается при попытке розыгрыша по пустому списку кандидатов.
var (
	ErrNoCandidates = errors.New("no candidates to draw from")
	// ErrInvalidWeight возвращается, если вес кандидата не является положительным.
	ErrInvalidWeight = errors.New("candidate weight must be positive")
)

// Candidate описывает товар, участвующий в розыгрыше. Вес равен остатку товара.
type Candidate struct {
	ProductID int64
	Weight    int64
}

// Picker выполняет выбор кандидата с вероятностью, пропорциональной весу.
type Picker struct {
	int64n func(n int64) int64
}

// New создаёт Picker на глобальном генераторе math/rand/v2.
// Глобальный генератор безопасен для конкурентного использования.
func New() *Picker {
	return &Picker{int64n: rand.Int64N}
}

// NewSeeded создаёт Picker с детерминированным потоком случайных чисел.
// Используется в тестах для воспроизводимых розыгрышей.
func NewSeeded(seed uint64) *Picker {
	r := rand.New(rand.NewPCG(seed, seed))
	return &Picker{int64n: r.Int64N}
}

// Pick выбирает идентификатор товара из непустого списка кандидатов.
// Кандидаты обходятся в порядке, заданном вызывающей стороной, поэтому
// вероятность выбора каждого равна weight/total независимо от позиции.
// Кандидаты с нулевым весом должны быть отфильтрованы до вызова.
func (p *Picker) Pick(candidates []Candidate) (int64, error) {
	if len(candidates) == 0 {
		return 0, ErrNoCandidates
	}

	var total int64
	for _, c := range candidates {
		if c.Weight <= 0 {
			return 0, ErrInvalidWeight
		}
		total += c.Weight
	}

	r := p.int64n(total)

	var running int64
	for _, c := range candidates {
		running += c.Weight
		if running > r {
			return c.ProductID, nil
		}
	}

	// Недостижимо: running доходит до total, а r строго меньше total.
	return 0, ErrNoCandidates
}
