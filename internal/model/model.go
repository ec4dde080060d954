// Package model содержит доменные сущности сервиса мистери-боксов.
package model

import "time"

// User представляет зарегистрированного пользователя магазина.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Points       int64
	IsSuperuser  bool
	CreatedAt    time.Time
}

// OrderStatus описывает статус заказа в журнале покупок.
type OrderStatus string

const (
	// OrderStatusPending присваивается заказу в момент покупки.
	// Дальнейшие переходы статуса выполняет внешняя система фулфилмента.
	OrderStatusPending OrderStatus = "PENDING"
)

// Order описывает факт покупки: один заказ на одно успешное открытие бокса.
// Запись создаётся один раз и ядром никогда не изменяется.
type Order struct {
	ID           int64
	UserID       int64
	BoxID        int64
	ProductID    int64
	ProductTitle string
	Status       OrderStatus
	CreatedAt    time.Time
}

// Product описывает товар внутри бокса с конечным остатком.
type Product struct {
	ID          int64  `json:"id"`
	BoxID       int64  `json:"box_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Remaining   int64  `json:"remaining"`
	Initial     int64  `json:"initial"`
	SoldOut     bool   `json:"sold_out"`
}

// Box группирует пул товаров и задаёт цену одного открытия в баллах.
type Box struct {
	ID        int64     `json:"id"`
	ListingID int64     `json:"listing_id"`
	Price     int64     `json:"price"`
	Total     int64     `json:"total"`
	Available int64     `json:"available"`
	Products  []Product `json:"products"`
}

// Listing объединяет боксы в витринную позицию каталога.
type Listing struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	BoxCount    int    `json:"box_count"`
	Boxes       []Box  `json:"boxes"`
}

// Balance содержит текущий баланс пользователя в баллах.
type Balance struct {
	Points int64 `json:"points"`
}

// TopUpStatus описывает состояние заявки на пополнение баланса.
type TopUpStatus string

const (
	TopUpStatusPending TopUpStatus = "PENDING"
	TopUpStatusApplied TopUpStatus = "APPLIED"
	TopUpStatusFailed  TopUpStatus = "FAILED"
)

// TopUp описывает заявку на пополнение баллов через внешнюю платёжную систему.
type TopUp struct {
	ID        int64
	UserID    int64
	Amount    int64
	Status    TopUpStatus
	CreatedAt time.Time
}
