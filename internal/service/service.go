// Package service реализует бизнес-логику сервиса мистери-боксов.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/mysterybox-system/internal/draw"
	"github.com/mmeshcher/mysterybox-system/internal/model"
	"github.com/mmeshcher/mysterybox-system/internal/payment"
	"github.com/mmeshcher/mysterybox-system/internal/repository"
)

// ErrNothingToDraw возвращается, если в боксе нет ни одного товара с остатком
// либо исчерпан бюджет повторов при конкурентных покупках.
var ErrNothingToDraw = errors.New("nothing to draw from the box")

// ErrNotSuperuser возвращается при обращении к административной операции без прав.
var ErrNotSuperuser = errors.New("user is not a superuser")

// purchaseAttempts ограничивает число повторов розыгрыша при проигранной
// гонке за последний экземпляр товара.
const purchaseAttempts = 3

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
	IsSuperuser(ctx context.Context, userID int64) (bool, error)
	GetBoxPrice(ctx context.Context, boxID int64) (int64, error)
	InStockProducts(ctx context.Context, boxID int64) ([]repository.StockedProduct, error)
	AllocatePurchase(ctx context.Context, userID, boxID, productID, price int64) (*model.Order, error)
	OrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	AllOrders(ctx context.Context) ([]model.Order, error)
	OwnedProducts(ctx context.Context, userID int64) ([]model.Product, error)
	Listings(ctx context.Context) ([]model.Listing, error)
	CreateTopUp(ctx context.Context, userID, amount int64) (int64, error)
	PendingTopUps(ctx context.Context, limit int) ([]model.TopUp, error)
	ResolveTopUp(ctx context.Context, topUpID int64, status model.TopUpStatus) error
}

// Service содержит бизнес-логику сервиса мистери-боксов.
type Service struct {
	repo          Repository
	picker        *draw.Picker
	paymentClient *payment.Client
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом платёжной системы.
func NewService(repo Repository, paymentClient *payment.Client) *Service {
	return &Service{
		repo:          repo,
		picker:        draw.New(),
		paymentClient: paymentClient,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// Purchase выполняет покупку одного товара из бокса: проверяет
// платёжеспособность, разыгрывает товар пропорционально остаткам и атомарно
// фиксирует списание баллов, уменьшение остатка и запись заказа.
//
// Снимок остатков служит только для выбора кандидата. Если между снимком и
// фиксацией другой запрос успел исчерпать выбранный товар, розыгрыш
// повторяется по свежему снимку; после purchaseAttempts неудач возвращается
// ErrNothingToDraw. Нехватка баллов и инфраструктурные ошибки не ретраятся.
func (s *Service) Purchase(ctx context.Context, userID, boxID int64) (*model.Order, error) {
	price, err := s.repo.GetBoxPrice(ctx, boxID)
	if err != nil {
		return nil, err
	}

	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < price {
		return nil, repository.ErrInsufficientPoints
	}

	var order *model.Order
	backoff := retry.WithMaxRetries(purchaseAttempts-1, retry.NewConstant(10*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		snapshot, err := s.repo.InStockProducts(ctx, boxID)
		if err != nil {
			return err
		}
		if len(snapshot) == 0 {
			return ErrNothingToDraw
		}

		candidates := make([]draw.Candidate, 0, len(snapshot))
		for _, p := range snapshot {
			candidates = append(candidates, draw.Candidate{
				ProductID: p.ProductID,
				Weight:    p.Remaining,
			})
		}

		productID, err := s.picker.Pick(candidates)
		if err != nil {
			return err
		}

		order, err = s.repo.AllocatePurchase(ctx, userID, boxID, productID, price)
		if errors.Is(err, repository.ErrStockExhausted) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, repository.ErrStockExhausted) {
			return nil, ErrNothingToDraw
		}
		return nil, err
	}

	return order, nil
}

// GetBalance возвращает баланс пользователя в виде структуры model.Balance.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	points, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{Points: points}, nil
}

// GetOrdersByUser возвращает список заказов пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.OrdersByUser(ctx, userID)
}

// GetAllOrders возвращает все заказы журнала. Доступно только суперпользователям.
func (s *Service) GetAllOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	isSuperuser, err := s.repo.IsSuperuser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !isSuperuser {
		return nil, ErrNotSuperuser
	}
	return s.repo.AllOrders(ctx)
}

// GetOwnedProducts возвращает товары, выигранные пользователем.
func (s *Service) GetOwnedProducts(ctx context.Context, userID int64) ([]model.Product, error) {
	return s.repo.OwnedProducts(ctx, userID)
}

// GetListings возвращает витрину каталога.
func (s *Service) GetListings(ctx context.Context) ([]model.Listing, error) {
	return s.repo.Listings(ctx)
}

// RequestTopUp регистрирует заявку на пополнение баланса. Баллы зачисляются
// фоновым процессом после подтверждения оплаты платёжной системой.
func (s *Service) RequestTopUp(ctx context.Context, userID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, errors.New("topup amount must be positive")
	}
	return s.repo.CreateTopUp(ctx, userID, amount)
}

// StartTopUpUpdates запускает фоновый процесс применения подтверждённых пополнений.
func (s *Service) StartTopUpUpdates(ctx context.Context) {
	if s.paymentClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processTopUpBatch(ctx)
			}
		}
	}()
}

func (s *Service) processTopUpBatch(ctx context.Context) {
	topups, err := s.repo.PendingTopUps(ctx, 100)
	if err != nil {
		return
	}

	for _, t := range topups {
		resp, statusCode, retryAfter, err := s.paymentClient.GetTopUpStatus(ctx, t.ID)
		if err != nil {
			continue
		}

		if statusCode == 429 {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if resp == nil {
			continue
		}

		var status model.TopUpStatus
		switch resp.Status {
		case payment.StatusSucceeded:
			status = model.TopUpStatusApplied
		case payment.StatusFailed:
			status = model.TopUpStatusFailed
		default:
			continue
		}

		_ = s.repo.ResolveTopUp(ctx, t.ID, status)
	}
}
