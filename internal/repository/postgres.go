// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/mysterybox-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrBoxNotFound возвращается, если бокс не найден.
	ErrBoxNotFound = errors.New("box not found")
	// ErrInsufficientPoints возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientPoints = errors.New("insufficient points")
	// ErrStockExhausted возвращается, если остаток товара уже исчерпан.
	// Сигнал для движка покупок о проигранной гонке, наружу не отдаётся.
	ErrStockExhausted = errors.New("product stock exhausted")
	// ErrTopUpNotPending возвращается при попытке повторно применить пополнение.
	ErrTopUpNotPending = errors.New("topup is not pending")
)

// StockedProduct описывает товар с положительным остатком в снимке бокса.
type StockedProduct struct {
	ProductID int64
	Remaining int64
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с нулевым балансом.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, points, is_superuser, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.Points, &u.IsSuperuser, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetBalance возвращает текущий баланс пользователя в баллах.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var points int64
	err := r.pool.QueryRow(ctx,
		`SELECT points FROM users WHERE id = $1`,
		userID,
	).Scan(&points)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return points, nil
}

// IsSuperuser сообщает, обладает ли пользователь административными правами.
func (r *PostgresRepository) IsSuperuser(ctx context.Context, userID int64) (bool, error) {
	var isSuperuser bool
	err := r.pool.QueryRow(ctx,
		`SELECT is_superuser FROM users WHERE id = $1`,
		userID,
	).Scan(&isSuperuser)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrUserNotFound
		}
		return false, fmt.Errorf("get superuser flag: %w", err)
	}
	return isSuperuser, nil
}

// GetBoxPrice возвращает цену открытия бокса в баллах.
func (r *PostgresRepository) GetBoxPrice(ctx context.Context, boxID int64) (int64, error) {
	var price int64
	err := r.pool.QueryRow(ctx,
		`SELECT price FROM boxes WHERE id = $1`,
		boxID,
	).Scan(&price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrBoxNotFound
		}
		return 0, fmt.Errorf("get box price: %w", err)
	}
	return price, nil
}

// InStockProducts возвращает снимок товаров бокса с положительным остатком,
// упорядоченный по идентификатору. Снимок используется только для выбора
// кандидата; гарантию от перепродажи даёт условное обновление в AllocatePurchase.
func (r *PostgresRepository) InStockProducts(ctx context.Context, boxID int64) ([]StockedProduct, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, remaining
		 FROM products
		 WHERE box_id = $1 AND remaining > 0
		 ORDER BY id`,
		boxID,
	)
	if err != nil {
		return nil, fmt.Errorf("select in-stock products: %w", err)
	}
	defer rows.Close()

	var res []StockedProduct
	for rows.Next() {
		var p StockedProduct
		if err := rows.Scan(&p.ProductID, &p.Remaining); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// AllocatePurchase атомарно выполняет покупку: списывает баллы, уменьшает
// остаток выбранного товара, помечает товар распроданным при нулевом остатке
// и записывает заказ. Все изменения применяются в одной транзакции: либо все,
// либо ни одного.
//
// Проверки платёжеспособности и наличия остатка выполняются условными
// однострочными обновлениями с контролем числа затронутых строк, поэтому два
// конкурентных вызова не могут увести остаток или баланс в минус независимо
// от того, что видел снимок вызывающей стороны.
func (r *PostgresRepository) AllocatePurchase(ctx context.Context, userID, boxID, productID, price int64) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`UPDATE users SET points = points - $2 WHERE id = $1 AND points >= $2`,
		userID, price,
	)
	if err != nil {
		return nil, fmt.Errorf("debit points: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return nil, ErrInsufficientPoints
	}

	var (
		remaining int64
		title     string
	)
	err = tx.QueryRow(ctx,
		`UPDATE products
		 SET remaining = remaining - 1
		 WHERE id = $1 AND box_id = $2 AND remaining > 0
		 RETURNING remaining, title`,
		productID, boxID,
	).Scan(&remaining, &title)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStockExhausted
		}
		return nil, fmt.Errorf("decrement stock: %w", err)
	}

	if remaining == 0 {
		_, err = tx.Exec(ctx,
			`UPDATE products SET sold_out = TRUE WHERE id = $1 AND remaining = 0`,
			productID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark sold out: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO owned_products (user_id, product_id) VALUES ($1, $2)`,
		userID, productID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert owned product: %w", err)
	}

	order := model.Order{
		UserID:       userID,
		BoxID:        boxID,
		ProductID:    productID,
		ProductTitle: title,
		Status:       model.OrderStatusPending,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO orders (user_id, box_id, product_id, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		userID, boxID, productID, string(order.Status),
	).Scan(&order.ID, &order.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &order, nil
}

// OrdersByUser возвращает заказы пользователя, новые первыми.
func (r *PostgresRepository) OrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT o.id, o.user_id, o.box_id, o.product_id, p.title, o.status, o.created_at
		 FROM orders o
		 JOIN products p ON p.id = o.product_id
		 WHERE o.user_id = $1
		 ORDER BY o.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// AllOrders возвращает все заказы журнала для административной отчётности.
func (r *PostgresRepository) AllOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT o.id, o.user_id, o.box_id, o.product_id, p.title, o.status, o.created_at
		 FROM orders o
		 JOIN products p ON p.id = o.product_id
		 ORDER BY o.created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select all orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var res []model.Order
	for rows.Next() {
		var (
			o      model.Order
			status string
		)
		if err := rows.Scan(&o.ID, &o.UserID, &o.BoxID, &o.ProductID, &o.ProductTitle, &status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Status = model.OrderStatus(status)
		res = append(res, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// OwnedProducts возвращает товары, выигранные пользователем.
func (r *PostgresRepository) OwnedProducts(ctx context.Context, userID int64) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT p.id, p.box_id, p.title, p.description, p.remaining, p.initial, p.sold_out
		 FROM owned_products op
		 JOIN products p ON p.id = op.product_id
		 WHERE op.user_id = $1
		 ORDER BY op.bought_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select owned products: %w", err)
	}
	defer rows.Close()

	var res []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.BoxID, &p.Title, &p.Description, &p.Remaining, &p.Initial, &p.SoldOut); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// Listings возвращает витрину каталога: позиции с боксами и их товарами.
func (r *PostgresRepository) Listings(ctx context.Context) ([]model.Listing, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, description FROM listings ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select listings: %w", err)
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		var l model.Listing
		if err := rows.Scan(&l.ID, &l.Title, &l.Description); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for i := range listings {
		boxes, err := r.boxesOfListing(ctx, listings[i].ID)
		if err != nil {
			return nil, err
		}
		listings[i].Boxes = boxes
		listings[i].BoxCount = len(boxes)
	}

	return listings, nil
}

func (r *PostgresRepository) boxesOfListing(ctx context.Context, listingID int64) ([]model.Box, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, listing_id, price FROM boxes WHERE listing_id = $1 ORDER BY id`,
		listingID,
	)
	if err != nil {
		return nil, fmt.Errorf("select boxes: %w", err)
	}
	defer rows.Close()

	var boxes []model.Box
	for rows.Next() {
		var b model.Box
		if err := rows.Scan(&b.ID, &b.ListingID, &b.Price); err != nil {
			return nil, fmt.Errorf("scan box: %w", err)
		}
		boxes = append(boxes, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for i := range boxes {
		products, err := r.productsOfBox(ctx, boxes[i].ID)
		if err != nil {
			return nil, err
		}
		boxes[i].Products = products
		boxes[i].Total = int64(len(products))
		for _, p := range products {
			if !p.SoldOut {
				boxes[i].Available++
			}
		}
	}

	return boxes, nil
}

func (r *PostgresRepository) productsOfBox(ctx context.Context, boxID int64) ([]model.Product, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, box_id, title, description, remaining, initial, sold_out
		 FROM products
		 WHERE box_id = $1
		 ORDER BY id`,
		boxID,
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var res []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.BoxID, &p.Title, &p.Description, &p.Remaining, &p.Initial, &p.SoldOut); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateTopUp регистрирует заявку на пополнение баланса в статусе PENDING.
func (r *PostgresRepository) CreateTopUp(ctx context.Context, userID, amount int64) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO topups (user_id, amount) VALUES ($1, $2) RETURNING id`,
		userID, amount,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create topup: %w", err)
	}
	return id, nil
}

// PendingTopUps возвращает заявки на пополнение, ожидающие подтверждения оплаты.
func (r *PostgresRepository) PendingTopUps(ctx context.Context, limit int) ([]model.TopUp, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, amount, status, created_at
		 FROM topups
		 WHERE status = $1
		 ORDER BY created_at
		 LIMIT $2`,
		string(model.TopUpStatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending topups: %w", err)
	}
	defer rows.Close()

	var res []model.TopUp
	for rows.Next() {
		var (
			t      model.TopUp
			status string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan topup: %w", err)
		}
		t.Status = model.TopUpStatus(status)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ResolveTopUp завершает заявку на пополнение. Успешная заявка зачисляет
// баллы пользователю в той же транзакции. Повторное применение блокируется
// условным обновлением статуса, поэтому операция идемпотентна.
func (r *PostgresRepository) ResolveTopUp(ctx context.Context, topUpID int64, status model.TopUpStatus) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		userID int64
		amount int64
	)
	err = tx.QueryRow(ctx,
		`UPDATE topups SET status = $2
		 WHERE id = $1 AND status = $3
		 RETURNING user_id, amount`,
		topUpID, string(status), string(model.TopUpStatusPending),
	).Scan(&userID, &amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTopUpNotPending
		}
		return fmt.Errorf("resolve topup: %w", err)
	}

	if status == model.TopUpStatusApplied {
		_, err = tx.Exec(ctx,
			`UPDATE users SET points = points + $2 WHERE id = $1`,
			userID, amount,
		)
		if err != nil {
			return fmt.Errorf("credit points: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}
