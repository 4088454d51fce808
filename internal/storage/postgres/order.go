package postgres

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/soda-storefront/internal/domain/apperr"
	"github.com/xenking/soda-storefront/internal/domain/order"
)

const (
	orderColumns = `o.id, o.user_id, o.branch_id, COALESCE(b.name, ''), o.items, o.total_amount, o.payment_status,
		o.receipt_number, COALESCE(o.checkout_request_id, ''), o.phone_number, o.failure_reason, o.created_at, o.updated_at`

	selectOrderSQL = `SELECT ` + orderColumns + ` FROM orders o LEFT JOIN branches b ON b.id = o.branch_id`

	getOrderByIDSQL       = selectOrderSQL + ` WHERE o.id = $1`
	getOrderByCheckoutSQL = selectOrderSQL + ` WHERE o.checkout_request_id = $1`
	listOrdersSQL         = selectOrderSQL + ` WHERE ($1 = '' OR o.user_id = $1) ORDER BY o.created_at DESC`

	lockStockSQL = `SELECT quantity FROM inventory WHERE product_id = $1 AND branch_id = $2 FOR UPDATE`

	activeHoldsSQL = `SELECT COALESCE(SUM(h.quantity), 0)
		FROM stock_holds h
		JOIN orders o ON o.id = h.order_id
		WHERE h.product_id = $1 AND h.branch_id = $2 AND h.expires_at > now() AND o.payment_status = 'pending'`

	insertOrderSQL = `INSERT INTO orders (id, user_id, branch_id, items, total_amount, payment_status, phone_number,
		created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	insertHoldSQL = `INSERT INTO stock_holds (order_id, product_id, branch_id, quantity, expires_at)
		VALUES ($1, $2, $3, $4, $5)`

	attachCheckoutSQL = `UPDATE orders SET checkout_request_id = $2, updated_at = $3 WHERE id = $1`

	markFailedSQL = `UPDATE orders SET payment_status = 'failed', failure_reason = $2, updated_at = $3
		WHERE id = $1 AND payment_status = 'pending'`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`

	releaseHoldsSQL = `DELETE FROM stock_holds WHERE order_id = $1`

	lockOrderSQL = `SELECT payment_status FROM orders WHERE id = $1 FOR UPDATE`

	decrementSQL = `UPDATE inventory SET quantity = quantity - $3, updated_at = $4 WHERE product_id = $1 AND branch_id = $2`

	completeOrderSQL = `UPDATE orders SET payment_status = 'completed', receipt_number = $2, failure_reason = '',
		updated_at = $3 WHERE id = $1`

	insertTransactionSQL = `INSERT INTO transactions (id, order_id, receipt_number, phone_number, amount,
		checkout_request_id, status, source, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_id) DO NOTHING`

	getTransactionSQL = `SELECT id, order_id, receipt_number, phone_number, amount, checkout_request_id, status, source,
		created_at FROM transactions WHERE order_id = $1`

	productHasOrdersSQL = `SELECT EXISTS (
		SELECT 1 FROM orders WHERE items @> jsonb_build_array(jsonb_build_object('product_id', $1::text)))`

	branchHasOrdersSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE branch_id = $1)`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. Intake
// and settlement run in transactions that lock the affected inventory rows.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order and its stock holds. The order items are
// serialized to JSON for storage in the JSONB column.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order, holdUntil time.Time) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return errors.Wrap(err, "marshal order items")
	}

	// Lock rows in a stable order so concurrent intakes cannot deadlock.
	items := slices.Clone(o.Items)
	slices.SortFunc(items, func(a, b order.Item) int { return strings.Compare(a.ProductID, b.ProductID) })

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, it := range items {
			var quantity int
			err := tx.QueryRow(ctx, lockStockSQL, it.ProductID, o.BranchID).Scan(&quantity)
			if errors.Is(err, pgx.ErrNoRows) {
				return insufficient(it, o.BranchID, 0)
			}
			if err != nil {
				return errors.Wrapf(err, "lock inventory %q", it.ProductID)
			}

			var held int
			if err := tx.QueryRow(ctx, activeHoldsSQL, it.ProductID, o.BranchID).Scan(&held); err != nil {
				return errors.Wrapf(err, "sum holds %q", it.ProductID)
			}
			if available := max(quantity-held, 0); available < it.Quantity {
				return insufficient(it, o.BranchID, available)
			}
		}

		_, err := tx.Exec(ctx, insertOrderSQL,
			o.ID, o.UserID, o.BranchID, itemsJSON, o.TotalAmount, string(o.PaymentStatus), o.PhoneNumber,
			o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			return errors.Wrapf(err, "insert order %q", o.ID)
		}
		for _, it := range items {
			if _, err := tx.Exec(ctx, insertHoldSQL, o.ID, it.ProductID, o.BranchID, it.Quantity, holdUntil); err != nil {
				return errors.Wrapf(err, "insert hold %q", it.ProductID)
			}
		}
		return nil
	})
}

func insufficient(it order.Item, branchID string, available int) error {
	return &apperr.InsufficientStockError{
		ProductID:   it.ProductID,
		ProductName: it.ProductName,
		BranchID:    branchID,
		Requested:   it.Quantity,
		Available:   available,
	}
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	return getOrder(ctx, r.pool, getOrderByIDSQL, id, "order")
}

func (r *OrderRepository) GetByCheckoutID(ctx context.Context, checkoutRequestID string) (*order.Order, error) {
	return getOrder(ctx, r.pool, getOrderByCheckoutSQL, checkoutRequestID, "order with checkout request")
}

func getOrder(ctx context.Context, q querier, sql, key, entity string) (*order.Order, error) {
	rows, err := q.Query(ctx, sql, key)
	if err != nil {
		return nil, errors.Wrap(err, "query order")
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound(entity, key)
		}
		return nil, errors.Wrap(err, "scan order")
	}
	return &o, nil
}

// List returns orders newest first, optionally restricted to one user.
func (r *OrderRepository) List(ctx context.Context, f order.ListFilter) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listOrdersSQL, f.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return pgx.CollectRows(rows, scanOrder)
}

func (r *OrderRepository) AttachCheckout(ctx context.Context, id, checkoutRequestID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, attachCheckoutSQL, id, checkoutRequestID, at)
	if err != nil {
		return errors.Wrapf(err, "attach checkout to order %q", id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("order", id)
	}
	return nil
}

func (r *OrderRepository) MarkFailed(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	var changed bool
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, markFailedSQL, id, reason, at)
		if err != nil {
			return errors.Wrapf(err, "mark order %q failed", id)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, orderExistsSQL, id).Scan(&exists); err != nil {
				return errors.Wrap(err, "check order")
			}
			if !exists {
				return apperr.NotFound("order", id)
			}
			return nil
		}
		changed = true
		if _, err := tx.Exec(ctx, releaseHoldsSQL, id); err != nil {
			return errors.Wrap(err, "release holds")
		}
		return nil
	})
	return changed, err
}

// Settle completes an order in one transaction. The order row lock makes a
// concurrent second settlement observe the completed status and come back
// Skipped instead of decrementing again.
func (r *OrderRepository) Settle(ctx context.Context, st order.Settlement) (*order.SettleResult, error) {
	var res order.SettleResult
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, lockOrderSQL, st.OrderID).Scan(&status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.NotFound("order", st.OrderID)
			}
			return errors.Wrap(err, "lock order")
		}

		o, err := getOrder(ctx, tx, getOrderByIDSQL, st.OrderID, "order")
		if err != nil {
			return err
		}
		if current := order.Status(status); !st.Source.Settles(current) {
			res = order.SettleResult{
				Order:            o,
				Skipped:          true,
				AlreadyCompleted: current == order.StatusCompleted,
			}
			return nil
		}

		items := slices.Clone(o.Items)
		slices.SortFunc(items, func(a, b order.Item) int { return strings.Compare(a.ProductID, b.ProductID) })
		adjustments := make([]order.StockAdjustment, 0, len(items))
		for _, it := range items {
			adj := order.StockAdjustment{ProductID: it.ProductID, BranchID: o.BranchID, Requested: it.Quantity}
			var quantity int
			err := tx.QueryRow(ctx, lockStockSQL, it.ProductID, o.BranchID).Scan(&quantity)
			switch {
			case errors.Is(err, pgx.ErrNoRows):
				adj.Missing = true
			case err != nil:
				return errors.Wrapf(err, "lock inventory %q", it.ProductID)
			default:
				adj.Applied = min(quantity, it.Quantity)
				if _, err := tx.Exec(ctx, decrementSQL, it.ProductID, o.BranchID, adj.Applied, st.At); err != nil {
					return errors.Wrapf(err, "decrement inventory %q", it.ProductID)
				}
			}
			adjustments = append(adjustments, adj)
		}

		if _, err := tx.Exec(ctx, completeOrderSQL, o.ID, st.ReceiptNumber, st.At); err != nil {
			return errors.Wrap(err, "complete order")
		}
		if _, err := tx.Exec(ctx, releaseHoldsSQL, o.ID); err != nil {
			return errors.Wrap(err, "release holds")
		}
		_, err = tx.Exec(ctx, insertTransactionSQL,
			uuid.New().String(), o.ID, st.ReceiptNumber, st.PhoneNumber, st.Amount,
			st.CheckoutRequestID, order.TransactionSuccess, string(st.Source), st.At,
		)
		if err != nil {
			return errors.Wrap(err, "insert transaction")
		}

		var (
			t      order.Transaction
			source string
		)
		err = tx.QueryRow(ctx, getTransactionSQL, o.ID).Scan(
			&t.ID, &t.OrderID, &t.ReceiptNumber, &t.PhoneNumber, &t.Amount,
			&t.CheckoutRequestID, &t.Status, &source, &t.CreatedAt,
		)
		if err != nil {
			return errors.Wrap(err, "read transaction")
		}
		t.Source = order.Source(source)

		o.PaymentStatus = order.StatusCompleted
		o.ReceiptNumber = st.ReceiptNumber
		o.FailureReason = ""
		o.UpdatedAt = st.At
		res = order.SettleResult{Order: o, Transaction: &t, Adjustments: adjustments}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *OrderRepository) ProductHasOrders(ctx context.Context, productID string) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, productHasOrdersSQL, productID).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "check product orders")
	}
	return exists, nil
}

func (r *OrderRepository) BranchHasOrders(ctx context.Context, branchID string) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, branchHasOrdersSQL, branchID).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "check branch orders")
	}
	return exists, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		items  []byte
		total  decimal.Decimal
		status string
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.BranchID, &o.BranchName, &items, &total, &status,
		&o.ReceiptNumber, &o.CheckoutRequestID, &o.PhoneNumber, &o.FailureReason, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return o, errors.Wrap(err, "unmarshal order items")
	}
	o.TotalAmount = total
	o.PaymentStatus = order.Status(status)
	return o, nil
}
