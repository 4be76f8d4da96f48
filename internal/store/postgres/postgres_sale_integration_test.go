package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/petfriendzone23-source/caixa-pet-shop/internal/domain"
	"github.com/petfriendzone23-source/caixa-pet-shop/internal/store"
)

func TestSaleCycleCommitsAndRestoresStock(t *testing.T) {
	databaseURL := os.Getenv("CAIXA_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set CAIXA_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prd-it-%d", stamp)
	code := fmt.Sprintf("IT-%d", stamp)
	methodID := fmt.Sprintf("pay-it-%d", stamp)

	var saleID string
	t.Cleanup(func() {
		if saleID != "" {
			_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, saleID)
		}
		_, _ = s.db.ExecContext(ctx, `DELETE FROM payment_methods WHERE id = $1`, methodID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, code, name, category, subgroup, cost_price_cents, price_cents, stock, unit_type, color, created_at, updated_at)
		VALUES ($1, $2, 'Ração Integração (Granel)', 'Ração', null, 1200, 1850, 10, 'kg', null, now(), now())
	`, productID, code); err != nil {
		t.Fatalf("insert product: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_methods (id, name, icon, fee_percent)
		VALUES ($1, 'Dinheiro IT', '💵', 0)
	`, methodID); err != nil {
		t.Fatalf("insert payment method: %v", err)
	}

	committed, err := s.CommitSale(ctx, domain.Sale{
		Items: []domain.SaleItem{
			{
				ProductID:      productID,
				Code:           code,
				Name:           "Ração Integração (Granel)",
				Category:       "Ração",
				UnitType:       domain.UnitWeight,
				CostPriceCents: 1200,
				PriceCents:     1850,
				Quantity:       2,
			},
		},
		TotalCents:  3700,
		ChangeCents: 300,
		Payments: []domain.PaymentEntry{
			{MethodID: methodID, MethodName: "Dinheiro IT", AmountCents: 4000, FeeCents: 0},
		},
	})
	if err != nil {
		t.Fatalf("commit sale: %v", err)
	}
	saleID = committed.ID
	if len(saleID) != 6 {
		t.Fatalf("expected six-digit sale id, got %q", saleID)
	}

	product, err := s.GetProductByID(ctx, productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if math.Abs(product.Stock-8) > 1e-6 {
		t.Fatalf("expected stock 8 after sale, got %f", product.Stock)
	}

	fetched, err := s.GetSaleByID(ctx, saleID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if fetched.TotalCents != 3700 || len(fetched.Items) != 1 || len(fetched.Payments) != 1 {
		t.Fatalf("unexpected persisted sale %+v", fetched)
	}

	if _, err := s.CancelSale(ctx, saleID, time.Now().UTC()); err != nil {
		t.Fatalf("cancel sale: %v", err)
	}

	product, err = s.GetProductByID(ctx, productID)
	if err != nil {
		t.Fatalf("get product after cancel: %v", err)
	}
	if math.Abs(product.Stock-10) > 1e-6 {
		t.Fatalf("expected stock restored to 10, got %f", product.Stock)
	}

	if _, err := s.GetSaleByID(ctx, saleID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected cancelled sale to be gone, got %v", err)
	}
	saleID = ""
}
