package service

import (
	"context"
	"encoding/base64"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/petfriendzone23-source/caixa-pet-shop/internal/cache"
	"github.com/petfriendzone23-source/caixa-pet-shop/internal/domain"
	"github.com/petfriendzone23-source/caixa-pet-shop/internal/store"
	"github.com/petfriendzone23-source/caixa-pet-shop/internal/store/memory"
)

func newTestService() *Service {
	repo := memory.NewSeeded()
	return New(repo, cache.NoopReportCache{}, 5*time.Second)
}

func adminContext() context.Context {
	return WithActor(context.Background(), domain.Actor{
		Username: "admin",
		Role:     "admin",
	})
}

func operatorContext() context.Context {
	return WithActor(context.Background(), domain.Actor{
		Username: "caixa1",
		Role:     "operator",
	})
}

func TestFinalizeSaleWeighedProduct(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext()

	resp, err := svc.FinalizeSale(ctx, domain.SaleRequest{
		Items: []domain.SaleLineRequest{
			{ProductID: "1", Quantity: 2},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "p1", AmountCents: 4000},
		},
	})
	if err != nil {
		t.Fatalf("finalize sale failed: %v", err)
	}
	if resp.Sale.ID != "000001" {
		t.Fatalf("expected first sale id 000001, got %s", resp.Sale.ID)
	}
	if resp.Sale.TotalCents != 3700 {
		t.Fatalf("expected total 3700, got %d", resp.Sale.TotalCents)
	}
	if resp.Sale.ChangeCents != 300 {
		t.Fatalf("expected change 300, got %d", resp.Sale.ChangeCents)
	}

	product, err := svc.GetProduct(ctx, "1")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if math.Abs(product.Stock-48) > 1e-9 {
		t.Fatalf("expected stock 48 after sale, got %f", product.Stock)
	}
}

func TestFinalizeSaleAssignsSequentialIDs(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext()

	req := domain.SaleRequest{
		Items: []domain.SaleLineRequest{
			{ProductID: "5", Quantity: 1},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "p1", AmountCents: 3500},
		},
	}

	first, err := svc.FinalizeSale(ctx, req)
	if err != nil {
		t.Fatalf("first sale failed: %v", err)
	}
	second, err := svc.FinalizeSale(ctx, req)
	if err != nil {
		t.Fatalf("second sale failed: %v", err)
	}
	if first.Sale.ID != "000001" || second.Sale.ID != "000002" {
		t.Fatalf("expected sequential ids 000001/000002, got %s/%s", first.Sale.ID, second.Sale.ID)
	}
}

func TestFinalizeSaleLinePriceOverride(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext()

	resp, err := svc.FinalizeSale(ctx, domain.SaleRequest{
		Items: []domain.SaleLineRequest{
			{ProductID: "5", Quantity: 2, PriceCents: 3000},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "p1", AmountCents: 6000},
		},
	})
	if err != nil {
		t.Fatalf("finalize sale failed: %v", err)
	}
	if resp.Sale.TotalCents != 6000 {
		t.Fatalf("expected total 6000 with overridden price, got %d", resp.Sale.TotalCents)
	}
	if resp.Sale.Items[0].PriceCents != 3000 {
		t.Fatalf("expected line price 3000, got %d", resp.Sale.Items[0].PriceCents)
	}

	_, err = svc.FinalizeSale(ctx, domain.SaleRequest{
		Items: []domain.SaleLineRequest{
			{ProductID: "5", Quantity: 1, PriceCents: -100},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "p1", AmountCents: 3500},
		},
	})
	if !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected invalid sale for negative price override, got %v", err)
	}
}

func TestListSalesSearch(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext()

	customer, err := svc.SaveCustomer(ctx, domain.Customer{Name: "Maria Silva", Phone: "11999998888"})
	if err != nil {
		t.Fatalf("save customer failed: %v", err)
	}

	if _, err := svc.FinalizeSale(ctx, domain.SaleRequest{
		Items:      []domain.SaleLineRequest{{ProductID: "5", Quantity: 1}},
		Payments:   []domain.SalePaymentRequest{{MethodID: "p1", AmountCents: 3500}},
		CustomerID: customer.ID,
	}); err != nil {
		t.Fatalf("first sale failed: %v", err)
	}
	if _, err := svc.FinalizeSale(ctx, domain.SaleRequest{
		Items:    []domain.SaleLineRequest{{ProductID: "6", Quantity: 1}},
		Payments: []domain.SalePaymentRequest{{MethodID: "p1", AmountCents: 3200}},
	}); err != nil {
		t.Fatalf("second sale failed: %v", err)
	}

	byName, err := svc.ListSales(ctx, "", "", "maria")
	if err != nil {
		t.Fatalf("list sales by customer failed: %v", err)
	}
	if len(byName.Sales) != 1 || byName.Sales[0].ID != "000001" {
		t.Fatalf("expected only sale 000001 for customer search, got %+v", byName.Sales)
	}

	byID, err := svc.ListSales(ctx, "", "", "000002")
	if err != nil {
		t.Fatalf("list sales by id failed: %v", err)
	}
	if len(byID.Sales) != 1 || byID.Sales[0].ID != "000002" {
		t.Fatalf("expected only sale 000002 for id search, got %+v", byID.Sales)
	}

	all, err := svc.ListSales(ctx, "", "", "")
	if err != nil {
		t.Fatalf("list sales failed: %v", err)
	}
	if len(all.Sales) != 2 {
		t.Fatalf("expected 2 sales without search, got %d", len(all.Sales))
	}
}

func TestSaveCustomerRequiresNameAndPhone(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext()

	if _, err := svc.SaveCustomer(ctx, domain.Customer{Name: "Maria Silva"}); !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected invalid customer without phone, got %v", err)
	}
	if _, err := svc.SaveCustomer(ctx, domain.Customer{Phone: "11999998888"}); !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected invalid customer without name, got %v", err)
	}
}

func TestSaveCustomerKeepsDocument(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext()

	customer, err := svc.SaveCustomer(ctx, domain.Customer{
		Name:     "Maria Silva",
		Phone:    "11999998888",
		Document: "123.456.789-00",
	})
	if err != nil {
		t.Fatalf("save customer failed: %v", err)
	}
	if customer.Document != "123.456.789-00" {
		t.Fatalf("expected document persisted, got %q", customer.Document)
	}

	backup, err := svc.ExportBackup(adminContext())
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if err := svc.DeleteCustomer(ctx, customer.ID); err != nil {
		t.Fatalf("delete customer failed: %v", err)
	}
	if err := svc.ImportBackup(adminContext(), backup); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	restored, err := svc.ListCustomers(ctx)
	if err != nil {
		t.Fatalf("list customers failed: %v", err)
	}
	if len(restored) != 1 || restored[0].Document != "123.456.789-00" {
		t.Fatalf("expected restored customer with document, got %+v", restored)
	}
}

func TestFinalizeSaleRejectsInsufficientStock(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext()

	_, err := svc.FinalizeSale(ctx, domain.SaleRequest{
		Items: []domain.SaleLineRequest{
			{ProductID: "4", Quantity: 6},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "p1", AmountCents: 200000},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	product, err := svc.GetProduct(ctx, "4")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if math.Abs(product.Stock-5) > 1e-9 {
		t.Fatalf("expected stock unchanged at 5, got %f", product.Stock)
	}
}

func TestFinalizeSalePaymentTolerance(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext()

	short := domain.SaleRequest{
		Items: []domain.SaleLineRequest{
			{ProductID: "1", Quantity: 2},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "p1", AmountCents: 3600},
		},
	}
	if _, err := svc.FinalizeSale(ctx, short); !errors.Is(err, ErrInsufficientPayment) {
		t.Fatalf("expected ErrInsufficientPayment, got %v", err)
	}

	oneCentShort := domain.SaleRequest{
		Items: []domain.SaleLineRequest{
			{ProductID: "1", Quantity: 2},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "p4", AmountCents: 3699},
		},
	}
	resp, err := svc.FinalizeSale(ctx, oneCentShort)
	if err != nil {
		t.Fatalf("expected one cent short to be tolerated, got %v", err)
	}
	if resp.Sale.ChangeCents != 0 {
		t.Fatalf("expected no change on short tender, got %d", resp.Sale.ChangeCents)
	}
}

func TestServiceSaleLeavesStockUntouched(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext()

	_, err := svc.FinalizeSale(ctx, domain.SaleRequest{
		Items: []domain.SaleLineRequest{
			{ProductID: "s1", Quantity: 1},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "p4", AmountCents: 5000},
		},
	})
	if err != nil {
		t.Fatalf("service sale failed: %v", err)
	}

	product, err := svc.GetProduct(ctx, "s1")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if math.Abs(product.Stock-999) > 1e-9 {
		t.Fatalf("expected service stock untouched at 999, got %f", product.Stock)
	}
}

func TestFinalizeSaleRejectsFractionalUnitQuantity(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext()

	_, err := svc.FinalizeSale(ctx, domain.SaleRequest{
		Items: []domain.SaleLineRequest{
			{ProductID: "5", Quantity: 1.5},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "p1", AmountCents: 10000},
		},
	})
	if !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale for fractional unit quantity, got %v", err)
	}
}

func TestSplitPaymentCardFee(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext()

	resp, err := svc.FinalizeSale(ctx, domain.SaleRequest{
		Items: []domain.SaleLineRequest{
			{ProductID: "5", Quantity: 2},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "p1", AmountCents: 3500},
			{MethodID: "p3", AmountCents: 3500},
		},
	})
	if err != nil {
		t.Fatalf("finalize sale failed: %v", err)
	}
	if len(resp.Sale.Payments) != 2 {
		t.Fatalf("expected 2 payment entries, got %d", len(resp.Sale.Payments))
	}
	// 3.5% of 3500 is 122.5, rounded to 123.
	if resp.Sale.Payments[1].FeeCents != 123 {
		t.Fatalf("expected card fee 123, got %d", resp.Sale.Payments[1].FeeCents)
	}
	if resp.Sale.Payments[0].FeeCents != 0 {
		t.Fatalf("expected cash fee 0, got %d", resp.Sale.Payments[0].FeeCents)
	}
	if resp.Sale.FeeCents() != 123 {
		t.Fatalf("expected sale fee total 123, got %d", resp.Sale.FeeCents())
	}
}

func TestDeletedPaymentMethodFallsBack(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext()

	resp, err := svc.FinalizeSale(ctx, domain.SaleRequest{
		Items: []domain.SaleLineRequest{
			{ProductID: "5", Quantity: 1},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "gone", AmountCents: 3500},
		},
	})
	if err != nil {
		t.Fatalf("finalize sale failed: %v", err)
	}
	if resp.Sale.Payments[0].MethodName != domain.FallbackMethodName {
		t.Fatalf("expected fallback method name %q, got %q", domain.FallbackMethodName, resp.Sale.Payments[0].MethodName)
	}
	if resp.Sale.Payments[0].FeeCents != 0 {
		t.Fatalf("expected zero fee on fallback method, got %d", resp.Sale.Payments[0].FeeCents)
	}
}

func TestEditSaleCreditsPriorAllocation(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext()

	resp, err := svc.FinalizeSale(ctx, domain.SaleRequest{
		Items: []domain.SaleLineRequest{
			{ProductID: "4", Quantity: 5},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "p1", AmountCents: 107500},
		},
	})
	if err != nil {
		t.Fatalf("finalize sale failed: %v", err)
	}
	originalCreatedAt := resp.Sale.CreatedAt

	product, err := svc.GetProduct(ctx, "4")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if math.Abs(product.Stock) > 1e-9 {
		t.Fatalf("expected stock 0 after sale, got %f", product.Stock)
	}

	// Re-selling the same quantity must succeed because the prior
	// allocation is credited back before the availability check.
	edited, err := svc.EditSale(ctx, resp.Sale.ID, domain.SaleRequest{
		Items: []domain.SaleLineRequest{
			{ProductID: "4", Quantity: 5},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "p1", AmountCents: 107500},
		},
	})
	if err != nil {
		t.Fatalf("edit sale failed: %v", err)
	}
	if edited.Sale.ID != resp.Sale.ID {
		t.Fatalf("expected edit to keep id %s, got %s", resp.Sale.ID, edited.Sale.ID)
	}
	if !edited.Sale.CreatedAt.Equal(originalCreatedAt) {
		t.Fatalf("expected edit to keep original timestamp")
	}

	_, err = svc.EditSale(ctx, resp.Sale.ID, domain.SaleRequest{
		Items: []domain.SaleLineRequest{
			{ProductID: "4", Quantity: 6},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "p1", AmountCents: 129000},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock beyond credited quantity, got %v", err)
	}
}

func TestCancelSaleRestoresStock(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext()

	resp, err := svc.FinalizeSale(ctx, domain.SaleRequest{
		Items: []domain.SaleLineRequest{
			{ProductID: "1", Quantity: 2},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "p1", AmountCents: 3700},
		},
	})
	if err != nil {
		t.Fatalf("finalize sale failed: %v", err)
	}

	if _, err := svc.CancelSale(ctx, resp.Sale.ID); err != nil {
		t.Fatalf("cancel sale failed: %v", err)
	}

	product, err := svc.GetProduct(ctx, "1")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if math.Abs(product.Stock-50) > 1e-9 {
		t.Fatalf("expected stock restored to 50, got %f", product.Stock)
	}

	if _, err := svc.GetSale(ctx, resp.Sale.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected cancelled sale to be gone, got %v", err)
	}
}

func TestWeightQuote(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext()

	quote, err := svc.WeightQuote(ctx, domain.WeightQuoteRequest{
		ProductID:   "1",
		AmountCents: 1000,
	})
	if err != nil {
		t.Fatalf("weight quote failed: %v", err)
	}
	if math.Abs(quote.Quantity-1000.0/1850.0) > 1e-9 {
		t.Fatalf("expected quantity %.6f, got %.6f", 1000.0/1850.0, quote.Quantity)
	}

	_, err = svc.WeightQuote(ctx, domain.WeightQuoteRequest{
		ProductID:   "5",
		AmountCents: 1000,
	})
	if !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale for unit product, got %v", err)
	}
}

func TestReportAggregation(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext()

	_, err := svc.FinalizeSale(ctx, domain.SaleRequest{
		Items: []domain.SaleLineRequest{
			{ProductID: "1", Quantity: 2},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "p1", AmountCents: 3700},
		},
	})
	if err != nil {
		t.Fatalf("first sale failed: %v", err)
	}

	_, err = svc.FinalizeSale(ctx, domain.SaleRequest{
		Items: []domain.SaleLineRequest{
			{ProductID: "5", Quantity: 1},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "p3", AmountCents: 3500},
		},
	})
	if err != nil {
		t.Fatalf("second sale failed: %v", err)
	}

	today := time.Now().UTC().Format("2006-01-02")

	report, err := svc.Report(ctx, today, today, "Todos", "")
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if report.SaleCount != 2 {
		t.Fatalf("expected 2 sales, got %d", report.SaleCount)
	}
	if report.RevenueCents != 7200 {
		t.Fatalf("expected revenue 7200, got %d", report.RevenueCents)
	}
	if report.CostCents != 3900 {
		t.Fatalf("expected cost 3900, got %d", report.CostCents)
	}
	if report.FinancialFeeCents != 123 {
		t.Fatalf("expected fee 123, got %d", report.FinancialFeeCents)
	}
	if report.GrossProfitCents != 3300 || report.NetProfitCents != 3177 {
		t.Fatalf("expected gross 3300 net 3177, got %d/%d", report.GrossProfitCents, report.NetProfitCents)
	}
	if len(report.Daily) != 1 || report.Daily[0].Date != today {
		t.Fatalf("expected a single daily bucket for %s, got %+v", today, report.Daily)
	}
	if len(report.Products) != 2 || report.Products[0].ProductID != "1" {
		t.Fatalf("expected products sorted by revenue with product 1 first, got %+v", report.Products)
	}

	filtered, err := svc.Report(ctx, today, today, "Ração", "")
	if err != nil {
		t.Fatalf("filtered report failed: %v", err)
	}
	if filtered.SaleCount != 1 {
		t.Fatalf("expected 1 matching sale, got %d", filtered.SaleCount)
	}
	if filtered.RevenueCents != 3700 || filtered.CostCents != 2400 {
		t.Fatalf("expected filtered revenue 3700 cost 2400, got %d/%d", filtered.RevenueCents, filtered.CostCents)
	}
	// The card fee belongs entirely to the Acessórios sale, which has no
	// Ração items, so nothing is allocated to this filter.
	if filtered.FinancialFeeCents != 0 {
		t.Fatalf("expected no fee allocated to Ração, got %d", filtered.FinancialFeeCents)
	}
}

func TestReportFeeAllocationSplitsWithinSale(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext()

	// One mixed sale: Ração 3700 + Acessórios 3500, all on card (3.5%).
	_, err := svc.FinalizeSale(ctx, domain.SaleRequest{
		Items: []domain.SaleLineRequest{
			{ProductID: "1", Quantity: 2},
			{ProductID: "5", Quantity: 1},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "p3", AmountCents: 7200},
		},
	})
	if err != nil {
		t.Fatalf("finalize sale failed: %v", err)
	}

	today := time.Now().UTC().Format("2006-01-02")

	full, err := svc.Report(ctx, today, today, "", "")
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if full.FinancialFeeCents != 252 {
		t.Fatalf("expected full fee 252, got %d", full.FinancialFeeCents)
	}

	filtered, err := svc.Report(ctx, today, today, "Ração", "")
	if err != nil {
		t.Fatalf("filtered report failed: %v", err)
	}
	// 252 * 3700 / 7200 = 129.5, rounds to 130.
	if filtered.FinancialFeeCents != 130 {
		t.Fatalf("expected Ração fee share 130, got %d", filtered.FinancialFeeCents)
	}
	if filtered.NetProfitCents != filtered.GrossProfitCents-130 {
		t.Fatalf("expected fee share deducted from net profit, got gross %d net %d", filtered.GrossProfitCents, filtered.NetProfitCents)
	}
}

func TestReportAdditivityAcrossDayPartitions(t *testing.T) {
	svc := newTestService()
	admCtx := adminContext()

	histSale := func(id, day string, priceCents, feeCents int64) domain.Sale {
		created, err := time.Parse("2006-01-02", day)
		if err != nil {
			t.Fatalf("bad day %s: %v", day, err)
		}
		return domain.Sale{
			ID:        id,
			CreatedAt: created.Add(12 * time.Hour),
			Items: []domain.SaleItem{
				{ProductID: "5", Name: "Coleira Premium", Category: "Acessórios", UnitType: domain.UnitEach, CostPriceCents: priceCents / 2, PriceCents: priceCents, Quantity: 1},
			},
			TotalCents: priceCents,
			Payments: []domain.PaymentEntry{
				{MethodID: "p3", MethodName: "Crédito", AmountCents: priceCents, FeeCents: feeCents},
			},
		}
	}

	backup, err := svc.ExportBackup(admCtx)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	backup.Sales = []domain.Sale{
		histSale("000001", "2024-03-10", 1000, 35),
		histSale("000002", "2024-03-11", 2000, 70),
		histSale("000003", "2024-03-12", 4000, 140),
	}
	backup.NextSaleNumber = 4
	if err := svc.ImportBackup(admCtx, backup); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	full, err := svc.Report(admCtx, "2024-03-10", "2024-03-12", "", "")
	if err != nil {
		t.Fatalf("full report failed: %v", err)
	}
	if full.RevenueCents != 7000 || full.FinancialFeeCents != 245 {
		t.Fatalf("expected revenue 7000 fee 245 over the full range, got %d/%d", full.RevenueCents, full.FinancialFeeCents)
	}

	days := []string{"2024-03-10", "2024-03-11", "2024-03-12"}
	var revenueSum, feeSum, costSum int64
	for _, day := range days {
		part, err := svc.Report(admCtx, day, day, "", "")
		if err != nil {
			t.Fatalf("report for %s failed: %v", day, err)
		}
		revenueSum += part.RevenueCents
		feeSum += part.FinancialFeeCents
		costSum += part.CostCents
	}
	if revenueSum != full.RevenueCents {
		t.Fatalf("per-day revenues sum to %d, full range has %d", revenueSum, full.RevenueCents)
	}
	if feeSum != full.FinancialFeeCents || costSum != full.CostCents {
		t.Fatalf("per-day fee/cost sums %d/%d differ from full range %d/%d", feeSum, costSum, full.FinancialFeeCents, full.CostCents)
	}

	// An uneven partition must add up the same way.
	head, err := svc.Report(admCtx, "2024-03-10", "2024-03-10", "", "")
	if err != nil {
		t.Fatalf("head report failed: %v", err)
	}
	tail, err := svc.Report(admCtx, "2024-03-11", "2024-03-12", "", "")
	if err != nil {
		t.Fatalf("tail report failed: %v", err)
	}
	if head.RevenueCents+tail.RevenueCents != full.RevenueCents {
		t.Fatalf("partition revenues %d+%d differ from full %d", head.RevenueCents, tail.RevenueCents, full.RevenueCents)
	}
}

func TestReportEmptyRange(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext()

	report, err := svc.Report(ctx, "2020-01-01", "2020-01-31", "", "")
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if report.RevenueCents != 0 || report.NetMarginPercent != 0 {
		t.Fatalf("expected zero revenue and margin, got %d/%f", report.RevenueCents, report.NetMarginPercent)
	}
	if len(report.Daily) != 0 {
		t.Fatalf("expected no daily buckets, got %d", len(report.Daily))
	}
}

func TestSaveProductRequiresAdmin(t *testing.T) {
	svc := newTestService()

	_, err := svc.SaveProduct(operatorContext(), domain.Product{
		Code:       "nov001",
		Name:       "Brinquedo Mordedor",
		Category:   "Acessórios",
		PriceCents: 2500,
		UnitType:   domain.UnitEach,
	})
	if err == nil {
		t.Fatalf("expected operator product save to fail")
	}

	product, err := svc.SaveProduct(adminContext(), domain.Product{
		Code:       "nov001",
		Name:       "Brinquedo Mordedor",
		Category:   "Acessórios",
		PriceCents: 2500,
		UnitType:   domain.UnitEach,
	})
	if err != nil {
		t.Fatalf("admin product save failed: %v", err)
	}
	if product.Code != "NOV001" {
		t.Fatalf("expected code uppercased to NOV001, got %s", product.Code)
	}

	_, err = svc.SaveProduct(adminContext(), domain.Product{
		Code:       "NOV001",
		Name:       "Outro Brinquedo",
		Category:   "Acessórios",
		PriceCents: 3000,
		UnitType:   domain.UnitEach,
	})
	if !errors.Is(err, store.ErrDuplicateCode) {
		t.Fatalf("expected ErrDuplicateCode, got %v", err)
	}
}

func TestSetProductStock(t *testing.T) {
	svc := newTestService()

	if _, err := svc.SetProductStock(operatorContext(), "5", 25); err == nil {
		t.Fatalf("expected operator stock set to fail")
	}

	product, err := svc.SetProductStock(adminContext(), "5", 25)
	if err != nil {
		t.Fatalf("set stock failed: %v", err)
	}
	if math.Abs(product.Stock-25) > 1e-9 {
		t.Fatalf("expected stock 25, got %f", product.Stock)
	}
}

func TestBuildReceipt(t *testing.T) {
	svc := newTestService()
	ctx := operatorContext()

	resp, err := svc.FinalizeSale(ctx, domain.SaleRequest{
		Items: []domain.SaleLineRequest{
			{ProductID: "1", Quantity: 2},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "p1", AmountCents: 4000},
		},
	})
	if err != nil {
		t.Fatalf("finalize sale failed: %v", err)
	}

	receipt, err := svc.BuildReceipt(ctx, resp.Sale.ID)
	if err != nil {
		t.Fatalf("build receipt failed: %v", err)
	}
	if !strings.Contains(receipt.PreviewText, "CUPOM NAO FISCAL") {
		t.Fatalf("expected non-fiscal header in preview")
	}
	if !strings.Contains(receipt.PreviewText, "Venda: #"+resp.Sale.ID) {
		t.Fatalf("expected sale id in preview")
	}
	if !strings.Contains(receipt.PreviewText, "Troco    R$ 3,00") {
		t.Fatalf("expected change line in preview, got:\n%s", receipt.PreviewText)
	}

	raw, err := base64.StdEncoding.DecodeString(receipt.EscposBase64)
	if err != nil {
		t.Fatalf("escpos payload is not valid base64: %v", err)
	}
	if len(raw) < 2 || raw[0] != 0x1b || raw[1] != 0x40 {
		t.Fatalf("expected ESC @ initialize sequence at start of payload")
	}
}

func TestBackupRoundTrip(t *testing.T) {
	svc := newTestService()
	opCtx := operatorContext()
	admCtx := adminContext()

	resp, err := svc.FinalizeSale(opCtx, domain.SaleRequest{
		Items: []domain.SaleLineRequest{
			{ProductID: "1", Quantity: 2},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "p1", AmountCents: 3700},
		},
	})
	if err != nil {
		t.Fatalf("finalize sale failed: %v", err)
	}

	if _, err := svc.ExportBackup(opCtx); err == nil {
		t.Fatalf("expected operator export to fail")
	}

	backup, err := svc.ExportBackup(admCtx)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	if _, err := svc.CancelSale(opCtx, resp.Sale.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	if err := svc.ImportBackup(admCtx, backup); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	restored, err := svc.GetSale(opCtx, resp.Sale.ID)
	if err != nil {
		t.Fatalf("expected sale restored by import, got %v", err)
	}
	if restored.Sale.TotalCents != 3700 {
		t.Fatalf("expected restored total 3700, got %d", restored.Sale.TotalCents)
	}

	next, err := svc.FinalizeSale(opCtx, domain.SaleRequest{
		Items: []domain.SaleLineRequest{
			{ProductID: "5", Quantity: 1},
		},
		Payments: []domain.SalePaymentRequest{
			{MethodID: "p1", AmountCents: 3500},
		},
	})
	if err != nil {
		t.Fatalf("post-import sale failed: %v", err)
	}
	if next.Sale.ID != "000002" {
		t.Fatalf("expected counter restored, next id 000002, got %s", next.Sale.ID)
	}
}
