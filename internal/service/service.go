package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/petfriendzone23-source/caixa-pet-shop/internal/cache"
	"github.com/petfriendzone23-source/caixa-pet-shop/internal/domain"
	"github.com/petfriendzone23-source/caixa-pet-shop/internal/store"
)

// ErrInsufficientPayment is returned when the tendered total does not cover
// the sale total within the one-cent tolerance.
var ErrInsufficientPayment = errors.New("insufficient payment")

// paymentEpsilonCents tolerates one cent of rounding slack on the tender.
const paymentEpsilonCents = 1

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo      store.Repository
	reports   cache.ReportCache
	reportTTL time.Duration
}

func New(repo store.Repository, reports cache.ReportCache, reportTTL time.Duration) *Service {
	if reports == nil {
		reports = cache.NoopReportCache{}
	}
	if reportTTL < time.Second {
		reportTTL = 30 * time.Second
	}

	return &Service{
		repo:      repo,
		reports:   reports,
		reportTTL: reportTTL,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, store.ErrInvalidSale
	}
	product, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) GetProductByCode(ctx context.Context, code string) (domain.Product, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Product{}, store.ErrInvalidSale
	}
	product, err := s.repo.GetProductByCode(ctx, code)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) SaveProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	product.Code = strings.ToUpper(strings.TrimSpace(product.Code))
	product.Name = strings.TrimSpace(product.Name)
	product.Category = strings.TrimSpace(product.Category)
	product.Subgroup = strings.TrimSpace(product.Subgroup)
	if product.UnitType == "" {
		product.UnitType = domain.UnitEach
	}

	saved, err := s.repo.SaveProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}
	return *saved, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return store.ErrInvalidSale
	}
	return s.repo.DeleteProduct(ctx, id)
}

func (s *Service) SetProductStock(ctx context.Context, id string, stock float64) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, store.ErrInvalidSale
	}
	updated, err := s.repo.SetProductStock(ctx, id, stock)
	if err != nil {
		return domain.Product{}, err
	}
	return *updated, nil
}

// WeightQuote converts a currency amount into a weight for bulk products
// sold by the kilo. A customer asking for "10 reais de ração" gets
// amount / price kilos.
func (s *Service) WeightQuote(ctx context.Context, req domain.WeightQuoteRequest) (domain.WeightQuoteResponse, error) {
	if req.AmountCents < 1 {
		return domain.WeightQuoteResponse{}, store.ErrInvalidSale
	}
	product, err := s.repo.GetProductByID(ctx, strings.TrimSpace(req.ProductID))
	if err != nil {
		return domain.WeightQuoteResponse{}, err
	}
	if !product.IsWeighed() || product.PriceCents < 1 {
		return domain.WeightQuoteResponse{}, store.ErrInvalidSale
	}

	return domain.WeightQuoteResponse{
		ProductID:   product.ID,
		Name:        product.Name,
		PriceCents:  product.PriceCents,
		AmountCents: req.AmountCents,
		Quantity:    float64(req.AmountCents) / float64(product.PriceCents),
	}, nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx)
}

func (s *Service) SaveCustomer(ctx context.Context, customer domain.Customer) (domain.Customer, error) {
	customer.Name = strings.TrimSpace(customer.Name)
	customer.Phone = strings.TrimSpace(customer.Phone)
	if customer.Name == "" || customer.Phone == "" {
		return domain.Customer{}, store.ErrInvalidSale
	}
	saved, err := s.repo.SaveCustomer(ctx, customer)
	if err != nil {
		return domain.Customer{}, err
	}
	return *saved, nil
}

func (s *Service) DeleteCustomer(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return store.ErrInvalidSale
	}
	return s.repo.DeleteCustomer(ctx, id)
}

func (s *Service) ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	return s.repo.ListPaymentMethods(ctx)
}

func (s *Service) SavePaymentMethod(ctx context.Context, method domain.PaymentMethod) (domain.PaymentMethod, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.PaymentMethod{}, err
	}
	method.Name = strings.TrimSpace(method.Name)
	saved, err := s.repo.SavePaymentMethod(ctx, method)
	if err != nil {
		return domain.PaymentMethod{}, err
	}
	return *saved, nil
}

func (s *Service) DeletePaymentMethod(ctx context.Context, id string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return store.ErrInvalidSale
	}
	return s.repo.DeletePaymentMethod(ctx, id)
}

func (s *Service) GetCompanyInfo(ctx context.Context) (domain.CompanyInfo, error) {
	info, err := s.repo.GetCompanyInfo(ctx)
	if err != nil {
		return domain.CompanyInfo{}, err
	}
	return *info, nil
}

func (s *Service) SaveCompanyInfo(ctx context.Context, info domain.CompanyInfo) (domain.CompanyInfo, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.CompanyInfo{}, err
	}
	info.Name = strings.TrimSpace(info.Name)
	saved, err := s.repo.SaveCompanyInfo(ctx, info)
	if err != nil {
		return domain.CompanyInfo{}, err
	}
	return *saved, nil
}

// FinalizeSale validates the cart and tender, snapshots product data into
// sale lines and commits the sale with its stock reconciliation in one
// repository call.
func (s *Service) FinalizeSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	sale, err := s.buildSale(ctx, "", req)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	committed, err := s.repo.CommitSale(ctx, sale)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.invalidateReports(ctx)
	log.Printf("[service] sale %s finalized total=%d change=%d items=%d", committed.ID, committed.TotalCents, committed.ChangeCents, len(committed.Items))
	return domain.SaleResponse{Sale: *committed}, nil
}

// EditSale replaces an existing sale. The repository credits the old
// version's stock allocation back before re-checking availability, and the
// sale keeps its id and original timestamp.
func (s *Service) EditSale(ctx context.Context, saleID string, req domain.SaleRequest) (domain.SaleResponse, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.SaleResponse{}, store.ErrInvalidSale
	}

	sale, err := s.buildSale(ctx, saleID, req)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	committed, err := s.repo.CommitSale(ctx, sale)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.invalidateReports(ctx)
	log.Printf("[service] sale %s edited total=%d", committed.ID, committed.TotalCents)
	return domain.SaleResponse{Sale: *committed}, nil
}

func (s *Service) CancelSale(ctx context.Context, saleID string) (domain.SaleResponse, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.SaleResponse{}, store.ErrInvalidSale
	}

	cancelled, err := s.repo.CancelSale(ctx, saleID, time.Now().UTC())
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.invalidateReports(ctx)
	log.Printf("[service] sale %s cancelled, stock restored for %d items", cancelled.ID, len(cancelled.Items))
	return domain.SaleResponse{Sale: *cancelled}, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.SaleResponse, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.SaleResponse{}, store.ErrInvalidSale
	}
	sale, err := s.repo.GetSaleByID(ctx, saleID)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	return domain.SaleResponse{Sale: *sale}, nil
}

// ListSales returns sales within the [fromDate, toDate] day range, newest
// first. A non-empty query narrows the result to sales whose id or
// customer name contains the query, case-insensitively.
func (s *Service) ListSales(ctx context.Context, fromDate, toDate, query string) (domain.SaleListResponse, error) {
	var from, to time.Time
	if strings.TrimSpace(fromDate) != "" {
		day, err := parseDay(fromDate)
		if err != nil {
			return domain.SaleListResponse{}, store.ErrInvalidSale
		}
		from = day
	}
	if strings.TrimSpace(toDate) != "" {
		day, err := parseDay(toDate)
		if err != nil {
			return domain.SaleListResponse{}, store.ErrInvalidSale
		}
		to = day.Add(24 * time.Hour)
	}

	sales, err := s.repo.ListSales(ctx, from, to)
	if err != nil {
		return domain.SaleListResponse{}, err
	}
	if q := strings.ToLower(strings.TrimSpace(query)); q != "" {
		filtered := sales[:0]
		for _, sale := range sales {
			if strings.Contains(strings.ToLower(sale.ID), q) ||
				strings.Contains(strings.ToLower(sale.CustomerName), q) {
				filtered = append(filtered, sale)
			}
		}
		sales = filtered
	}
	return domain.SaleListResponse{Sales: sales}, nil
}

func (s *Service) buildSale(ctx context.Context, saleID string, req domain.SaleRequest) (domain.Sale, error) {
	if len(req.Items) == 0 || len(req.Payments) == 0 {
		return domain.Sale{}, store.ErrInvalidSale
	}

	items := make([]domain.SaleItem, 0, len(req.Items))
	totalCents := int64(0)
	for _, line := range req.Items {
		if line.Quantity <= 0 {
			return domain.Sale{}, store.ErrInvalidSale
		}
		product, err := s.repo.GetProductByID(ctx, strings.TrimSpace(line.ProductID))
		if err != nil {
			return domain.Sale{}, err
		}
		if !product.IsWeighed() && math.Abs(line.Quantity-math.Round(line.Quantity)) > 1e-9 {
			return domain.Sale{}, store.ErrInvalidSale
		}
		if line.PriceCents < 0 {
			return domain.Sale{}, store.ErrInvalidSale
		}
		priceCents := product.PriceCents
		if line.PriceCents > 0 {
			priceCents = line.PriceCents
		}

		item := domain.SaleItem{
			ProductID:      product.ID,
			Code:           product.Code,
			Name:           product.Name,
			Category:       product.Category,
			Subgroup:       product.Subgroup,
			UnitType:       product.UnitType,
			CostPriceCents: product.CostPriceCents,
			PriceCents:     priceCents,
			Quantity:       line.Quantity,
		}
		items = append(items, item)
		totalCents += item.LineTotalCents()
	}

	paidCents := int64(0)
	payments := make([]domain.PaymentEntry, 0, len(req.Payments))
	for _, p := range req.Payments {
		if p.AmountCents < 1 {
			return domain.Sale{}, store.ErrInvalidSale
		}
		method, err := s.repo.GetPaymentMethodByID(ctx, strings.TrimSpace(p.MethodID))
		switch {
		case errors.Is(err, store.ErrNotFound):
			// The method was removed after cart entry. Degrade to the
			// zero-fee fallback instead of failing the sale.
			method = &domain.PaymentMethod{ID: p.MethodID, Name: domain.FallbackMethodName}
		case err != nil:
			return domain.Sale{}, err
		}

		feeCents := int64(math.Round(float64(p.AmountCents) * method.FeePercent / 100))
		payments = append(payments, domain.PaymentEntry{
			MethodID:    method.ID,
			MethodName:  method.Name,
			AmountCents: p.AmountCents,
			FeeCents:    feeCents,
		})
		paidCents += p.AmountCents
	}

	if paidCents < totalCents-paymentEpsilonCents {
		return domain.Sale{}, ErrInsufficientPayment
	}
	changeCents := paidCents - totalCents
	if changeCents < 0 {
		changeCents = 0
	}

	sale := domain.Sale{
		ID:          saleID,
		Items:       items,
		TotalCents:  totalCents,
		ChangeCents: changeCents,
		Payments:    payments,
	}

	if customerID := strings.TrimSpace(req.CustomerID); customerID != "" {
		customer, err := s.repo.GetCustomerByID(ctx, customerID)
		if err != nil {
			return domain.Sale{}, err
		}
		sale.CustomerID = customer.ID
		sale.CustomerName = customer.Name
	}

	return sale, nil
}

// BuildReceipt renders the sale as an ESC/POS byte stream with a Code 39
// barcode of the sale id, plus a plain-text preview.
func (s *Service) BuildReceipt(ctx context.Context, saleID string) (domain.ReceiptResponse, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.ReceiptResponse{}, store.ErrInvalidSale
	}
	sale, err := s.repo.GetSaleByID(ctx, saleID)
	if err != nil {
		return domain.ReceiptResponse{}, err
	}
	company, err := s.repo.GetCompanyInfo(ctx)
	if err != nil {
		return domain.ReceiptResponse{}, err
	}

	lines := []string{
		company.Name,
		company.TaxID,
		company.Address,
		company.Phone,
		"================================",
		"CUPOM NAO FISCAL",
		"Venda: #" + sale.ID,
		"Data: " + sale.CreatedAt.Format("02/01/2006 15:04"),
	}
	if sale.CustomerName != "" {
		lines = append(lines, "Cliente: "+sale.CustomerName)
	}
	lines = append(lines, "--------------------------------")
	for _, item := range sale.Items {
		lines = append(lines, item.Name)
		lines = append(lines, fmt.Sprintf("  %s x %s = %s",
			formatQty(item), formatBRL(item.PriceCents), formatBRL(item.LineTotalCents())))
	}
	lines = append(lines,
		"--------------------------------",
		fmt.Sprintf("TOTAL    %s", formatBRL(sale.TotalCents)),
	)
	for _, payment := range sale.Payments {
		lines = append(lines, fmt.Sprintf("%-8s %s", payment.MethodName, formatBRL(payment.AmountCents)))
	}
	if sale.ChangeCents > 0 {
		lines = append(lines, fmt.Sprintf("Troco    %s", formatBRL(sale.ChangeCents)))
	}
	lines = append(lines, "================================")
	if company.Footer != "" {
		lines = append(lines, company.Footer)
	}
	lines = append(lines, "")

	escpos := []byte{0x1b, 0x40}
	for _, line := range lines {
		escpos = append(escpos, []byte(line)...)
		escpos = append(escpos, '\n')
	}
	// Code 39 barcode of the sale id, 80 dots tall.
	escpos = append(escpos, 0x1d, 0x68, 0x50)
	escpos = append(escpos, 0x1d, 0x6b, 0x04)
	escpos = append(escpos, []byte(sale.ID)...)
	escpos = append(escpos, 0x00)
	escpos = append(escpos, 0x1d, 0x56, 0x41, 0x10)

	return domain.ReceiptResponse{
		SaleID:       sale.ID,
		EscposBase64: base64.StdEncoding.EncodeToString(escpos),
		PreviewText:  strings.Join(lines, "\n"),
		FileName:     fmt.Sprintf("cupom-%s.bin", sale.ID),
	}, nil
}

// Report aggregates sales over an inclusive date range, optionally filtered
// by category and subgroup. Financial fees are allocated to the filtered
// slice in proportion to its share of total revenue.
func (s *Service) Report(ctx context.Context, fromDate string, toDate string, category string, subgroup string) (domain.SalesReport, error) {
	now := time.Now().UTC()
	if strings.TrimSpace(toDate) == "" {
		toDate = now.Format("2006-01-02")
	}
	if strings.TrimSpace(fromDate) == "" {
		fromDate = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
	}
	fromDay, err := parseDay(fromDate)
	if err != nil {
		return domain.SalesReport{}, store.ErrInvalidSale
	}
	toDay, err := parseDay(toDate)
	if err != nil {
		return domain.SalesReport{}, store.ErrInvalidSale
	}
	if toDay.Before(fromDay) {
		return domain.SalesReport{}, store.ErrInvalidSale
	}

	category = normalizeFilter(category)
	subgroup = normalizeFilter(subgroup)

	cacheKey := fmt.Sprintf("%s:%s:%s:%s", fromDate, toDate, category, subgroup)
	if cached, ok, err := s.reports.Get(ctx, cacheKey); err == nil && ok {
		return *cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: report cache get failed: %v", err)
	}

	sales, err := s.repo.ListSales(ctx, fromDay, toDay.Add(24*time.Hour))
	if err != nil {
		return domain.SalesReport{}, err
	}

	var filteredRevenueCents, filteredCostCents, feeShareCents int64
	saleCount := 0
	statsByProduct := map[string]*domain.ReportProductStat{}
	revenueByDay := map[string]int64{}

	for _, sale := range sales {
		matched := false
		saleFilteredRevenueCents := int64(0)
		for _, item := range sale.Items {
			if category != "" && item.Category != category {
				continue
			}
			if subgroup != "" && item.Subgroup != subgroup {
				continue
			}
			matched = true

			lineRevenue := item.LineTotalCents()
			filteredRevenueCents += lineRevenue
			saleFilteredRevenueCents += lineRevenue
			filteredCostCents += item.LineCostCents()
			revenueByDay[sale.CreatedAt.UTC().Format("2006-01-02")] += lineRevenue

			stat, ok := statsByProduct[item.ProductID]
			if !ok {
				stat = &domain.ReportProductStat{
					ProductID: item.ProductID,
					Name:      item.Name,
					Category:  item.Category,
					Subgroup:  item.Subgroup,
				}
				statsByProduct[item.ProductID] = stat
			}
			stat.Quantity += item.Quantity
			stat.RevenueCents += lineRevenue
			stat.CostCents += item.LineCostCents()
			stat.ProfitCents = stat.RevenueCents - stat.CostCents
		}
		if matched {
			saleCount++
		}
		// Each sale's fee is split by the share of its own total that the
		// matching items represent. A sale with no matching items
		// contributes no fee.
		if sale.TotalCents > 0 {
			feeShareCents += int64(math.Round(float64(sale.FeeCents()) * float64(saleFilteredRevenueCents) / float64(sale.TotalCents)))
		}
	}

	grossProfitCents := filteredRevenueCents - filteredCostCents
	netProfitCents := grossProfitCents - feeShareCents
	netMargin := 0.0
	if filteredRevenueCents > 0 {
		netMargin = float64(netProfitCents) / float64(filteredRevenueCents) * 100
	}

	products := make([]domain.ReportProductStat, 0, len(statsByProduct))
	for _, stat := range statsByProduct {
		products = append(products, *stat)
	}
	slices.SortFunc(products, func(a, b domain.ReportProductStat) int {
		if a.RevenueCents == b.RevenueCents {
			return cmpString(a.Name, b.Name)
		}
		if a.RevenueCents > b.RevenueCents {
			return -1
		}
		return 1
	})

	daily := make([]domain.ReportDailyPoint, 0, len(revenueByDay))
	for date, revenue := range revenueByDay {
		daily = append(daily, domain.ReportDailyPoint{Date: date, RevenueCents: revenue})
	}
	slices.SortFunc(daily, func(a, b domain.ReportDailyPoint) int {
		return cmpString(a.Date, b.Date)
	})

	report := domain.SalesReport{
		From:              fromDate,
		To:                toDate,
		Category:          category,
		Subgroup:          subgroup,
		SaleCount:         saleCount,
		RevenueCents:      filteredRevenueCents,
		CostCents:         filteredCostCents,
		FinancialFeeCents: feeShareCents,
		GrossProfitCents:  grossProfitCents,
		NetProfitCents:    netProfitCents,
		NetMarginPercent:  netMargin,
		Products:          products,
		Daily:             daily,
	}

	if err := s.reports.Set(ctx, cacheKey, &report, s.reportTTL); err != nil {
		log.Printf("[service] WARN: report cache set failed: %v", err)
	}

	return report, nil
}

func (s *Service) ExportBackup(ctx context.Context) (domain.Backup, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Backup{}, err
	}
	backup, err := s.repo.ExportBackup(ctx)
	if err != nil {
		return domain.Backup{}, err
	}
	return *backup, nil
}

func (s *Service) ImportBackup(ctx context.Context, backup domain.Backup) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	if err := s.repo.ImportBackup(ctx, backup); err != nil {
		return err
	}
	s.invalidateReports(ctx)
	log.Printf("[service] backup imported: %d products, %d sales", len(backup.Products), len(backup.Sales))
	return nil
}

func (s *Service) invalidateReports(ctx context.Context) {
	if err := s.reports.Invalidate(ctx); err != nil {
		log.Printf("[service] WARN: report cache invalidation failed: %v", err)
	}
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return fmt.Errorf("admin role required")
	}
	return nil
}

func parseDay(value string) (time.Time, error) {
	parsed, err := time.Parse("2006-01-02", strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC), nil
}

func normalizeFilter(value string) string {
	value = strings.TrimSpace(value)
	if value == "Todos" {
		return ""
	}
	return value
}

func formatBRL(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%sR$ %d,%02d", sign, cents/100, cents%100)
}

func formatQty(item domain.SaleItem) string {
	if item.UnitType == domain.UnitWeight {
		return fmt.Sprintf("%.3f kg", item.Quantity)
	}
	return fmt.Sprintf("%d un", int64(math.Round(item.Quantity)))
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}
