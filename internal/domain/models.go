package domain

import (
	"math"
	"time"
)

const (
	UnitEach   = "un"
	UnitWeight = "kg"
)

// ServiceCategory marks catalog entries that are services. They carry a
// nominal stock figure but it is never decremented by sales.
const ServiceCategory = "Serviços"

// FallbackMethodName is recorded on a payment whose method was deleted
// between cart entry and finalization. Zero fee.
const FallbackMethodName = "Outro"

type Product struct {
	ID             string  `json:"id"`
	Code           string  `json:"code"`
	Name           string  `json:"name"`
	Category       string  `json:"category"`
	Subgroup       string  `json:"subgroup,omitempty"`
	CostPriceCents int64   `json:"cost_price_cents"`
	PriceCents     int64   `json:"price_cents"`
	Stock          float64 `json:"stock"`
	UnitType       string  `json:"unit_type"`
	Color          string  `json:"color,omitempty"`
}

func (p Product) IsService() bool {
	return p.Category == ServiceCategory
}

func (p Product) IsWeighed() bool {
	return p.UnitType == UnitWeight
}

// SaleItem is a snapshot of the product at the moment of sale. Later price
// or name edits to the catalog never rewrite history.
type SaleItem struct {
	ProductID      string  `json:"product_id"`
	Code           string  `json:"code"`
	Name           string  `json:"name"`
	Category       string  `json:"category"`
	Subgroup       string  `json:"subgroup,omitempty"`
	UnitType       string  `json:"unit_type"`
	CostPriceCents int64   `json:"cost_price_cents"`
	PriceCents     int64   `json:"price_cents"`
	Quantity       float64 `json:"quantity"`
}

func (i SaleItem) LineTotalCents() int64 {
	return int64(math.Round(float64(i.PriceCents) * i.Quantity))
}

func (i SaleItem) LineCostCents() int64 {
	return int64(math.Round(float64(i.CostPriceCents) * i.Quantity))
}

type PaymentMethod struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Icon       string  `json:"icon"`
	FeePercent float64 `json:"fee_percent"`
}

type PaymentEntry struct {
	MethodID    string `json:"method_id"`
	MethodName  string `json:"method_name"`
	AmountCents int64  `json:"amount_cents"`
	FeeCents    int64  `json:"fee_cents"`
}

type Sale struct {
	ID           string         `json:"id"`
	Items        []SaleItem     `json:"items"`
	TotalCents   int64          `json:"total_cents"`
	ChangeCents  int64          `json:"change_cents"`
	Payments     []PaymentEntry `json:"payments"`
	CustomerID   string         `json:"customer_id,omitempty"`
	CustomerName string         `json:"customer_name,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (s Sale) PaidCents() int64 {
	var sum int64
	for _, p := range s.Payments {
		sum += p.AmountCents
	}
	return sum
}

func (s Sale) FeeCents() int64 {
	var sum int64
	for _, p := range s.Payments {
		sum += p.FeeCents
	}
	return sum
}

func (s Sale) CostCents() int64 {
	var sum int64
	for _, it := range s.Items {
		sum += it.LineCostCents()
	}
	return sum
}

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	Document  string    `json:"document,omitempty"`
	PetName   string    `json:"pet_name,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type CompanyInfo struct {
	Name    string `json:"name"`
	TaxID   string `json:"tax_id"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
	Footer  string `json:"footer"`
}

type SaleLineRequest struct {
	ProductID string  `json:"product_id"`
	Quantity  float64 `json:"quantity"`
	// PriceCents, when positive, overrides the catalog price for this
	// line only. Zero means "use the product's current price".
	PriceCents int64 `json:"price_cents,omitempty"`
}

type SalePaymentRequest struct {
	MethodID    string `json:"method_id"`
	AmountCents int64  `json:"amount_cents"`
}

type SaleRequest struct {
	Items      []SaleLineRequest    `json:"items"`
	Payments   []SalePaymentRequest `json:"payments"`
	CustomerID string               `json:"customer_id,omitempty"`
}

type SaleResponse struct {
	Sale Sale `json:"sale"`
}

type SaleListResponse struct {
	Sales []Sale `json:"sales"`
}

type WeightQuoteRequest struct {
	ProductID   string `json:"product_id"`
	AmountCents int64  `json:"amount_cents"`
}

type WeightQuoteResponse struct {
	ProductID   string  `json:"product_id"`
	Name        string  `json:"name"`
	PriceCents  int64   `json:"price_cents"`
	AmountCents int64   `json:"amount_cents"`
	Quantity    float64 `json:"quantity"`
}

type StockSetRequest struct {
	Stock float64 `json:"stock"`
}

type ReceiptResponse struct {
	SaleID       string `json:"sale_id"`
	EscposBase64 string `json:"escpos_base64"`
	PreviewText  string `json:"preview_text"`
	FileName     string `json:"file_name"`
}

type ReportProductStat struct {
	ProductID    string  `json:"product_id"`
	Name         string  `json:"name"`
	Category     string  `json:"category"`
	Subgroup     string  `json:"subgroup,omitempty"`
	Quantity     float64 `json:"quantity"`
	RevenueCents int64   `json:"revenue_cents"`
	CostCents    int64   `json:"cost_cents"`
	ProfitCents  int64   `json:"profit_cents"`
}

type ReportDailyPoint struct {
	Date         string `json:"date"`
	RevenueCents int64  `json:"revenue_cents"`
}

type SalesReport struct {
	From              string              `json:"from"`
	To                string              `json:"to"`
	Category          string              `json:"category,omitempty"`
	Subgroup          string              `json:"subgroup,omitempty"`
	SaleCount         int                 `json:"sale_count"`
	RevenueCents      int64               `json:"revenue_cents"`
	CostCents         int64               `json:"cost_cents"`
	FinancialFeeCents int64               `json:"financial_fee_cents"`
	GrossProfitCents  int64               `json:"gross_profit_cents"`
	NetProfitCents    int64               `json:"net_profit_cents"`
	NetMarginPercent  float64             `json:"net_margin_percent"`
	Products          []ReportProductStat `json:"products"`
	Daily             []ReportDailyPoint  `json:"daily"`
}

type Backup struct {
	ExportedAt     string          `json:"exported_at"`
	NextSaleNumber int64           `json:"next_sale_number"`
	Company        CompanyInfo     `json:"company"`
	Products       []Product       `json:"products"`
	Customers      []Customer      `json:"customers"`
	PaymentMethods []PaymentMethod `json:"payment_methods"`
	Sales          []Sale          `json:"sales"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type Actor struct {
	Username string
	Role     string
}

type OperatorCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type OperatorUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
