package memory

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/petfriendzone23-source/caixa-pet-shop/internal/domain"
	"github.com/petfriendzone23-source/caixa-pet-shop/internal/store"
	"github.com/petfriendzone23-source/caixa-pet-shop/internal/xid"
)

// qtyEpsilon absorbs float noise when comparing fractional kg quantities.
const qtyEpsilon = 1e-6

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	customers       map[string]domain.Customer
	paymentMethods  map[string]domain.PaymentMethod
	company         domain.CompanyInfo
	salesByID       map[string]*domain.Sale
	nextSaleNumber  int64
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		customers:       make(map[string]domain.Customer),
		paymentMethods:  make(map[string]domain.PaymentMethod),
		company:         defaultCompany(),
		salesByID:       make(map[string]*domain.Sale),
		nextSaleNumber:  1,
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store pre-loaded with the demo catalog and payment
// methods. User accounts are only seeded when SEED_ADMIN_PASSWORD is set;
// otherwise the store starts without users and the API offers first-run
// registration.
func NewSeeded() *Store {
	products := []domain.Product{
		{ID: "1", Code: "RAC-KG", Name: "Ração Golden Adulto Frango (Granel)", Category: "Ração", CostPriceCents: 1200, PriceCents: 1850, Stock: 50, UnitType: domain.UnitWeight},
		{ID: "2", Code: "RAC-KG2", Name: "Ração Royal Canin Gatos (Granel)", Category: "Ração", CostPriceCents: 2500, PriceCents: 3890, Stock: 30, UnitType: domain.UnitWeight},
		{ID: "3", Code: "SAC-15", Name: "Ração Golden Adulto Frango Saco 15kg", Category: "Ração", CostPriceCents: 14000, PriceCents: 18990, Stock: 10, UnitType: domain.UnitEach},
		{ID: "4", Code: "SAC-10", Name: "Ração Premier Filhotes Saco 10kg", Category: "Ração", CostPriceCents: 16000, PriceCents: 21500, Stock: 5, UnitType: domain.UnitEach},
		{ID: "5", Code: "ACE001", Name: "Coleira de Couro Ajustável", Category: "Acessórios", CostPriceCents: 1500, PriceCents: 3500, Stock: 10, UnitType: domain.UnitEach},
		{ID: "6", Code: "HIG001", Name: "Shampoo Neutro 500ml", Category: "Higiene", CostPriceCents: 1800, PriceCents: 3200, Stock: 15, UnitType: domain.UnitEach},
		{ID: "s1", Code: "SRV001", Name: "Banho - Porte Pequeno", Category: domain.ServiceCategory, CostPriceCents: 1500, PriceCents: 5000, Stock: 999, UnitType: domain.UnitEach},
	}

	methods := []domain.PaymentMethod{
		{ID: "p1", Name: "Dinheiro", Icon: "💵", FeePercent: 0},
		{ID: "p2", Name: "Cartão de Débito", Icon: "💳", FeePercent: 1.9},
		{ID: "p3", Name: "Cartão de Crédito", Icon: "💳", FeePercent: 3.5},
		{ID: "p4", Name: "Pix", Icon: "📱", FeePercent: 0},
	}

	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}
	methodMap := make(map[string]domain.PaymentMethod, len(methods))
	for _, m := range methods {
		methodMap[m.ID] = m
	}

	return &Store{
		products:        productMap,
		customers:       make(map[string]domain.Customer),
		paymentMethods:  methodMap,
		company:         defaultCompany(),
		salesByID:       make(map[string]*domain.Sale),
		nextSaleNumber:  1,
		usersByUsername: seedUsers(),
	}
}

func defaultCompany() domain.CompanyInfo {
	return domain.CompanyInfo{
		Name:    "NexusPet Shop",
		TaxID:   "00.000.000/0001-00",
		Address: "Rua dos Pets, 123 - Centro",
		Phone:   "(00) 00000-0000",
		Footer:  "Obrigado pela preferência! Volte sempre.",
	}
}

// seedUsers builds initial accounts for dev/demo mode from the
// SEED_ADMIN_PASSWORD environment variable. When unset no users are
// created and first-run registration applies.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := os.Getenv("SEED_ADMIN_PASSWORD")
	if adminPwd == "" {
		return map[string]domain.UserAccount{}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPwd), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("[memory-store] failed to hash seed password: %v", err)
	}
	return map[string]domain.UserAccount{
		"admin": {
			Username:  "admin",
			Password:  string(hash),
			Role:      "admin",
			Active:    true,
			CreatedAt: time.Now().UTC(),
		},
	}
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})

	return products, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) GetProductByCode(_ context.Context, code string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	code = strings.TrimSpace(code)
	for _, product := range s.products {
		if strings.EqualFold(product.Code, code) {
			copyProduct := product
			return &copyProduct, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) SaveProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.Name == "" || product.Code == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidSale
	}
	if product.UnitType != domain.UnitEach && product.UnitType != domain.UnitWeight {
		return nil, store.ErrInvalidSale
	}
	if product.Stock < 0 || product.CostPriceCents < 0 {
		return nil, store.ErrInvalidSale
	}
	for id, existing := range s.products {
		if id != product.ID && strings.EqualFold(existing.Code, product.Code) {
			return nil, store.ErrDuplicateCode
		}
	}

	if product.ID == "" {
		product.ID = xid.New("prd")
	} else if _, exists := s.products[product.ID]; !exists {
		return nil, store.ErrNotFound
	}

	s.products[product.ID] = product
	saved := product
	return &saved, nil
}

func (s *Store) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.products, id)
	return nil
}

func (s *Store) SetProductStock(_ context.Context, id string, stock float64) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stock < 0 {
		return nil, store.ErrInvalidSale
	}
	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	product.Stock = stock
	s.products[id] = product
	updated := product
	return &updated, nil
}

func (s *Store) ListCustomers(_ context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		customers = append(customers, c)
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		return cmpString(a.Name, b.Name)
	})
	return customers, nil
}

func (s *Store) GetCustomerByID(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customers[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyCustomer := customer
	return &copyCustomer, nil
}

func (s *Store) SaveCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(customer.Name) == "" {
		return nil, store.ErrInvalidSale
	}
	if customer.ID == "" {
		customer.ID = xid.New("cus")
		customer.CreatedAt = time.Now().UTC()
	} else {
		existing, exists := s.customers[customer.ID]
		if !exists {
			return nil, store.ErrNotFound
		}
		customer.CreatedAt = existing.CreatedAt
	}

	s.customers[customer.ID] = customer
	saved := customer
	return &saved, nil
}

func (s *Store) DeleteCustomer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.customers[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.customers, id)
	return nil
}

func (s *Store) ListPaymentMethods(_ context.Context) ([]domain.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	methods := make([]domain.PaymentMethod, 0, len(s.paymentMethods))
	for _, m := range s.paymentMethods {
		methods = append(methods, m)
	}
	slices.SortFunc(methods, func(a, b domain.PaymentMethod) int {
		return cmpString(a.ID, b.ID)
	})
	return methods, nil
}

func (s *Store) GetPaymentMethodByID(_ context.Context, id string) (*domain.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	method, exists := s.paymentMethods[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyMethod := method
	return &copyMethod, nil
}

func (s *Store) SavePaymentMethod(_ context.Context, method domain.PaymentMethod) (*domain.PaymentMethod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(method.Name) == "" || method.FeePercent < 0 || method.FeePercent > 100 {
		return nil, store.ErrInvalidSale
	}
	if method.Icon == "" {
		method.Icon = "💰"
	}
	if method.ID == "" {
		method.ID = xid.New("pay")
	} else if _, exists := s.paymentMethods[method.ID]; !exists {
		return nil, store.ErrNotFound
	}

	s.paymentMethods[method.ID] = method
	saved := method
	return &saved, nil
}

func (s *Store) DeletePaymentMethod(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.paymentMethods[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.paymentMethods, id)
	return nil
}

func (s *Store) GetCompanyInfo(_ context.Context) (*domain.CompanyInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := s.company
	return &info, nil
}

func (s *Store) SaveCompanyInfo(_ context.Context, info domain.CompanyInfo) (*domain.CompanyInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(info.Name) == "" {
		return nil, store.ErrInvalidSale
	}
	s.company = info
	saved := info
	return &saved, nil
}

func (s *Store) CommitSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(sale.Items) == 0 || len(sale.Payments) == 0 {
		return nil, store.ErrInvalidSale
	}

	// Edit credit: the prior version's allocation is notionally returned
	// before availability is rechecked.
	credit := map[string]float64{}
	var prior *domain.Sale
	if sale.ID != "" {
		existing, ok := s.salesByID[sale.ID]
		if !ok {
			return nil, store.ErrNotFound
		}
		prior = existing
		for _, it := range existing.Items {
			if it.Category == domain.ServiceCategory {
				continue
			}
			credit[it.ProductID] += it.Quantity
		}
	}

	need := map[string]float64{}
	for _, it := range sale.Items {
		if it.Quantity <= 0 {
			return nil, store.ErrInvalidSale
		}
		if it.Category == domain.ServiceCategory {
			continue
		}
		need[it.ProductID] += it.Quantity
	}
	for id, qty := range need {
		product, ok := s.products[id]
		if !ok {
			return nil, fmt.Errorf("product %s unavailable: %w", id, store.ErrNotFound)
		}
		if product.Stock+credit[id]-qty < -qtyEpsilon {
			return nil, store.ErrInsufficientStock
		}
	}

	for id, qty := range credit {
		product, ok := s.products[id]
		if !ok {
			continue
		}
		product.Stock += qty
		s.products[id] = product
	}
	for id, qty := range need {
		product := s.products[id]
		product.Stock = math.Max(0, product.Stock-qty)
		s.products[id] = product
	}

	if sale.ID == "" {
		sale.ID = formatSaleID(s.nextSaleNumber)
		s.nextSaleNumber++
		if sale.CreatedAt.IsZero() {
			sale.CreatedAt = time.Now().UTC()
		}
	} else {
		// Edits keep the original timestamp.
		sale.CreatedAt = prior.CreatedAt
	}

	saved := cloneSale(&sale)
	s.salesByID[sale.ID] = saved
	return cloneSale(saved), nil
}

func (s *Store) CancelSale(_ context.Context, id string, _ time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	for _, it := range sale.Items {
		if it.Category == domain.ServiceCategory {
			continue
		}
		product, exists := s.products[it.ProductID]
		if !exists {
			continue
		}
		product.Stock += it.Quantity
		s.products[it.ProductID] = product
	}

	delete(s.salesByID, id)
	return cloneSale(sale), nil
}

func (s *Store) GetSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, from time.Time, to time.Time) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		if !from.IsZero() && sale.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !sale.CreatedAt.Before(to) {
			continue
		}
		sales = append(sales, *cloneSale(sale))
	}

	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return sales, nil
}

func (s *Store) ExportBackup(_ context.Context) (*domain.Backup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	backup := domain.Backup{
		ExportedAt:     time.Now().UTC().Format(time.RFC3339),
		NextSaleNumber: s.nextSaleNumber,
		Company:        s.company,
	}
	for _, p := range s.products {
		backup.Products = append(backup.Products, p)
	}
	for _, c := range s.customers {
		backup.Customers = append(backup.Customers, c)
	}
	for _, m := range s.paymentMethods {
		backup.PaymentMethods = append(backup.PaymentMethods, m)
	}
	for _, sale := range s.salesByID {
		backup.Sales = append(backup.Sales, *cloneSale(sale))
	}

	slices.SortFunc(backup.Products, func(a, b domain.Product) int { return cmpString(a.ID, b.ID) })
	slices.SortFunc(backup.Customers, func(a, b domain.Customer) int { return cmpString(a.ID, b.ID) })
	slices.SortFunc(backup.PaymentMethods, func(a, b domain.PaymentMethod) int { return cmpString(a.ID, b.ID) })
	slices.SortFunc(backup.Sales, func(a, b domain.Sale) int { return cmpString(a.ID, b.ID) })
	return &backup, nil
}

func (s *Store) ImportBackup(_ context.Context, backup domain.Backup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if backup.NextSaleNumber < 1 {
		backup.NextSaleNumber = 1
	}

	products := make(map[string]domain.Product, len(backup.Products))
	for _, p := range backup.Products {
		if p.ID == "" {
			return store.ErrInvalidSale
		}
		products[p.ID] = p
	}
	customers := make(map[string]domain.Customer, len(backup.Customers))
	for _, c := range backup.Customers {
		if c.ID == "" {
			return store.ErrInvalidSale
		}
		customers[c.ID] = c
	}
	methods := make(map[string]domain.PaymentMethod, len(backup.PaymentMethods))
	for _, m := range backup.PaymentMethods {
		if m.ID == "" {
			return store.ErrInvalidSale
		}
		methods[m.ID] = m
	}
	sales := make(map[string]*domain.Sale, len(backup.Sales))
	for i := range backup.Sales {
		sale := backup.Sales[i]
		if sale.ID == "" {
			return store.ErrInvalidSale
		}
		sales[sale.ID] = cloneSale(&sale)
	}

	s.products = products
	s.customers = customers
	s.paymentMethods = methods
	s.company = backup.Company
	s.salesByID = sales
	s.nextSaleNumber = backup.NextSaleNumber
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidSale
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidSale
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "operator"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidSale
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func formatSaleID(n int64) string {
	return fmt.Sprintf("%06d", n)
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

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	dupItems := make([]domain.SaleItem, len(src.Items))
	copy(dupItems, src.Items)
	dup.Items = dupItems
	dupPayments := make([]domain.PaymentEntry, len(src.Payments))
	copy(dupPayments, src.Payments)
	dup.Payments = dupPayments
	return &dup
}
