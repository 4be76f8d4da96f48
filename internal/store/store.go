package store

import (
	"context"
	"errors"
	"time"

	"github.com/petfriendzone23-source/caixa-pet-shop/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidSale       = errors.New("invalid sale")
	ErrDuplicateCode     = errors.New("duplicate product code")
)

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	GetProductByCode(ctx context.Context, code string) (*domain.Product, error)
	SaveProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error
	SetProductStock(ctx context.Context, id string, stock float64) (*domain.Product, error)

	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error)
	SaveCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	DeleteCustomer(ctx context.Context, id string) error

	ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error)
	GetPaymentMethodByID(ctx context.Context, id string) (*domain.PaymentMethod, error)
	SavePaymentMethod(ctx context.Context, method domain.PaymentMethod) (*domain.PaymentMethod, error)
	DeletePaymentMethod(ctx context.Context, id string) error

	GetCompanyInfo(ctx context.Context) (*domain.CompanyInfo, error)
	SaveCompanyInfo(ctx context.Context, info domain.CompanyInfo) (*domain.CompanyInfo, error)

	// CommitSale atomically reconciles stock and persists the sale. When
	// sale.ID is empty a sequential id is assigned from the persisted
	// counter; otherwise the existing sale with that id is replaced and
	// its stock allocation is credited back before availability checks.
	CommitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	CancelSale(ctx context.Context, id string, at time.Time) (*domain.Sale, error)
	GetSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, from time.Time, to time.Time) ([]domain.Sale, error)

	ExportBackup(ctx context.Context) (*domain.Backup, error)
	ImportBackup(ctx context.Context, backup domain.Backup) error

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
