package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/wleicht/salesapi/pkg/mylogger"
	"github.com/wleicht/salesapi/services/inventory/internal/domain"
	"github.com/wleicht/salesapi/services/inventory/internal/repository"
	"go.uber.org/zap"
)

type ProductService interface {
	Create(ctx context.Context, product *domain.Product) (int64, error)
	FindByID(ctx context.Context, id int64) (*domain.Product, error)
	List(ctx context.Context, limit, offset int64, search string) ([]domain.Product, int64, error)
}

type productService struct {
	productRepo repository.ProductRepository
	validate    *validator.Validate
	logger      *zap.Logger
}

func NewProductService(productRepo repository.ProductRepository, validate *validator.Validate, logger *zap.Logger) ProductService {
	return &productService{
		productRepo: productRepo,
		validate:    validate,
		logger:      logger,
	}
}

func (s *productService) Create(ctx context.Context, product *domain.Product) (int64, error) {
	if err := s.validate.StructCtx(ctx, product); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidProduct, err)
	}

	id, err := s.productRepo.Create(ctx, product)
	if err != nil {
		if errors.Is(err, repository.ErrProductExists) {
			mylogger.Warn(ctx, s.logger, "Product already exists", zap.String("name", product.Name))
			return 0, err
		}

		mylogger.Error(ctx, s.logger, "create error", zap.Error(err))
		return 0, fmt.Errorf("error creating product: %w", err)
	}

	mylogger.Info(ctx, s.logger, "Product created", zap.Int64("product_id", id), zap.Int64("available", product.Available))

	return id, nil
}

func (s *productService) FindByID(ctx context.Context, id int64) (*domain.Product, error) {
	res, err := s.productRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			mylogger.Warn(ctx, s.logger, "product not found", zap.Int64("product_id", id))
			return nil, err
		}

		mylogger.Error(ctx, s.logger, "error getting product", zap.Error(err))
		return nil, fmt.Errorf("error getting product by id: %w", err)
	}

	return res, nil
}

func (s *productService) List(ctx context.Context, limit, offset int64, search string) ([]domain.Product, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	list, total, err := s.productRepo.List(ctx, limit, offset, search)
	if err != nil {
		mylogger.Error(ctx, s.logger, "list error", zap.Error(err))
		return nil, 0, fmt.Errorf("error listing products: %w", err)
	}

	return list, total, nil
}
