package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pos-sync-agent/internal/models"
	"pos-sync-agent/internal/remote"
	"pos-sync-agent/internal/store"
	"pos-sync-agent/internal/util"

	"go.uber.org/zap"
)

// Checkpoint setting keys, one per pulled collection.
const (
	settingProductsSyncedAt   = "catalog.products.synced_at"
	settingCategoriesSyncedAt = "catalog.categories.synced_at"
	settingCustomersSyncedAt  = "catalog.customers.synced_at"
	settingUsersSyncedAt      = "catalog.users.synced_at"
)

// CatalogService pulls reference data (products, categories, customers,
// users) from the remote store into the local cache. Pulls are one-way:
// locally created rows are never overwritten by a pull.
type CatalogService struct {
	store  *store.Store
	remote remote.Store
	logger *zap.Logger
}

// NewCatalogService creates a new catalog service
func NewCatalogService(st *store.Store, rs remote.Store) *CatalogService {
	return &CatalogService{
		store:  st,
		remote: rs,
		logger: util.GetLogger(),
	}
}

// RefreshResult reports how a refresh pass went per collection.
type RefreshResult struct {
	Products   int `json:"products"`
	Categories int `json:"categories"`
	Customers  int `json:"customers"`
	Users      int `json:"users"`
}

// Refresh pulls every reference collection that changed since the last
// checkpoint. Errors on one collection do not stop the others.
func (s *CatalogService) Refresh(ctx context.Context) (*RefreshResult, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.Refresh")
	defer span.End()

	result := &RefreshResult{}
	var errs []error

	n, err := s.refreshProducts(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("products: %w", err))
	}
	result.Products = n

	n, err = s.refreshCategories(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("categories: %w", err))
	}
	result.Categories = n

	n, err = s.refreshCustomers(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("customers: %w", err))
	}
	result.Customers = n

	n, err = s.refreshUsers(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("users: %w", err))
	}
	result.Users = n

	if len(errs) > 0 {
		return result, fmt.Errorf("catalog refresh incomplete: %w", errors.Join(errs...))
	}
	s.logger.Info("Catalog refreshed",
		zap.Int("products", result.Products),
		zap.Int("categories", result.Categories),
		zap.Int("customers", result.Customers),
		zap.Int("users", result.Users))
	return result, nil
}

func (s *CatalogService) refreshProducts(ctx context.Context) (int, error) {
	since, err := s.checkpoint(ctx, settingProductsSyncedAt)
	if err != nil {
		return 0, err
	}
	docs, err := s.remote.ListDocuments(ctx, "products", since)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, doc := range docs {
		var p models.Product
		if err := json.Unmarshal(doc.Data, &p); err != nil {
			s.logger.Warn("Skipping malformed product document",
				zap.String("id", doc.ID), zap.Error(err))
			continue
		}
		p.ID = doc.ID
		p.Source = models.SourceRemote
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = doc.UpdatedAt
		}
		skip, err := s.localWins(ctx, func() (string, error) {
			existing, err := s.store.GetProductByID(ctx, p.ID)
			if err != nil {
				return "", err
			}
			return existing.Source, nil
		})
		if err != nil {
			return count, err
		}
		if skip {
			continue
		}
		if err := s.store.UpsertProduct(ctx, &p); err != nil {
			return count, err
		}
		count++
	}
	return count, s.stamp(ctx, settingProductsSyncedAt)
}

func (s *CatalogService) refreshCategories(ctx context.Context) (int, error) {
	since, err := s.checkpoint(ctx, settingCategoriesSyncedAt)
	if err != nil {
		return 0, err
	}
	docs, err := s.remote.ListDocuments(ctx, "categories", since)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, doc := range docs {
		var c models.Category
		if err := json.Unmarshal(doc.Data, &c); err != nil {
			s.logger.Warn("Skipping malformed category document",
				zap.String("id", doc.ID), zap.Error(err))
			continue
		}
		c.ID = doc.ID
		c.Source = models.SourceRemote
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = doc.UpdatedAt
		}
		if err := s.store.UpsertCategory(ctx, &c); err != nil {
			return count, err
		}
		count++
	}
	return count, s.stamp(ctx, settingCategoriesSyncedAt)
}

func (s *CatalogService) refreshCustomers(ctx context.Context) (int, error) {
	since, err := s.checkpoint(ctx, settingCustomersSyncedAt)
	if err != nil {
		return 0, err
	}
	docs, err := s.remote.ListDocuments(ctx, "customers", since)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, doc := range docs {
		var c models.Customer
		if err := json.Unmarshal(doc.Data, &c); err != nil {
			s.logger.Warn("Skipping malformed customer document",
				zap.String("id", doc.ID), zap.Error(err))
			continue
		}
		c.ID = doc.ID
		c.Source = models.SourceRemote
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = doc.UpdatedAt
		}
		skip, err := s.localWins(ctx, func() (string, error) {
			existing, err := s.store.GetCustomerByID(ctx, c.ID)
			if err != nil {
				return "", err
			}
			return existing.Source, nil
		})
		if err != nil {
			return count, err
		}
		if skip {
			continue
		}
		if err := s.store.UpsertCustomer(ctx, &c); err != nil {
			return count, err
		}
		count++
	}
	return count, s.stamp(ctx, settingCustomersSyncedAt)
}

func (s *CatalogService) refreshUsers(ctx context.Context) (int, error) {
	since, err := s.checkpoint(ctx, settingUsersSyncedAt)
	if err != nil {
		return 0, err
	}
	docs, err := s.remote.ListDocuments(ctx, "users", since)
	if err != nil {
		return 0, err
	}
	count := 0
	now := time.Now().UTC()
	for _, doc := range docs {
		var u struct {
			models.User
			PIN string `json:"pin"`
		}
		if err := json.Unmarshal(doc.Data, &u); err != nil {
			s.logger.Warn("Skipping malformed user document",
				zap.String("id", doc.ID), zap.Error(err))
			continue
		}
		user := u.User
		user.PIN = u.PIN
		user.LastSynced = sql.NullTime{Time: now, Valid: true}
		if err := s.store.UpsertUser(ctx, &user); err != nil {
			return count, err
		}
		count++
	}
	return count, s.stamp(ctx, settingUsersSyncedAt)
}

// localWins reports whether an existing locally-created row should block a
// pulled document. A missing row never blocks.
func (s *CatalogService) localWins(ctx context.Context, source func() (string, error)) (bool, error) {
	src, err := source()
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return src == models.SourceLocal, nil
}

func (s *CatalogService) checkpoint(ctx context.Context, key string) (time.Time, error) {
	setting, err := s.store.GetSetting(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if setting.Value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, setting.Value)
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}

func (s *CatalogService) stamp(ctx context.Context, key string) error {
	now := time.Now().UTC()
	if err := s.store.PutSetting(ctx, key, now.Format(time.RFC3339)); err != nil {
		return err
	}
	return s.store.StampSettingSynced(ctx, key, now)
}
