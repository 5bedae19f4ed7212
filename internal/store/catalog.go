package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pos-sync-agent/internal/models"
)

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProductByBarcode retrieves a product by barcode
func (s *Store) GetProductByBarcode(ctx context.Context, barcode string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE barcode = ?", barcode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product barcode %s: %w", barcode, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProducts retrieves all products
func (s *Store) GetProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := s.db.SelectContext(ctx, &products, "SELECT * FROM products ORDER BY name")
	return products, err
}

// UpsertProduct inserts or replaces a product row
func (s *Store) UpsertProduct(ctx context.Context, p *models.Product) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, barcode, sku, name, category_id, price, stock, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			barcode = excluded.barcode, sku = excluded.sku, name = excluded.name,
			category_id = excluded.category_id, price = excluded.price,
			stock = excluded.stock, source = excluded.source, updated_at = excluded.updated_at`,
		p.ID, p.Barcode, p.SKU, p.Name, p.CategoryID, p.Price, p.Stock, p.Source, p.CreatedAt, p.UpdatedAt)
	return err
}

// AdjustStock applies a stock delta to a product
func (s *Store) AdjustStock(ctx context.Context, productID string, delta int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE products SET stock = stock + ?, updated_at = ? WHERE id = ?",
		delta, time.Now().UTC(), productID)
	return err
}

// GetCategories retrieves all categories
func (s *Store) GetCategories(ctx context.Context) ([]models.Category, error) {
	var categories []models.Category
	err := s.db.SelectContext(ctx, &categories, "SELECT * FROM categories ORDER BY name")
	return categories, err
}

// UpsertCategory inserts or replaces a category row
func (s *Store) UpsertCategory(ctx context.Context, c *models.Category) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (id, name, color, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, color = excluded.color,
			source = excluded.source, updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Color, c.Source, c.CreatedAt, c.UpdatedAt)
	return err
}

// GetCustomerByID retrieves a customer by ID
func (s *Store) GetCustomerByID(ctx context.Context, id string) (*models.Customer, error) {
	var customer models.Customer
	err := s.db.GetContext(ctx, &customer, "SELECT * FROM customers WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("customer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

// GetCustomers retrieves all customers
func (s *Store) GetCustomers(ctx context.Context) ([]models.Customer, error) {
	var customers []models.Customer
	err := s.db.SelectContext(ctx, &customers, "SELECT * FROM customers ORDER BY name")
	return customers, err
}

// UpsertCustomer inserts or replaces a customer row
func (s *Store) UpsertCustomer(ctx context.Context, c *models.Customer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, email, phone, customer_code, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, email = excluded.email, phone = excluded.phone,
			customer_code = excluded.customer_code, source = excluded.source,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Email, c.Phone, c.CustomerCode, c.Source, c.CreatedAt, c.UpdatedAt)
	return err
}

// GetUsers retrieves all staff users. The pin column is deliberately not
// selected here.
func (s *Store) GetUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := s.db.SelectContext(ctx, &users,
		"SELECT id, username, name, role, email, '' AS pin, last_synced FROM users ORDER BY username")
	return users, err
}

// GetUserByUsername retrieves a user including the pin, for local verification only
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user, "SELECT * FROM users WHERE username = ?", username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UpsertUser inserts or updates a staff user
func (s *Store) UpsertUser(ctx context.Context, u *models.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, name, role, email, pin, last_synced)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			name = excluded.name, role = excluded.role, email = excluded.email,
			last_synced = excluded.last_synced`,
		u.Username, u.Name, u.Role, u.Email, u.PIN, u.LastSynced)
	return err
}

// GetSetting retrieves a setting by key
func (s *Store) GetSetting(ctx context.Context, key string) (*models.Setting, error) {
	var setting models.Setting
	err := s.db.GetContext(ctx, &setting, "SELECT * FROM settings WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &setting, nil
}

// PutSetting writes a setting value
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// StampSettingSynced records when a setting was last refreshed from the remote
func (s *Store) StampSettingSynced(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE settings SET last_synced = ? WHERE key = ?", at, key)
	return err
}
