package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Entity type names as used on the wire
const (
	EntityProduct  = "product"
	EntityCategory = "category"
	EntitySupplier = "supplier"
	EntityCustomer = "customer"
	EntityEmployee = "employee"
	EntitySetting  = "setting"
)

func newID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

// Product is a sellable catalog item
type Product struct {
	ID         string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	SKU        string    `gorm:"type:varchar(100);index" json:"sku"`
	Barcode    string    `gorm:"type:varchar(100);index" json:"barcode"`
	Name       string    `gorm:"not null" json:"name"`
	CategoryID *string   `gorm:"type:varchar(64);index" json:"category_id,omitempty"`
	SupplierID *string   `gorm:"type:varchar(64);index" json:"supplier_id,omitempty"`
	PriceCents int64     `gorm:"not null;default:0" json:"price_cents"`
	CostCents  int64     `gorm:"not null;default:0" json:"cost_cents"`
	TaxRate    float64   `gorm:"not null;default:0" json:"tax_rate"`
	Unit       string    `gorm:"type:varchar(20)" json:"unit"`
	Active     bool      `gorm:"not null" json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Product) TableName() string { return "products" }

// BeforeCreate assigns an id to new products
func (p *Product) BeforeCreate(tx *gorm.DB) error { newID(&p.ID); return nil }

// GetEntityID implements SyncableEntity interface
func (p Product) GetEntityID() string { return p.ID }

// GetEntityType implements SyncableEntity interface
func (p Product) GetEntityType() string { return EntityProduct }

// SetEntityID implements SyncableEntity interface
func (p *Product) SetEntityID(id string) { p.ID = id }

// Category groups products, optionally nested
type Category struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	ParentID  *string   `gorm:"type:varchar(64);index" json:"parent_id,omitempty"`
	SortOrder int       `gorm:"not null;default:0" json:"sort_order"`
	Color     string    `gorm:"type:varchar(20)" json:"color"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Category) TableName() string { return "categories" }

func (c *Category) BeforeCreate(tx *gorm.DB) error { newID(&c.ID); return nil }

func (c Category) GetEntityID() string    { return c.ID }
func (c Category) GetEntityType() string  { return EntityCategory }
func (c *Category) SetEntityID(id string) { c.ID = id }

// Supplier delivers products
type Supplier struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name        string    `gorm:"not null" json:"name"`
	ContactName string    `json:"contact_name"`
	Email       string    `json:"email"`
	Phone       string    `json:"phone"`
	TaxID       string    `gorm:"type:varchar(50)" json:"tax_id"`
	Address     string    `gorm:"type:text" json:"address"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Supplier) TableName() string { return "suppliers" }

func (s *Supplier) BeforeCreate(tx *gorm.DB) error { newID(&s.ID); return nil }

func (s Supplier) GetEntityID() string    { return s.ID }
func (s Supplier) GetEntityType() string  { return EntitySupplier }
func (s *Supplier) SetEntityID(id string) { s.ID = id }

// Customer is a known buyer. Customers referenced by past receipts are never
// removed, a delete only deactivates them.
type Customer struct {
	ID             string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	CustomerNumber string    `gorm:"type:varchar(50);index" json:"customer_number"`
	Name           string    `gorm:"not null" json:"name"`
	Email          string    `json:"email"`
	Phone          string    `json:"phone"`
	TaxID          string    `gorm:"type:varchar(50)" json:"tax_id"`
	Active         bool      `gorm:"not null" json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Customer) TableName() string { return "customers" }

func (c *Customer) BeforeCreate(tx *gorm.DB) error { newID(&c.ID); return nil }

func (c Customer) GetEntityID() string    { return c.ID }
func (c Customer) GetEntityType() string  { return EntityCustomer }
func (c *Customer) SetEntityID(id string) { c.ID = id }

// DeactivateColumns implements Deactivatable
func (Customer) DeactivateColumns() map[string]interface{} {
	return map[string]interface{}{"active": false}
}

// Employee operates the till. The PIN hash stays on the machine it was set on.
type Employee struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	Role      string    `gorm:"type:varchar(30);default:'cashier'" json:"role"`
	Active    bool      `gorm:"not null" json:"active"`
	PinHash   string    `gorm:"type:varchar(255)" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Employee) TableName() string { return "employees" }

func (e *Employee) BeforeCreate(tx *gorm.DB) error { newID(&e.ID); return nil }

func (e Employee) GetEntityID() string    { return e.ID }
func (e Employee) GetEntityType() string  { return EntityEmployee }
func (e *Employee) SetEntityID(id string) { e.ID = id }

// SecretColumns implements SecretHolder
func (Employee) SecretColumns() []string { return []string{"pin_hash"} }

// Setting is a key/value store entry shared across machines
type Setting struct {
	Key       string    `gorm:"primaryKey;type:varchar(100)" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Setting) TableName() string { return "settings" }

func (s Setting) GetEntityID() string    { return s.Key }
func (s Setting) GetEntityType() string  { return EntitySetting }
func (s *Setting) SetEntityID(id string) { s.Key = id }

// CatalogModels returns one empty instance of every syncable model
func CatalogModels() []SyncableEntity {
	return []SyncableEntity{
		&Product{}, &Category{}, &Supplier{}, &Customer{}, &Employee{}, &Setting{},
	}
}
