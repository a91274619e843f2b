package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/xelth-com/girosync/internal/models"
	"gorm.io/gorm"
)

// NewSeedCommand creates the seed command.
func NewSeedCommand(opts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a small demo catalog",
		Long: `Create a small demo catalog of categories, suppliers, products and staff.

The rows are written like any local edit, so they are journaled and go to the
server with the next push.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				seeded, err := seedDemo(a.db.DB, force)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), seeded, func(w io.Writer) {
					fmt.Fprintf(w, "🌱 Created %d categories, %d suppliers, %d products, %d employees\n",
						seeded.Categories, seeded.Suppliers, seeded.Products, seeded.Employees)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "seed even when the catalog already has products")
	return cmd
}

type seedResult struct {
	Categories int `json:"categories"`
	Suppliers  int `json:"suppliers"`
	Products   int `json:"products"`
	Employees  int `json:"employees"`
}

func seedDemo(db *gorm.DB, force bool) (*seedResult, error) {
	var productCount int64
	if err := db.Model(&models.Product{}).Count(&productCount).Error; err != nil {
		return nil, err
	}
	if productCount > 0 && !force {
		return nil, fmt.Errorf("catalog already has %d products, use --force to seed anyway", productCount)
	}

	drinks := models.Category{Name: "Drinks", SortOrder: 1, Color: "#6f4e37"}
	bakery := models.Category{Name: "Bakery", SortOrder: 2, Color: "#d2a24c"}
	roastery := models.Supplier{Name: "Rösterei Nord", ContactName: "Kai Brandt"}
	mill := models.Supplier{Name: "Mühle am Bach", ContactName: "Ilse Vogt"}

	res := &seedResult{}
	err := db.Transaction(func(tx *gorm.DB) error {
		categories := []*models.Category{&drinks, &bakery}
		for _, c := range categories {
			if err := tx.Create(c).Error; err != nil {
				return fmt.Errorf("failed to create category %s: %w", c.Name, err)
			}
		}
		res.Categories = len(categories)

		suppliers := []*models.Supplier{&roastery, &mill}
		for _, s := range suppliers {
			if err := tx.Create(s).Error; err != nil {
				return fmt.Errorf("failed to create supplier %s: %w", s.Name, err)
			}
		}
		res.Suppliers = len(suppliers)

		products := []models.Product{
			{Name: "Espresso", SKU: "DR-001", CategoryID: &drinks.ID, SupplierID: &roastery.ID, PriceCents: 250, CostCents: 40, TaxRate: 19, Unit: "cup", Active: true},
			{Name: "Cappuccino", SKU: "DR-002", CategoryID: &drinks.ID, SupplierID: &roastery.ID, PriceCents: 380, CostCents: 70, TaxRate: 19, Unit: "cup", Active: true},
			{Name: "Croissant", SKU: "BK-001", CategoryID: &bakery.ID, SupplierID: &mill.ID, PriceCents: 220, CostCents: 60, TaxRate: 7, Unit: "pc", Active: true},
			{Name: "Rye bread", SKU: "BK-002", Barcode: "4001234567890", CategoryID: &bakery.ID, SupplierID: &mill.ID, PriceCents: 420, CostCents: 150, TaxRate: 7, Unit: "pc", Active: true},
		}
		if err := tx.Create(&products).Error; err != nil {
			return fmt.Errorf("failed to create products: %w", err)
		}
		res.Products = len(products)

		employees := []models.Employee{
			{Name: "Demo Manager", Role: "manager", Active: true},
			{Name: "Demo Cashier", Role: "cashier", Active: true},
		}
		if err := tx.Create(&employees).Error; err != nil {
			return fmt.Errorf("failed to create employees: %w", err)
		}
		res.Employees = len(employees)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
