package main

import (
	"compress/gzip"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"discount-engine/internal/importer"

	"gopkg.in/yaml.v3"
)

// generateSampleCodes writes a seed document for SEED_FILE and the products it
// refers to. Load products.sql first; codes for unknown products are rejected.
//
// Two definitions are deliberately rejected by the importer:
//   - BIGFIXED: fixed 50 on a 40.00 product
//   - STOLEN:   seller-2 creating a code on seller-1's product
func main() {
	dataDir := "data/seeds"

	// Create directory if it doesn't exist
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Fatalf("Failed to create directory: %v", err)
	}

	expires := time.Now().UTC().AddDate(0, 3, 0).Truncate(time.Second)

	doc := importer.Document{Codes: []importer.Definition{
		{ProductID: "P001", OwnerID: "seller-1", Code: "SPRING10", Type: "percentage", Value: "10", MaxUses: intPtr(100), ExpiresAt: &expires},
		{ProductID: "P001", OwnerID: "seller-1", Code: "FIVEOFF", Type: "fixed", Value: "5.00"},
		{ProductID: "P001", OwnerID: "seller-1", Code: "ONEONLY", Type: "percentage", Value: "50", MaxUses: intPtr(1)},
		{ProductID: "P001", OwnerID: "seller-1", Code: "BIGFIXED", Type: "fixed", Value: "50"},
		{ProductID: "P002", OwnerID: "seller-2", Code: "HALFPRICE", Type: "percentage", Value: "50", MaxUses: intPtr(10)},
		{ProductID: "P001", OwnerID: "seller-2", Code: "STOLEN", Type: "percentage", Value: "90"},
	}}

	out, err := yaml.Marshal(doc)
	if err != nil {
		log.Fatalf("Failed to encode seed document: %v", err)
	}

	plain := filepath.Join(dataDir, "codes.yaml")
	if err := os.WriteFile(plain, out, 0644); err != nil {
		log.Fatalf("Failed to write %s: %v", plain, err)
	}
	fmt.Printf("Created %s with %d codes\n", plain, len(doc.Codes))

	compressed := plain + ".gz"
	if err := writeGzip(compressed, out); err != nil {
		log.Fatalf("Failed to write %s: %v", compressed, err)
	}
	fmt.Printf("Created %s (upload under S3_PREFIX to import from S3)\n", compressed)

	products := filepath.Join(dataDir, "products.sql")
	if err := os.WriteFile(products, []byte(productsSQL), 0644); err != nil {
		log.Fatalf("Failed to write %s: %v", products, err)
	}
	fmt.Printf("Created %s\n", products)
}

const productsSQL = `INSERT INTO products (id, name, price, category, owner_id) VALUES
    ('P001', 'Espresso Machine', 40.00, 'Kitchen', 'seller-1'),
    ('P002', 'Pour Over Kettle', 25.50, 'Kitchen', 'seller-2')
ON CONFLICT (id) DO NOTHING;
`

func writeGzip(path string, data []byte) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	gzipWriter := gzip.NewWriter(file)
	if _, err := gzipWriter.Write(data); err != nil {
		return fmt.Errorf("failed to write seed document: %w", err)
	}
	return gzipWriter.Close()
}

func intPtr(v int) *int { return &v }
