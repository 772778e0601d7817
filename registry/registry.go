// Package registry maps hardware vendor/product ids to product names and
// feature flags.
//
// The registry is consumed by layers above the protocol core: the daemon
// annotates discovered devices with product names, and callers can check
// feature support before issuing feature-specific commands. A built-in
// product table is embedded; an external YAML file can replace it for
// newer hardware.
package registry

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed products.yaml
var embeddedProducts []byte

// Features describes what a product supports.
type Features struct {
	Color             bool `yaml:"color"`
	Infrared          bool `yaml:"infrared"`
	Multizone         bool `yaml:"multizone"`
	ExtendedMultizone bool `yaml:"extended_multizone"`
	Matrix            bool `yaml:"matrix"`
	Hev               bool `yaml:"hev"`
	Relays            bool `yaml:"relays"`
	Buttons           bool `yaml:"buttons"`

	// TemperatureRange is the supported color temperature range in kelvin,
	// [min, max]. Empty for products without adjustable temperature.
	TemperatureRange []uint16 `yaml:"temperature_range,omitempty"`
}

// Product is one hardware product.
type Product struct {
	PID      uint32   `yaml:"pid"`
	Name     string   `yaml:"name"`
	Features Features `yaml:"features"`
}

// vendorEntry is the YAML shape of one vendor block.
type vendorEntry struct {
	VID      uint32    `yaml:"vid"`
	Name     string    `yaml:"name"`
	Products []Product `yaml:"products"`
}

type productKey struct {
	vendor  uint32
	product uint32
}

// Registry resolves vendor/product id pairs as reported in StateVersion
// replies.
type Registry struct {
	vendors  map[uint32]string
	products map[productKey]*Product
}

// Load parses the embedded product table.
func Load() (*Registry, error) {
	return parse(embeddedProducts)
}

// LoadFile parses a product table from an external YAML file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	return parse(data)
}

func parse(data []byte) (*Registry, error) {
	var entries []vendorEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("registry: parse product table: %w", err)
	}

	r := &Registry{
		vendors:  make(map[uint32]string),
		products: make(map[productKey]*Product),
	}

	for _, v := range entries {
		r.vendors[v.VID] = v.Name
		for i := range v.Products {
			p := v.Products[i]
			r.products[productKey{vendor: v.VID, product: p.PID}] = &p
		}
	}

	return r, nil
}

// Lookup returns the product for a vendor/product id pair.
func (r *Registry) Lookup(vendor, product uint32) (*Product, bool) {
	p, ok := r.products[productKey{vendor: vendor, product: product}]
	return p, ok
}

// VendorName returns the name for a vendor id.
func (r *Registry) VendorName(vendor uint32) (string, bool) {
	name, ok := r.vendors[vendor]
	return name, ok
}

// Len returns the number of known products.
func (r *Registry) Len() int {
	return len(r.products)
}
