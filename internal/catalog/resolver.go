// Package catalog maps the payment provider's product and variant ids to the
// templates this service sells.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"templateshop.app/api/internal/apperr"
	"templateshop.app/api/internal/logger"
	"templateshop.app/api/models"
)

// TemplateFinder is the part of the store the resolver reads from.
type TemplateFinder interface {
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	FindTemplatesByProviderIDs(ctx context.Context, productID, variantID string) ([]*models.Template, error)
}

type TemplateSaver interface {
	SaveTemplate(ctx context.Context, template *models.Template) error
}

// Package is one entry of the product map file.
type Package struct {
	TemplateID string `yaml:"template_id"`
	Name       string `yaml:"name"`
	ProductID  string `yaml:"product_id"`
	VariantID  string `yaml:"variant_id"`
}

// Mapping is the static product map. A product or variant id maps to at most
// one template.
type Mapping struct {
	Packages []Package `yaml:"packages"`

	byProduct map[string]string
	byVariant map[string]string
}

// LoadMapping reads the product map file at path. An empty path yields an
// empty mapping, leaving resolution to the store.
func LoadMapping(path string) (*Mapping, error) {
	if path == "" {
		return ParseMapping(nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read product map: %w", err)
	}
	return ParseMapping(data)
}

func ParseMapping(data []byte) (*Mapping, error) {
	m := &Mapping{}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, m); err != nil {
			return nil, fmt.Errorf("parse product map: %w", err)
		}
	}
	if err := m.index(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mapping) index() error {
	var errs *multierror.Error
	m.byProduct = make(map[string]string)
	m.byVariant = make(map[string]string)

	for i, pkg := range m.Packages {
		pkg.TemplateID = strings.TrimSpace(pkg.TemplateID)
		pkg.ProductID = strings.TrimSpace(pkg.ProductID)
		pkg.VariantID = strings.TrimSpace(pkg.VariantID)
		m.Packages[i] = pkg

		if pkg.TemplateID == "" {
			errs = multierror.Append(errs, fmt.Errorf("package %d: template_id is required", i))
			continue
		}
		if pkg.ProductID == "" && pkg.VariantID == "" {
			errs = multierror.Append(errs, fmt.Errorf("package %s: product_id or variant_id is required", pkg.TemplateID))
			continue
		}
		if err := claim(m.byProduct, "product", pkg.ProductID, pkg.TemplateID); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := claim(m.byVariant, "variant", pkg.VariantID, pkg.TemplateID); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func claim(index map[string]string, kind, id, templateID string) error {
	if id == "" {
		return nil
	}
	if owner, taken := index[id]; taken && owner != templateID {
		return fmt.Errorf("%s %s is mapped to both %s and %s", kind, id, owner, templateID)
	}
	index[id] = templateID
	return nil
}

func (m *Mapping) Len() int {
	return len(m.Packages)
}

// Lookup returns the template a product or variant id is mapped to. Ids that
// point at different templates are an error.
func (m *Mapping) Lookup(productID, variantID string) (string, bool, error) {
	byProduct, productOK := "", false
	if productID != "" {
		byProduct, productOK = m.byProduct[productID]
	}
	byVariant, variantOK := "", false
	if variantID != "" {
		byVariant, variantOK = m.byVariant[variantID]
	}

	switch {
	case productOK && variantOK && byProduct != byVariant:
		return "", false, fmt.Errorf("product %s maps to %s but variant %s maps to %s", productID, byProduct, variantID, byVariant)
	case productOK:
		return byProduct, true, nil
	case variantOK:
		return byVariant, true, nil
	}
	return "", false, nil
}

type Resolver struct {
	mapping *Mapping
	log     *logger.Logger
}

func NewResolver(mapping *Mapping) *Resolver {
	if mapping == nil {
		mapping, _ = ParseMapping(nil)
	}
	return &Resolver{
		mapping: mapping,
		log:     logger.With(logger.Fields{"component": "catalog"}),
	}
}

// Resolve finds the template sold under productID or variantID. The static
// mapping wins over the store; no match and more than one match are both
// integrity failures.
func (r *Resolver) Resolve(ctx context.Context, finder TemplateFinder, productID, variantID string) (*models.Template, error) {
	const op = "resolve template"

	if productID == "" && variantID == "" {
		return nil, apperr.Integrity(op, "no product or variant id to resolve")
	}

	templateID, mapped, err := r.mapping.Lookup(productID, variantID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIntegrity, op, err, "ambiguous product mapping")
	}
	if mapped {
		template, err := finder.GetTemplate(ctx, templateID)
		if err != nil {
			return nil, fmt.Errorf("get mapped template %s: %w", templateID, err)
		}
		if template == nil {
			return nil, apperr.Integrity(op, fmt.Sprintf("mapped template %s does not exist", templateID))
		}
		return template, nil
	}

	templates, err := finder.FindTemplatesByProviderIDs(ctx, productID, variantID)
	if err != nil {
		return nil, fmt.Errorf("find templates: %w", err)
	}

	distinct := make(map[string]*models.Template, len(templates))
	for _, template := range templates {
		distinct[template.ID] = template
	}

	switch len(distinct) {
	case 0:
		return nil, apperr.Integrity(op, fmt.Sprintf("no template for product %q variant %q", productID, variantID))
	case 1:
		return templates[0], nil
	}

	ids := make([]string, 0, len(distinct))
	for id := range distinct {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r.log.Error("Ambiguous template match", logger.Fields{
		"product_id":   productID,
		"variant_id":   variantID,
		"template_ids": ids,
	})
	return nil, apperr.Integrity(op, fmt.Sprintf("product %q variant %q matches templates %s", productID, variantID, strings.Join(ids, ", ")))
}

// TierForVariant derives the license tier from the provider's variant name.
func TierForVariant(variantName string) models.LicenseTier {
	name := strings.ToLower(variantName)
	if strings.Contains(name, "extended") || strings.Contains(name, "commercial") {
		return models.TierExtended
	}
	return models.TierSingle
}

// SeedTemplates upserts every mapped package that carries a name, so a fresh
// database can resolve the products in the map file.
func SeedTemplates(ctx context.Context, store TemplateSaver, mapping *Mapping) (int, error) {
	if mapping == nil {
		return 0, errors.New("nil product mapping")
	}

	seeded := 0
	for _, pkg := range mapping.Packages {
		if pkg.Name == "" {
			continue
		}
		template := &models.Template{
			ID:                pkg.TemplateID,
			Name:              pkg.Name,
			ProviderProductID: pkg.ProductID,
			ProviderVariantID: pkg.VariantID,
		}
		if err := store.SaveTemplate(ctx, template); err != nil {
			return seeded, fmt.Errorf("seed template %s: %w", pkg.TemplateID, err)
		}
		seeded++
	}
	return seeded, nil
}
