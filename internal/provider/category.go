package provider

import (
	"fmt"
	"strings"
)

// Category classifies news articles.
type Category string

const (
	CategoryNacional      Category = "nacional"
	CategoryInternacional Category = "internacional"
	CategoryTributaria    Category = "tributaria"
	CategoryBCentral      Category = "bcentral"
	CategoryACHS          Category = "achs"
	CategoryDTrabajo      Category = "dtrabajo"
	CategoryPolitica      Category = "politica"
	CategoryTecnologia    Category = "tecnologia"
	CategoryEconomica     Category = "economica"
	CategoryNegocios      Category = "negocios"
	CategoryEmpresas      Category = "empresas"
	CategoryMercados      Category = "mercados"
	CategoryOtros         Category = "otros"
	CategoryLaboral       Category = "laboral"
)

var categories = map[Category]string{
	CategoryNacional:      "Nacional",
	CategoryInternacional: "Internacional",
	CategoryTributaria:    "Tributaria (SII)",
	CategoryBCentral:      "Banco Central",
	CategoryACHS:          "ACHS",
	CategoryDTrabajo:      "Dirección del Trabajo",
	CategoryPolitica:      "Política",
	CategoryTecnologia:    "Tecnología",
	CategoryEconomica:     "Económica",
	CategoryNegocios:      "Negocios",
	CategoryEmpresas:      "Empresas",
	CategoryMercados:      "Mercados",
	CategoryOtros:         "Otros",
	CategoryLaboral:       "Laboral",
}

// ParseCategory matches case-insensitively. The empty string is valid and
// means "all categories".
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if c == "" {
		return "", nil
	}
	if _, ok := categories[c]; !ok {
		return "", fmt.Errorf("unknown news category %q", s)
	}
	return c, nil
}

// Label is the human-readable category name.
func (c Category) Label() string {
	if l, ok := categories[c]; ok {
		return l
	}
	return string(c)
}
