// Package catalog describes the source tables replicated by the agent: which
// columns are projected, where each batch is delivered, and how child tables
// derive their eligibility from the fact table they belong to.
package catalog

import (
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Role classifies a tracked table.
type Role string

const (
	// Registry tables hold reference data (products, customers, sellers...).
	Registry Role = "registry"
	// Fact tables hold the primary transactional rows (sales).
	Fact Role = "fact"
	// Child tables hold rows owned by a fact row (line items, payments).
	Child Role = "child"
)

// FactSpec configures the cutoff and soft-delete behaviour of a fact table.
type FactSpec struct {
	DateColumn     string `yaml:"date_column"`
	DeletedColumn  string `yaml:"deleted_column"`
	DeletedValue   string `yaml:"deleted_value"`
	DeleteEndpoint string `yaml:"delete_endpoint"`
}

// ParentSpec links a child table to its fact table.
type ParentSpec struct {
	Table      string `yaml:"table"`
	Key        string `yaml:"key"`
	ForeignKey string `yaml:"foreign_key"`
}

// Table is a source table participating in sync.
type Table struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
	// Columns is a SQL projection, possibly with renames ("ID, SECAO AS NOME").
	Columns string `yaml:"columns"`
	// KeyColumn holds the natural id. Empty means the physical row locator
	// is used as the remote identity.
	KeyColumn string      `yaml:"key_column"`
	Filter    string      `yaml:"filter"`
	Role      Role        `yaml:"role"`
	Fact      *FactSpec   `yaml:"fact,omitempty"`
	Parent    *ParentSpec `yaml:"parent,omitempty"`
}

// Catalog is the ordered list of tracked tables. Order is delivery priority:
// registries first, then facts, then their children.
type Catalog struct {
	Tables []Table `yaml:"tables"`
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// IsIdentifier reports whether s is a plain, unquoted SQL identifier.
func IsIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// Default returns the built-in point-of-sale catalog.
func Default() Catalog {
	saida := &FactSpec{
		DateColumn:     "DATA",
		DeletedColumn:  "ELIMINADO",
		DeletedValue:   "S",
		DeleteEndpoint: "/api/sync/saida/delete",
	}
	saidaParent := &ParentSpec{Table: "SAIDA", Key: "ID", ForeignKey: "ID_SAIDA"}
	return Catalog{Tables: []Table{
		{Name: "USUARIOS", Endpoint: "/api/sync/cadastros/usuario_pdv", Columns: "ID, NOME, LOGIN", KeyColumn: "ID", Role: Registry},
		{Name: "SECAO", Endpoint: "/api/sync/cadastros/secao", Columns: "ID, SECAO AS NOME", KeyColumn: "ID", Role: Registry},
		{Name: "GRUPO", Endpoint: "/api/sync/cadastros/grupo", Columns: "ID, GRUPO AS NOME, ID_SECAO", KeyColumn: "ID", Role: Registry},
		{Name: "FAMILIA", Endpoint: "/api/sync/cadastros/familia", Columns: "ID, FAMILIA AS NOME", KeyColumn: "ID", Role: Registry},
		{Name: "VENDEDOR", Endpoint: "/api/sync/cadastros/vendedor", Columns: "ID, NOME, COMISSAO, ATIVO", KeyColumn: "ID", Role: Registry},
		{Name: "FABRICANTE", Endpoint: "/api/sync/cadastros/fabricante", Columns: "ID, FABRICANTE AS NOME", KeyColumn: "ID", Role: Registry},
		{Name: "PESSOA", Endpoint: "/api/sync/cadastros/cliente", Columns: "ID, NOME, CNPJ_CPF, CIDADE, ATIVO", KeyColumn: "ID", Filter: "CLIENTE = 'S'", Role: Registry},
		{Name: "FORMAPAG", Endpoint: "/api/sync/cadastros/formapag", Columns: "ID, FORMAPAG AS NOME, TIPO", KeyColumn: "ID", Role: Registry},
		{Name: "PRODUTO", Endpoint: "/api/sync/cadastros/produto", Columns: "ID, NOME, PRECO_VENDA, CUSTO_TOTAL, ID_GRUPO, ID_FABRICANTE, ID_FORNECEDOR, ID_FAMILIA, ATIVO", KeyColumn: "ID", Role: Registry},
		{Name: "SAIDA", Endpoint: "/api/sync/saida", Columns: "ID, ID_FILIAL, DATA, HORA, TOTAL, ID_CLIENTE, TERMINAL, USUARIO AS ID_USUARIO, ELIMINADO, NORMAL, NUMERO, SERIE, TIPOSAIDA, TIPO, CHAVENFE", KeyColumn: "ID", Role: Fact, Fact: saida},
		{Name: "SAIDA_PRODUTO", Endpoint: "/api/sync/saida_produto", Columns: "ID, ID_SAIDA, ID_PRODUTO, ID_VENDEDOR, QUANT, TOTAL", KeyColumn: "ID", Role: Child, Parent: saidaParent},
		{Name: "SAIDA_FORMAPAG", Endpoint: "/api/sync/saida_formapag", Columns: "ID_SAIDA, ID_FORMAPAG, VALOR", Role: Child, Parent: saidaParent},
	}}
}

// Load reads a YAML catalog from path. An empty path yields the default catalog.
func Load(path string) (Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, errors.Wrap(err, "reading catalog")
	}
	var c Catalog
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return Catalog{}, errors.Wrapf(err, "parsing catalog %s", path)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// Validate checks the catalog for structural mistakes.
func (c Catalog) Validate() error {
	if len(c.Tables) == 0 {
		return errors.New("catalog has no tables")
	}
	seen := map[string]Table{}
	for i, t := range c.Tables {
		if !IsIdentifier(t.Name) {
			return errors.Errorf("table %d: invalid name %q", i, t.Name)
		}
		name := strings.ToUpper(t.Name)
		if _, dup := seen[name]; dup {
			return errors.Errorf("table %s: listed twice", t.Name)
		}
		if strings.TrimSpace(t.Endpoint) == "" {
			return errors.Errorf("table %s: endpoint is required", t.Name)
		}
		if strings.TrimSpace(t.Columns) == "" {
			return errors.Errorf("table %s: columns are required", t.Name)
		}
		if t.KeyColumn != "" && !IsIdentifier(t.KeyColumn) {
			return errors.Errorf("table %s: invalid key column %q", t.Name, t.KeyColumn)
		}
		switch t.Role {
		case Registry, "":
		case Fact:
			if t.Fact == nil {
				return errors.Errorf("table %s: fact role requires a fact section", t.Name)
			}
			for _, col := range []string{t.Fact.DateColumn, t.Fact.DeletedColumn} {
				if col != "" && !IsIdentifier(col) {
					return errors.Errorf("table %s: invalid fact column %q", t.Name, col)
				}
			}
			if t.Fact.DeletedColumn != "" && t.KeyColumn == "" {
				return errors.Errorf("table %s: soft-delete propagation requires a key column", t.Name)
			}
			if t.Fact.DeletedColumn != "" && strings.TrimSpace(t.Fact.DeleteEndpoint) == "" {
				return errors.Errorf("table %s: soft-delete propagation requires a delete endpoint", t.Name)
			}
		case Child:
			if t.Parent == nil {
				return errors.Errorf("table %s: child role requires a parent section", t.Name)
			}
			parent, ok := seen[strings.ToUpper(t.Parent.Table)]
			if !ok {
				return errors.Errorf("table %s: parent %s must be listed before it", t.Name, t.Parent.Table)
			}
			if parent.Role != Fact {
				return errors.Errorf("table %s: parent %s is not a fact table", t.Name, t.Parent.Table)
			}
			if !IsIdentifier(t.Parent.Key) || !IsIdentifier(t.Parent.ForeignKey) {
				return errors.Errorf("table %s: invalid parent link %s.%s", t.Name, t.Parent.Key, t.Parent.ForeignKey)
			}
		default:
			return errors.Errorf("table %s: unknown role %q", t.Name, t.Role)
		}
		seen[name] = t
	}
	return nil
}

// Lookup finds a table by name, case-insensitively.
func (c Catalog) Lookup(name string) (Table, bool) {
	for _, t := range c.Tables {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return Table{}, false
}

// Children returns the child tables whose parent is the named fact table.
func (c Catalog) Children(fact string) []Table {
	var out []Table
	for _, t := range c.Tables {
		if t.Role == Child && t.Parent != nil && strings.EqualFold(t.Parent.Table, fact) {
			out = append(out, t)
		}
	}
	return out
}

// Select returns the subset of tables named in names, preserving catalog
// order. An empty names list selects every table.
func (c Catalog) Select(names []string) (Catalog, error) {
	if len(names) == 0 {
		return c, nil
	}
	want := map[string]bool{}
	for _, n := range names {
		if _, ok := c.Lookup(n); !ok {
			return Catalog{}, errors.Errorf("unknown table %q", n)
		}
		want[strings.ToUpper(n)] = true
	}
	var out Catalog
	for _, t := range c.Tables {
		if want[strings.ToUpper(t.Name)] {
			out.Tables = append(out.Tables, t)
		}
	}
	return out, nil
}
