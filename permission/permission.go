// Package permission defines the minimal oracle interface the optimizer
// consults before costing a table scan. Authentication and RBAC proper are
// external collaborators; this package only names the seam.
package permission

import errorkit "gopkg.in/src-d/go-errors.v1"

// Permission holds the access mode required by an operation.
type Permission int

const (
	// ReadPerm means the operation reads from the table.
	ReadPerm Permission = 1 << iota
	// WritePerm means the operation writes to the table.
	WritePerm
)

// ErrNotAuthorized is returned by an Oracle when a permission is denied.
var ErrNotAuthorized = errorkit.NewKind("not authorized to %s table %q")

// Oracle checks whether an operation against a table is permitted. A nil
// Oracle is treated as always-allow by callers in this module.
type Oracle interface {
	Allowed(table string, perm Permission) error
}

// AllowAll is a trivial Oracle that never denies access, useful in tests and
// as an explicit stand-in for "no permission checking configured".
type AllowAll struct{}

// Allowed always returns nil.
func (AllowAll) Allowed(table string, perm Permission) error { return nil }

func permName(p Permission) string {
	switch p {
	case ReadPerm:
		return "read"
	case WritePerm:
		return "write"
	default:
		return "access"
	}
}

// TableOracle grants permissions per table name, adapted from the native
// single-tenant permission table the auth package used to gate mysql
// sessions. Table names absent from the grant set fall back to DefaultGrant.
type TableOracle struct {
	grants       map[string]Permission
	DefaultGrant Permission
}

// NewTableOracle builds a TableOracle with no table-specific grants; every
// table is allowed defaultGrant until Grant is called for it.
func NewTableOracle(defaultGrant Permission) *TableOracle {
	return &TableOracle{
		grants:       make(map[string]Permission),
		DefaultGrant: defaultGrant,
	}
}

// Grant sets the exact permission bitmask allowed for table.
func (o *TableOracle) Grant(table string, perm Permission) {
	o.grants[table] = perm
}

// Allowed implements Oracle.
func (o *TableOracle) Allowed(table string, perm Permission) error {
	granted, ok := o.grants[table]
	if !ok {
		granted = o.DefaultGrant
	}
	if granted&perm == perm {
		return nil
	}
	return ErrNotAuthorized.New(permName(perm), table)
}
