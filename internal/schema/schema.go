// Package schema names the ledger's tables and collections and checks that
// operator-supplied names are safe to interpolate into SQL.
package schema

import (
	"errors"
	"fmt"
	"regexp"
)

// Default ledger table (PostgreSQL) and collection (MongoDB) names.
const (
	DefaultAccountsTable = "ledger_accounts"
	DefaultIntentsTable  = "ledger_intents"
	DefaultStateTable    = "ledger_state"
)

// maxIdentifierLength is PostgreSQL's NAMEDATALEN minus one.
const maxIdentifierLength = 63

// identifier allows an optional schema qualifier: "ledger_accounts" or "billing.ledger_accounts".
var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ErrInvalidIdentifier is returned for names that are not plain SQL identifiers.
var ErrInvalidIdentifier = errors.New("schema: invalid identifier")

// Tables names the storage objects backing the ledger.
type Tables struct {
	Accounts string // Balances and registrations
	Intents  string // Pledges (PostgreSQL only; MongoDB embeds them in accounts)
	State    string // Total supply and burn window
}

// Defaults returns the built-in names.
func Defaults() Tables {
	return Tables{
		Accounts: DefaultAccountsTable,
		Intents:  DefaultIntentsTable,
		State:    DefaultStateTable,
	}
}

// Override returns t with each non-empty argument replacing its name.
func (t Tables) Override(accounts, intents, state string) Tables {
	if accounts != "" {
		t.Accounts = accounts
	}
	if intents != "" {
		t.Intents = intents
	}
	if state != "" {
		t.State = state
	}
	return t
}

// Validate checks every name and rejects two objects sharing a name.
func (t Tables) Validate() error {
	seen := map[string]string{}
	for _, f := range []struct{ role, name string }{
		{"accounts", t.Accounts},
		{"intents", t.Intents},
		{"state", t.State},
	} {
		if err := ValidateIdentifier(f.name); err != nil {
			return fmt.Errorf("%s table: %w", f.role, err)
		}
		if other, dup := seen[f.name]; dup {
			return fmt.Errorf("%w: %s and %s tables are both %q", ErrInvalidIdentifier, other, f.role, f.name)
		}
		seen[f.name] = f.role
	}
	return nil
}

// ValidateIdentifier accepts a plain or schema-qualified SQL identifier.
func ValidateIdentifier(name string) error {
	if !identifier.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	for i, start := 0, 0; i <= len(name); i++ {
		if i == len(name) || name[i] == '.' {
			if i-start > maxIdentifierLength {
				return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidIdentifier, name, maxIdentifierLength)
			}
			start = i + 1
		}
	}
	return nil
}
