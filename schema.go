package strata

import (
	"fmt"
	"log/slog"

	"github.com/roach88/strata/integrity"
	"github.com/roach88/strata/kv"
	"github.com/roach88/strata/relation"
)

// CollectionSpec declares one collection of a database: its key shape,
// secondary indexes, outgoing relations, and foreign-key rules.
type CollectionSpec struct {
	// Name uniquely identifies the collection within the database.
	Name string
	// KeyFields lists the record fields forming the primary key. One
	// field yields scalar keys, several a composite key. Empty
	// KeyFields requires AutoKey.
	KeyFields []string
	// AutoKey makes the engine assign a key on Insert when the record
	// carries none.
	AutoKey bool
	// Indexes declares secondary indexes over record fields.
	Indexes []kv.IndexSpec
	// Relations declares the expandable relations rooted at this
	// collection. Definition.SourceCollection may be left empty; it is
	// filled in with Name at Open.
	Relations []relation.Definition
	// ForeignKeys declares referential-integrity rules: each names a
	// field whose value must reference an existing key in a target
	// collection, plus the on-delete policy enforced when that target
	// record is removed.
	ForeignKeys []integrity.Rule
}

func (s CollectionSpec) validate() error {
	if s.Name == "" {
		return fmt.Errorf("collection with empty name")
	}
	if len(s.KeyFields) == 0 && !s.AutoKey {
		return fmt.Errorf("collection %q: no key fields and no auto key", s.Name)
	}
	seen := make(map[string]struct{}, len(s.Relations))
	for _, def := range s.Relations {
		if def.Name == "" {
			return fmt.Errorf("collection %q: relation with empty name", s.Name)
		}
		if _, dup := seen[def.Name]; dup {
			return fmt.Errorf("collection %q: duplicate relation %q", s.Name, def.Name)
		}
		seen[def.Name] = struct{}{}
		if def.SourceCollection != "" && def.SourceCollection != s.Name {
			return fmt.Errorf("collection %q: relation %q declares foreign source %q",
				s.Name, def.Name, def.SourceCollection)
		}
	}
	return nil
}

// Options configures a Database.
type Options struct {
	// Logger receives structured diagnostics. Defaults to
	// slog.Default().
	Logger *slog.Logger
}
