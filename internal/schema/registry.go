package schema

// Table describes the SQLite table backing one entity type. Fields lists the
// entity-specific columns in the order FieldValues/FieldPointers use; the
// store prepends the shared id, temp_id and sync_state columns itself.
type Table struct {
	Entity EntityType
	Name   string
	// Resource is the remote API collection name under /api/.
	Resource string
	Fields   []string
	New      func() Entity
}

// tables is resolved once at package init. Adding an entity type means adding
// a struct, a Table entry, and nothing else: the store, reconciler and puller
// all iterate this registry instead of switching on type names.
var tables = []Table{
	{
		Entity:   EntityFarm,
		Name:     "farms",
		Resource: "farms",
		Fields:   []string{"name", "location", "image_url", "coordinates", "farmer_id"},
		New:      func() Entity { return &Farm{} },
	},
	{
		Entity:   EntityAnimal,
		Name:     "animals",
		Resource: "animals",
		Fields:   []string{"name", "species", "farm_id", "image_url", "status"},
		New:      func() Entity { return &Animal{} },
	},
	{
		Entity:   EntityProfile,
		Name:     "profile",
		Resource: "farmers",
		Fields:   []string{"full_name", "email", "phone_number", "image_url"},
		New:      func() Entity { return &Profile{} },
	},
}

// Tables returns the registry of all cached entity tables.
func Tables() []Table {
	out := make([]Table, len(tables))
	copy(out, tables)
	return out
}

// TableFor looks up the table definition for an entity type.
func TableFor(t EntityType) (Table, bool) {
	for _, tbl := range tables {
		if tbl.Entity == t {
			return tbl, true
		}
	}
	return Table{}, false
}
