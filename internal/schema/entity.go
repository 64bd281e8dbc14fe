package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entity is implemented by every cached entity record. It exposes the three
// bookkeeping columns shared by all tables (id, temp_id, sync_state) plus a
// positional view of the entity-specific fields so the store can read and
// write any table through one code path.
//
// FieldValues and FieldPointers must follow the column order declared in the
// type's Table.Fields.
type Entity interface {
	Type() EntityType
	EntityID() string
	SetEntityID(id string)
	TempID() string
	SetTempID(id string)
	State() SyncState
	SetState(s SyncState)
	Validate() error

	// FieldValues returns the entity-specific column values for binding.
	FieldValues() []any

	// FieldPointers returns scan destinations for the same columns.
	FieldPointers() []any
}

// Meta holds the bookkeeping columns common to every cached entity.
// The remote API identifies entities by a Mongo-style "_id"; the same field
// doubles as the local primary key, holding a client temp id until the
// reconciler remaps it.
type Meta struct {
	ID        string    `json:"_id"`
	TempIDVal string    `json:"tempId,omitempty"`
	SyncState SyncState `json:"-"`
}

func (m *Meta) EntityID() string      { return m.ID }
func (m *Meta) SetEntityID(id string) { m.ID = id }
func (m *Meta) TempID() string        { return m.TempIDVal }
func (m *Meta) SetTempID(id string)   { m.TempIDVal = id }
func (m *Meta) State() SyncState      { return m.SyncState }
func (m *Meta) SetState(s SyncState)  { m.SyncState = s }

// Farm is a farm record.
type Farm struct {
	Meta
	Name        string `json:"name"`
	Location    string `json:"location,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	Coordinates string `json:"coordinates,omitempty"` // JSON-encoded point
	FarmerID    string `json:"farmerId,omitempty"`
}

func (f *Farm) Type() EntityType { return EntityFarm }

func (f *Farm) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("id is required")
	}
	if f.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

func (f *Farm) FieldValues() []any {
	return []any{f.Name, f.Location, f.ImageURL, f.Coordinates, f.FarmerID}
}

func (f *Farm) FieldPointers() []any {
	return []any{&f.Name, &f.Location, &f.ImageURL, &f.Coordinates, &f.FarmerID}
}

// Animal is a single animal belonging to a farm.
type Animal struct {
	Meta
	Name     string `json:"name"`
	Species  string `json:"species,omitempty"`
	FarmID   string `json:"farmId,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
	Status   string `json:"status,omitempty"`
}

func (a *Animal) Type() EntityType { return EntityAnimal }

func (a *Animal) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

func (a *Animal) FieldValues() []any {
	return []any{a.Name, a.Species, a.FarmID, a.ImageURL, a.Status}
}

func (a *Animal) FieldPointers() []any {
	return []any{&a.Name, &a.Species, &a.FarmID, &a.ImageURL, &a.Status}
}

// Profile is the device owner's farmer profile. There is at most one row,
// but it moves through the same queue and cache machinery as everything else.
type Profile struct {
	Meta
	FullName    string `json:"fullName,omitempty"`
	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

func (p *Profile) Type() EntityType { return EntityProfile }

func (p *Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

func (p *Profile) FieldValues() []any {
	return []any{p.FullName, p.Email, p.PhoneNumber, p.ImageURL}
}

func (p *Profile) FieldPointers() []any {
	return []any{&p.FullName, &p.Email, &p.PhoneNumber, &p.ImageURL}
}

// QueueEntry is one durable mutation intent. Queue order is defined by ID
// (assigned by SQLite AUTOINCREMENT); EnqueuedAt is observability only.
type QueueEntry struct {
	ID         int64
	Action     Action
	Entity     EntityType
	Payload    []byte // JSON snapshot of the entity at enqueue time
	Status     QueueStatus
	EnqueuedAt time.Time
}

// EncodePayload serializes an entity snapshot for queue storage.
func EncodePayload(e Entity) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", e.Type(), err)
	}
	return data, nil
}

// DecodePayload deserializes a queue payload back into a typed entity.
func DecodePayload(t EntityType, data []byte) (Entity, error) {
	tbl, ok := TableFor(t)
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	e := tbl.New()
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
	}
	return e, nil
}
