package models

import "time"

// Coordinates geographic position attached to a journal record
type Coordinates struct {
	// Latitude position latitude
	Latitude float64 `json:"latitude" gorm:"column:latitude" validate:"gte=-90,lte=90"`
	// Longitude position longitude
	Longitude float64 `json:"longitude" gorm:"column:longitude" validate:"gte=-180,lte=180"`
}

// Record one journal record.
//
// The ID is client generated (UUID) for records created locally, and server
// assigned for records first seen through a remote fetch. It never changes
// once the record exists.
//
// `Synced` and `Deleted` are local sync metadata; they never travel over the
// wire to the remote record API.
type Record struct {
	// ID record ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required"`

	// OwnerID remote owner. Nil until the server first acknowledges the record.
	OwnerID *int64 `json:"ownerId,omitempty" gorm:"column:owner_id;default:null"`

	// Date the journal date of the record
	Date time.Time `json:"date" gorm:"column:date;not null"`
	// Temperature observed temperature
	Temperature float64 `json:"temperature" gorm:"column:temperature"`
	// Description free form journal text
	Description string `json:"description" gorm:"column:description"`
	// PhotoRef reference to an attached photo
	PhotoRef string `json:"photoRef,omitempty" gorm:"column:photo_ref"`

	// Coordinates where the record was made
	Coordinates Coordinates `json:"coordinates" gorm:"embedded"`

	// Synced true iff the server holds an identical version of this record
	Synced bool `json:"-" gorm:"column:synced;not null;default:false"`
	// Deleted soft-delete marker. A deleted-but-unsynced record is retained
	// until its delete operation completes.
	Deleted bool `json:"-" gorm:"column:deleted;not null;default:false"`

	// LastModified timestamp of the most recent local mutation
	LastModified time.Time `json:"lastModified" gorm:"column:last_modified;not null"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}
