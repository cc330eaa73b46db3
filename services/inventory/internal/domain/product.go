package domain

import "time"

type Product struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name" validate:"required,max=200"`
	Description string    `db:"description" json:"description" validate:"max=2000"`
	Price       int64     `db:"price" json:"price" validate:"gte=0"`
	Available   int64     `db:"available" json:"available" validate:"gte=0"`
	Version     int64     `db:"version" json:"version"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
