package indexer

import (
	"time"

	"github.com/google/uuid"
)

// Activity is one committed marketplace event. Rows form a hash chain: each
// Digest covers the previous row's Digest plus this row's content.
type Activity struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Seq           uint64    `gorm:"uniqueIndex"`
	Type          string    `gorm:"index"`
	Marketplace   string    `gorm:"index"`
	Listing       string    `gorm:"index"`
	Maker         string
	Taker         string
	Mint          string `gorm:"index"`
	Price         uint64
	Fee           uint64
	MakerProceeds uint64
	Reward        uint64
	Payload       string
	Digest        string `gorm:"size:64"`
	CreatedAt     time.Time
}

// ActiveListing mirrors listings that currently hold an escrowed asset.
type ActiveListing struct {
	Listing     string `gorm:"primaryKey"`
	Marketplace string `gorm:"index"`
	Maker       string `gorm:"index"`
	Mint        string
	Price       uint64
	ListedAt    time.Time
}
