package models

import (
	"time"

	"github.com/uptrace/bun"
)

type StoredProxy struct {
	bun.BaseModel `bun:"table:proxies,alias:p"`

	URL           string    `bun:",pk"`
	Kind          string    `bun:",notnull"`
	CreatedAt     time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	LastCheckedAt time.Time `bun:",nullzero"`
	LastAlive     bool      `bun:",notnull,default:false"`
}
