package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upAgents, downAgents)
}

// Agent is the schema-side view of a registered agent. The runtime store reads
// and writes these rows through pgx; gorm only owns the DDL.
type Agent struct {
	ID         int64     `gorm:"type:bigserial;primaryKey"`
	UniqueID   string    `gorm:"type:text;uniqueIndex;not null"`
	CreatedAt  time.Time `gorm:"type:timestamptz;not null;default:now();index"`
	LastSignin time.Time `gorm:"column:last_signin;type:timestamptz;not null;default:now()"`
}

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upAgents(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&Agent{})
}

func downAgents(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&Agent{})
}
