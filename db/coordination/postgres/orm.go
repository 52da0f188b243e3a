package postgres

import (
	"database/sql"

	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func orm(db *sql.DB) (*gorm.DB, error) {
	ormDb, err := gorm.Open(pgdriver.New(pgdriver.Config{
		Conn: db,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return ormDb, nil
}
