package database

import (
	"fmt"

	"fanbase/models"

	"gorm.io/gorm"
)

// Models lists every table the service owns, in migration order.
func Models() []interface{} {
	return []interface{}{
		&models.Profile{},
		&models.LinkAttempt{},
		&models.LinkedAccount{},
		&models.PaymentTransaction{},
		&models.PointsBalance{},
		&models.Subscriber{},
		&models.AuditLog{},
	}
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
