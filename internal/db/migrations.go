package db

import (
	"fmt"

	"quark/internal/models"

	"gorm.io/gorm"
)

// Migrate creates or updates every table and the dialect specific indexes.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	return MigrateReclaimIndex(db)
}

// MigrateReclaimIndex adds the index behind the reclaim fast path
// (deallocated rows by network, oldest first).
func MigrateReclaimIndex(db *gorm.DB) error {
	if db.Migrator().HasIndex(&models.IPAddress{}, "ix_ip_addresses_reclaim") {
		return nil
	}
	switch dialect := db.Dialector.Name(); dialect {
	case "mysql":
		return db.Exec("CREATE INDEX `ix_ip_addresses_reclaim` ON `ip_addresses` (`network_id`, `deallocated`, `deallocated_at`)").Error
	case "postgres":
		// partial index: only quarantined rows are ever scanned
		return db.Exec(`CREATE INDEX IF NOT EXISTS ix_ip_addresses_reclaim ON "ip_addresses" ("network_id", "deallocated_at") WHERE "deallocated"`).Error
	case "sqlite":
		return db.Exec(`CREATE INDEX IF NOT EXISTS ix_ip_addresses_reclaim ON ip_addresses (network_id, deallocated_at) WHERE deallocated`).Error
	default:
		return fmt.Errorf("unsupported dialect: %s", dialect)
	}
}
