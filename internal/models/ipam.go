package models

import (
	"time"

	"gorm.io/gorm"
)

type Network struct {
	ID         string `gorm:"type:varchar(36);primaryKey"`
	TenantID   string `gorm:"type:varchar(255);index"`
	Name       string `gorm:"type:varchar(255)"`
	IPPolicyID *uint  `gorm:"index"`
	IPPolicy   *IPPolicy
	Subnets    []Subnet
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Subnet struct {
	ID        string `gorm:"type:varchar(36);primaryKey"`
	NetworkID string `gorm:"type:varchar(36);index"`
	TenantID  string `gorm:"type:varchar(255);index"`
	Name      string `gorm:"type:varchar(255)"`
	CIDR      string `gorm:"type:varchar(64)"`
	IPVersion int    `gorm:"index"`
	// NextAutoAssignIP is the sequential cursor, kept as the textual address.
	NextAutoAssignIP string `gorm:"type:varchar(45)"`
	IPPolicyID       *uint  `gorm:"index"`
	IPPolicy         *IPPolicy
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IPPolicy is an exclusion policy owned by a subnet or a network.
type IPPolicy struct {
	gorm.Model
	Exclude []IPPolicyRange
}

type IPPolicyRange struct {
	gorm.Model
	IPPolicyID uint   `gorm:"index"`
	Address    string `gorm:"type:varchar(45)"`
	Prefix     int
}

type IPAddress struct {
	ID            uint       `gorm:"primaryKey"`
	TenantID      string     `gorm:"type:varchar(255);index"`
	NetworkID     string     `gorm:"type:varchar(36);uniqueIndex:ux_ip_network_address,priority:1"`
	SubnetID      string     `gorm:"type:varchar(36);index"`
	Address       string     `gorm:"type:varchar(45);uniqueIndex:ux_ip_network_address,priority:2"`
	Version       int        `gorm:"index"`
	Deallocated   bool       `gorm:"index"`
	DeallocatedAt *time.Time
	Ports         []Port `gorm:"many2many:port_ip_address_associations;"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type MacAddressRange struct {
	ID           string `gorm:"type:varchar(36);primaryKey"`
	CIDR         string `gorm:"type:varchar(32)"`
	FirstAddress uint64
	// LastAddress is exclusive: FirstAddress + range size.
	LastAddress       uint64
	NextAutoAssignMAC uint64
	CreatedAt         time.Time
}

type MacAddress struct {
	Address           uint64 `gorm:"primaryKey;autoIncrement:false"`
	TenantID          string `gorm:"type:varchar(255);index"`
	MacAddressRangeID string `gorm:"type:varchar(36);index"`
	Deallocated       bool   `gorm:"index"`
	DeallocatedAt     *time.Time
	CreatedAt         time.Time
}
