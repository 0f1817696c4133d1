package models

import "time"

type Port struct {
	ID             string `gorm:"type:varchar(36);primaryKey"`
	TenantID       string `gorm:"type:varchar(255);index"`
	NetworkID      string `gorm:"type:varchar(36);index"`
	Name           string `gorm:"type:varchar(255)"`
	DeviceID       string `gorm:"type:varchar(255)"`
	AdminStateUp   bool
	MACAddress     uint64
	BackendKey     string          `gorm:"type:varchar(36);index"` // remote port uuid
	IPAddresses    []IPAddress     `gorm:"many2many:port_ip_address_associations;"`
	SecurityGroups []SecurityGroup `gorm:"many2many:port_security_group_bindings;"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type SecurityGroup struct {
	ID          string `gorm:"type:varchar(36);primaryKey"`
	TenantID    string `gorm:"type:varchar(255);index"`
	Name        string `gorm:"type:varchar(255)"`
	Description string `gorm:"type:varchar(255)"`
	Rules       []SecurityGroupRule `gorm:"foreignKey:GroupID"`
	Ports       []Port              `gorm:"many2many:port_security_group_bindings;"`
	CreatedAt   time.Time
}

type SecurityGroupRule struct {
	ID             string `gorm:"type:varchar(36);primaryKey"`
	GroupID        string `gorm:"type:varchar(36);index"`
	TenantID       string `gorm:"type:varchar(255);index"`
	Direction      string `gorm:"type:varchar(10)"` // ingress | egress
	Ethertype      string `gorm:"type:varchar(4)"`  // IPv4 | IPv6
	Protocol       int
	PortRangeMin   *int
	PortRangeMax   *int
	RemoteIPPrefix string `gorm:"type:varchar(64)"`
	RemoteGroupID  string `gorm:"type:varchar(36)"`
	CreatedAt      time.Time
}
