package models

// Local mirror of controller objects, maintained by the optimized driver only.

type LSwitch struct {
	ID                 string `gorm:"type:varchar(36);primaryKey"`
	RemoteID           string `gorm:"type:varchar(36);uniqueIndex"`
	NetworkID          string `gorm:"type:varchar(36);index"`
	DisplayName        string `gorm:"type:varchar(255)"`
	PortCount          int
	TransportZone      string `gorm:"type:varchar(36)"`
	TransportConnector string `gorm:"type:varchar(20)"`
	SegmentID          *int
	Ports              []LSwitchPort `gorm:"foreignKey:SwitchID"`
}

func (LSwitch) TableName() string { return "quark_nvp_driver_lswitch" }

type LSwitchPort struct {
	ID       string `gorm:"type:varchar(36);primaryKey"`
	RemoteID string `gorm:"type:varchar(36);uniqueIndex"`
	PortID   string `gorm:"type:varchar(36);index"`
	SwitchID string `gorm:"type:varchar(36);index"`
}

func (LSwitchPort) TableName() string { return "quark_nvp_driver_lswitchport" }

// SecurityProfile maps a security group id to its remote profile.
type SecurityProfile struct {
	ID       string `gorm:"type:varchar(36);primaryKey"`
	RemoteID string `gorm:"type:varchar(36);uniqueIndex"`
}

func (SecurityProfile) TableName() string { return "quark_nvp_driver_security_profile" }

// All lists every model for migrations.
func All() []interface{} {
	return []interface{}{
		&Network{}, &Subnet{}, &IPPolicy{}, &IPPolicyRange{}, &IPAddress{},
		&MacAddressRange{}, &MacAddress{},
		&Port{}, &SecurityGroup{}, &SecurityGroupRule{},
		&LSwitch{}, &LSwitchPort{}, &SecurityProfile{},
	}
}
