package quota

import (
	"context"

	"quark/internal/models"

	"gorm.io/gorm"
)

// DBSource counts rules from the local security group tables.
type DBSource struct{ db *gorm.DB }

func NewDBSource(db *gorm.DB) *DBSource { return &DBSource{db: db} }

func (s *DBSource) RuleCounts(ctx context.Context, groupIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(groupIDs))
	if len(groupIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		GroupID string
		N       int
	}
	err := s.db.WithContext(ctx).Model(&models.SecurityGroupRule{}).
		Select("group_id, COUNT(*) AS n").
		Where("group_id IN ?", groupIDs).
		Group("group_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, id := range groupIDs {
		out[id] = 0
	}
	for _, r := range rows {
		out[r.GroupID] = r.N
	}
	return out, nil
}

func (s *DBSource) GroupsSharingPorts(ctx context.Context, groupID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Table("port_security_group_bindings AS b1").
		Joins("JOIN port_security_group_bindings AS b2 ON b1.port_id = b2.port_id").
		Where("b1.security_group_id = ?", groupID).
		Distinct().
		Pluck("b2.security_group_id", &ids).Error
	return ids, err
}
