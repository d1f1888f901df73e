package orm

import "gorm.io/gorm"

// ApplyKeyset 按递增字符串主键分页；offset 分页在翻页期间有行更新时会漏行
func ApplyKeyset(db *gorm.DB, column, after string, limit int) *gorm.DB {
	if after != "" {
		db = db.Where(column+" > ?", after)
	}
	db = db.Order(column)
	if limit > 0 {
		db = db.Limit(limit)
	}
	return db
}
