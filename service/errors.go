package service

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	ErrMapNotFound   = errors.New("map not found")
	ErrChunkNotFound = errors.New("chunk not found")
	ErrMapExists     = errors.New("map already exists")
	ErrQueueDispatch = errors.New("queue dispatch failed")
)

// isDup 唯一键冲突：gorm TranslateError 之后是 ErrDuplicatedKey，没翻译时看 mysql 1062
func isDup(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}
