package models

import (
	"errors"
	"strings"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/hours_backend/utils"
)

// ClassifyWriteError maps a datastore error onto the error taxonomy.
// 1452/1451 are MySQL foreign key violations; everything else is a write failure.
func ClassifyWriteError(err error) utils.ErrorKind {
	if err == nil {
		return ""
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1451, 1452:
			return utils.ErrorKindForeignKey
		}
		return utils.ErrorKindWrite
	}
	if strings.Contains(strings.ToUpper(err.Error()), "FOREIGN KEY CONSTRAINT") {
		return utils.ErrorKindForeignKey
	}
	return utils.ErrorKindWrite
}

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
