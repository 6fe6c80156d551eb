package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

// SetDB replaces the global handle. Tests use it to point handlers at SQLite.
func SetDB(d *gorm.DB) {
	db = d
}

func init() {
	godotenv.Load()
}

// databaseDSN builds the MySQL DSN from DB_* env. DB_HOST=/cloudsql/<CONNECTION_NAME>
// selects the Cloud SQL Auth Proxy socket.
func databaseDSN() string {
	host := os.Getenv("DB_HOST")
	network, address := "tcp", fmt.Sprintf("%s:%s", host, os.Getenv("DB_PORT"))
	if strings.HasPrefix(host, "/cloudsql/") {
		network, address = "unix", host
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?parseTime=true&loc=UTC&charset=utf8mb4",
		os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"), network, address, os.Getenv("DB_NAME"))
}

// ConnectDatabaseWithRetry blocks until MySQL accepts a connection, then sets the global DB.
func ConnectDatabaseWithRetry() {
	dsn := databaseDSN()
	retryConnect("database", func() error {
		conn, err := gorm.Open(mysql.Open(dsn), initConfig())
		if err != nil {
			return err
		}
		tunePool(conn)
		InstallPlugins(conn)
		db = conn
		return nil
	})
}

// tunePool applies pool limits. Batch writers run WRITE_WORKERS statements at once per
// run, so the defaults leave room for concurrent API reads.
//
// Set via env:
// - DB_MAX_OPEN_CONNS (default 32), DB_MAX_IDLE_CONNS (default 8)
// - DB_CONN_MAX_LIFETIME_SECONDS (default 300), DB_CONN_MAX_IDLE_TIME_SECONDS (default 60)
func tunePool(conn *gorm.DB) {
	sqlDB, err := conn.DB()
	if err != nil || sqlDB == nil {
		return
	}
	if n := intFromEnv("DB_MAX_OPEN_CONNS", 32); n > 0 {
		sqlDB.SetMaxOpenConns(n)
	}
	if n := intFromEnv("DB_MAX_IDLE_CONNS", 8); n >= 0 {
		sqlDB.SetMaxIdleConns(n)
	}
	if d := time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second; d > 0 {
		sqlDB.SetConnMaxLifetime(d)
	}
	if d := time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second; d > 0 {
		sqlDB.SetConnMaxIdleTime(d)
	}
}

// retryConnect calls connect until it succeeds, backing off exponentially up to 30s.
func retryConnect(target string, connect func() error) {
	for attempt := 1; ; attempt++ {
		err := connect()
		if err == nil {
			GetLogger().WithFields(logrus.Fields{"target": target, "attempt": attempt}).Info("connected")
			return
		}
		sleep := min(time.Second*time.Duration(1<<min(attempt, 5)), 30*time.Second)
		GetLogger().WithFields(logrus.Fields{
			"target":  target,
			"attempt": attempt,
			"retry":   sleep.String(),
		}).Warn(err.Error())
		time.Sleep(sleep)
	}
}

// InstallPlugins registers tracing and the hard-delete guard on a connection.
func InstallPlugins(conn *gorm.DB) {
	if err := conn.Use(otelgorm.NewPlugin()); err != nil {
		LogError(GetLogger(), "config", "InstallPlugins", "otelgorm", nil, err)
	}
	if err := conn.Use(NewDeleteGuardPlugin()); err != nil {
		LogError(GetLogger(), "config", "InstallPlugins", "delete guard", nil, err)
	}
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
	}
}

func initLog() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:                  false,
			LogLevel:                  logger.Error,
			SlowThreshold:             time.Second,
			IgnoreRecordNotFoundError: true,
		},
	)
}
