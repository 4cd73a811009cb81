package conn

import (
	"fmt"
	"net/url"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	defaultPGHost    = "localhost"
	defaultPGPort    = 5432
	defaultPGSSLMode = "disable"

	defaultMaxOpenConns    = 16
	defaultConnMaxLifetime = 30 * time.Minute
)

// PGOption defines connection options for the order store database.
type PGOption struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// ConnString overrides all other fields when set.
	ConnString string

	MaxOpenConns int
	Config       *gorm.Config
}

// NewPG opens a PostgreSQL connection pool for the order store.
func NewPG(opt PGOption) (*gorm.DB, error) {
	config := opt.Config
	if config == nil {
		config = &gorm.Config{}
	}

	db, err := gorm.Open(postgres.Open(opt.dsn()), config)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	maxOpen := opt.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(defaultConnMaxLifetime)
	if err := sqlDB.Ping(); err != nil {
		return nil, err
	}

	return db, nil
}

func (opt PGOption) dsn() string {
	if opt.ConnString != "" {
		return opt.ConnString
	}

	host := opt.Host
	if host == "" {
		host = defaultPGHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPGPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPGSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	u.RawQuery = query.Encode()

	return u.String()
}
