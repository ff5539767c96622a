package sqlstore

// Config holds relational database connection settings.
type Config struct {
	Driver       string `yaml:"driver" json:"driver"` // sqlite or mysql
	DSN          string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	DSNSecretARN string `yaml:"dsnSecretArn,omitempty" json:"dsnSecretArn,omitempty"`
	MaxOpenConns int    `yaml:"maxOpenConns,omitempty" json:"maxOpenConns,omitempty"`
	AutoMigrate  bool   `yaml:"autoMigrate,omitempty" json:"autoMigrate,omitempty"`
	Debug        bool   `yaml:"debug,omitempty" json:"debug,omitempty"`
}

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)
