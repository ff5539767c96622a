package dynamodb

// Config holds DynamoDB connection and table settings.
type Config struct {
	TableName         string `yaml:"tableName" json:"tableName"`
	Region            string `yaml:"region" json:"region"`
	Endpoint          string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	JobEventRetention string `yaml:"jobEventRetention,omitempty" json:"jobEventRetention,omitempty"`
	CreateTable       bool   `yaml:"createTable,omitempty" json:"createTable,omitempty"`
}
