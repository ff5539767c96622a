package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, input *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ResolveSecrets fills secret-backed settings. Today that is the SQL DSN when
// only sql.dsnSecretArn is configured. A nil client loads the default AWS config.
func ResolveSecrets(ctx context.Context, cfg *types.ProjectConfig, client SecretsManagerAPI) error {
	sc := SQL(cfg)
	if sc == nil || sc.DSN != "" || sc.DSNSecretARN == "" {
		return nil
	}
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
		client = secretsmanager.NewFromConfig(awsCfg)
	}

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(sc.DSNSecretARN),
	})
	if err != nil {
		return fmt.Errorf("reading sql dsn secret: %w", err)
	}
	dsn, err := dsnFromSecret(aws.ToString(out.SecretString))
	if err != nil {
		return err
	}
	sc.DSN = dsn
	return nil
}

// dsnFromSecret accepts either a bare DSN or a JSON object with a "dsn" key.
func dsnFromSecret(secret string) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", fmt.Errorf("sql dsn secret is empty")
	}
	if !strings.HasPrefix(secret, "{") {
		return secret, nil
	}
	var body struct {
		DSN string `json:"dsn"`
	}
	if err := json.Unmarshal([]byte(secret), &body); err != nil {
		return "", fmt.Errorf("parsing sql dsn secret: %w", err)
	}
	if body.DSN == "" {
		return "", fmt.Errorf("sql dsn secret has no dsn field")
	}
	return body.DSN, nil
}
