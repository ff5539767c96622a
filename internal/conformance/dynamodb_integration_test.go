//go:build integration

package conformance_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/internal/provider/dynamodb"
)

func init() {
	extraProviders = append(extraProviders, providerCase{"DynamoDB", func(t *testing.T) provider.Provider {
		prov, err := dynamodb.New(&dynamodb.Config{
			TableName:   fmt.Sprintf("auditlane-conformance-%d", time.Now().UnixNano()),
			Region:      "us-east-1",
			Endpoint:    "http://localhost:8000",
			CreateTable: true,
		})
		if err != nil {
			t.Skipf("DynamoDB Local not available: %v", err)
		}
		if err := prov.Start(context.Background()); err != nil {
			t.Skipf("DynamoDB Local not available: %v", err)
		}
		return prov
	}})
}
