package dynamodb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// InsertBlobIfAbsent writes the blob row keyed by its digest unless one
// exists, in which case the stored row is returned.
func (p *DynamoDBProvider) InsertBlobIfAbsent(ctx context.Context, blob types.FileBlob) (*types.FileBlob, bool, error) {
	item, err := encodeItem(blobPK(blob.SHA256), skBlob, blob)
	if err != nil {
		return nil, false, err
	}
	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &p.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err == nil {
		return &blob, true, nil
	}
	if !isConditionalCheckFailed(err) {
		return nil, false, fmt.Errorf("inserting blob %s: %w", blob.SHA256, err)
	}
	existing, err := p.GetBlobBySHA(ctx, blob.SHA256)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetBlobBySHA retrieves a blob row by digest.
func (p *DynamoDBProvider) GetBlobBySHA(ctx context.Context, sha256 string) (*types.FileBlob, error) {
	var blob types.FileBlob
	found, err := p.getData(ctx, blobPK(sha256), skBlob, &blob)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("blob %q: %w", sha256, provider.ErrNotFound)
	}
	return &blob, nil
}
